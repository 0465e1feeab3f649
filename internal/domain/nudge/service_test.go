package nudge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/carenudge/internal/platform/hipaa"
	"github.com/ehr/carenudge/internal/platform/metrics"
)

// ── Mock Repository ──

// memRepo enforces the same one-live-per-(patient, trigger) rule as the
// partial unique index.
type memRepo struct {
	mu        sync.Mutex
	data      map[uuid.UUID]*Nudge
	insertErr error
	lookups   int
}

func newMemRepo() *memRepo { return &memRepo{data: make(map[uuid.UUID]*Nudge)} }

func clone(n *Nudge) *Nudge {
	c := *n
	return &c
}

func (m *memRepo) FindLive(_ context.Context, patientID uuid.UUID, trigger Trigger) (*Nudge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	for _, n := range m.data {
		if n.PatientID == patientID && n.Trigger == trigger && n.Status.Live() {
			return clone(n), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) Insert(_ context.Context, n *Nudge) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return false, m.insertErr
	}
	for _, existing := range m.data {
		if existing.PatientID == n.PatientID && existing.Trigger == n.Trigger && existing.Status.Live() {
			return false, nil
		}
	}
	m.data[n.ID] = clone(n)
	return true, nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Nudge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.data[id]; ok {
		return clone(n), nil
	}
	return nil, ErrNotFound
}

func (m *memRepo) ListActive(_ context.Context, patientID uuid.UUID, now time.Time) ([]*Nudge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Nudge
	for _, n := range m.data {
		if n.PatientID == patientID && n.Status == StatusActive && !n.ScheduledFor.After(now) {
			out = append(out, clone(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Nudge, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Nudge
	for _, n := range m.data {
		if n.PatientID == patientID {
			all = append(all, clone(n))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memRepo) ListTerminalSince(_ context.Context, patientID uuid.UUID, since time.Time) ([]*Nudge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Nudge
	for _, n := range m.data {
		if n.PatientID == patientID && n.Status.Terminal() && !n.CreatedAt.Before(since) {
			out = append(out, clone(n))
		}
	}
	return out, nil
}

func (m *memRepo) update(id uuid.UUID, fn func(n *Nudge) error) (*Nudge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(n); err != nil {
		return nil, err
	}
	return clone(n), nil
}

func (m *memRepo) Respond(_ context.Context, id uuid.UUID, upd ResponseUpdate) (*Nudge, error) {
	return m.update(id, func(n *Nudge) error {
		if !n.Status.Live() {
			return ErrInvalidTransition
		}
		n.Status = upd.Status
		n.Effectiveness.ActionTaken = upd.ActionTaken
		at := upd.RespondedAt
		n.RespondedAt = &at
		n.Effectiveness.ResponseTimeMS = upd.ResponseTimeMS
		if upd.Feedback != nil {
			n.Effectiveness.Feedback = upd.Feedback
		}
		n.UpdatedAt = at
		return nil
	})
}

func (m *memRepo) MarkViewed(_ context.Context, id uuid.UUID, at time.Time) (*Nudge, error) {
	return m.update(id, func(n *Nudge) error {
		if n.Effectiveness.ViewedAt == nil {
			n.Effectiveness.ViewedAt = &at
		}
		n.UpdatedAt = at
		return nil
	})
}

func (m *memRepo) MarkClicked(_ context.Context, id uuid.UUID, at time.Time) (*Nudge, error) {
	return m.update(id, func(n *Nudge) error {
		n.Effectiveness.ActionTaken = ActionClicked
		n.UpdatedAt = at
		return nil
	})
}

func (m *memRepo) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time) (*Nudge, error) {
	return m.update(id, func(n *Nudge) error {
		n.Effectiveness.ActionCompleted = true
		n.UpdatedAt = at
		return nil
	})
}

func (m *memRepo) expire(match func(n *Nudge) bool, now time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.data {
		if n.Status == StatusActive && n.ExpiresAt.Before(now) && match(n) {
			n.Status = StatusExpired
			n.Effectiveness.ActionTaken = ActionExpired
			n.UpdatedAt = now
			count++
		}
	}
	return count
}

func (m *memRepo) ExpireForPatient(_ context.Context, patientID uuid.UUID, now time.Time) (int64, error) {
	return m.expire(func(n *Nudge) bool { return n.PatientID == patientID }, now), nil
}

func (m *memRepo) ExpireAll(_ context.Context, now time.Time) (int64, error) {
	return m.expire(func(*Nudge) bool { return true }, now), nil
}

func (m *memRepo) put(n *Nudge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	m.data[n.ID] = clone(n)
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type fakeAudit struct {
	mu     sync.Mutex
	events []*hipaa.AuditEvent
	err    error
}

func (f *fakeAudit) LogEvent(_ context.Context, ev *hipaa.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeAudit) subtypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.SubtypeCode)
	}
	return out
}

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	repo    *memRepo
	audit   *fakeAudit
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newMemRepo()
	audit := &fakeAudit{}
	m := metrics.New(prometheus.NewRegistry())
	svc, err := NewService(repo, ExpiryPolicy{
		Default:    48 * time.Hour,
		PerTrigger: map[Trigger]time.Duration{TriggerAppointmentReminder: 24 * time.Hour},
	}, audit, zerolog.Nop(), m)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &testEnv{svc: svc, repo: repo, audit: audit, metrics: m}
}

func staticContent(c NudgeContent) func(context.Context) NudgeContent {
	return func(context.Context) NudgeContent { return c }
}

func (e *testEnv) create(t *testing.T, pid uuid.UUID, trig Trigger, now time.Time) *Nudge {
	t.Helper()
	n, err := e.svc.CreateIfAbsent(context.Background(), CreateRequest{
		PatientID: pid,
		Trigger:   trig,
		Now:       now,
		Content:   staticContent(Template(nil, trig)),
	})
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if n == nil {
		t.Fatal("expected nudge to be created")
	}
	return n
}

// ── Construction ──

func TestNewService_RejectsZeroHorizon(t *testing.T) {
	_, err := NewService(newMemRepo(), ExpiryPolicy{}, nil, zerolog.Nop(), metrics.New(prometheus.NewRegistry()))
	if err == nil {
		t.Fatal("expected error for zero expiry horizon")
	}
}

func TestNewService_RejectsBadOverride(t *testing.T) {
	cases := map[string]ExpiryPolicy{
		"unknown trigger": {Default: time.Hour, PerTrigger: map[Trigger]time.Duration{"bogus": time.Hour}},
		"negative":        {Default: time.Hour, PerTrigger: map[Trigger]time.Duration{TriggerMissingLog: -time.Hour}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewService(newMemRepo(), p, nil, zerolog.Nop(), metrics.New(prometheus.NewRegistry())); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestExpiryPolicy_For(t *testing.T) {
	p := ExpiryPolicy{Default: 48 * time.Hour, PerTrigger: map[Trigger]time.Duration{TriggerAppointmentReminder: 24 * time.Hour}}
	if got := p.For(TriggerMissingLog); got != 48*time.Hour {
		t.Errorf("default: got %s", got)
	}
	if got := p.For(TriggerAppointmentReminder); got != 24*time.Hour {
		t.Errorf("override: got %s", got)
	}
}

// ── CreateIfAbsent ──

func TestCreateIfAbsent_Creates(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()

	n := env.create(t, pid, TriggerAppointmentReminder, testNow)
	if n.Status != StatusActive {
		t.Errorf("status = %s, want active", n.Status)
	}
	if n.Category != CategoryReminder {
		t.Errorf("category = %s, want reminder", n.Category)
	}
	if !n.ScheduledFor.Equal(testNow) {
		t.Errorf("scheduled_for = %v, want %v", n.ScheduledFor, testNow)
	}
	if want := testNow.Add(24 * time.Hour); !n.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", n.ExpiresAt, want)
	}
	if n.Effectiveness.ActionTaken != ActionNone {
		t.Errorf("action_taken = %s, want none", n.Effectiveness.ActionTaken)
	}
	if got := testutil.ToFloat64(env.metrics.NudgesCreated.WithLabelValues(string(TriggerAppointmentReminder), string(SourceRule))); got != 1 {
		t.Errorf("nudges_created = %v, want 1", got)
	}
	if st := env.audit.subtypes(); len(st) != 1 || st[0] != "created" {
		t.Errorf("audit subtypes = %v", st)
	}
}

func TestCreateIfAbsent_SkipsWhenLive(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()
	env.create(t, pid, TriggerMissingLog, testNow)

	called := false
	n, err := env.svc.CreateIfAbsent(context.Background(), CreateRequest{
		PatientID: pid,
		Trigger:   TriggerMissingLog,
		Now:       testNow.Add(time.Minute),
		Content: func(context.Context) NudgeContent {
			called = true
			return Template(nil, TriggerMissingLog)
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != nil {
		t.Error("expected nil nudge for duplicate")
	}
	if called {
		t.Error("content should not be generated when a live nudge exists")
	}
	if env.repo.count() != 1 {
		t.Errorf("store count = %d, want 1", env.repo.count())
	}
	if got := testutil.ToFloat64(env.metrics.DedupSkipped.WithLabelValues(string(TriggerMissingLog))); got != 1 {
		t.Errorf("dedup_skipped = %v, want 1", got)
	}
}

func TestCreateIfAbsent_AllowsAfterClose(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()
	first := env.create(t, pid, TriggerMissingLog, testNow)
	if _, err := env.svc.Respond(context.Background(), first.ID, StatusDismissed, nil, testNow.Add(time.Hour)); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	second := env.create(t, pid, TriggerMissingLog, testNow.Add(2*time.Hour))
	if second.ID == first.ID {
		t.Error("expected a new nudge")
	}
}

func TestCreateIfAbsent_DifferentTriggersIndependent(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()
	env.create(t, pid, TriggerMissingLog, testNow)
	env.create(t, pid, TriggerSleepDeficit, testNow)
	env.create(t, uuid.New(), TriggerMissingLog, testNow)
	if env.repo.count() != 3 {
		t.Errorf("store count = %d, want 3", env.repo.count())
	}
}

func TestCreateIfAbsent_ConcurrentSinglesWinner(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			n, err := env.svc.CreateIfAbsent(context.Background(), CreateRequest{
				PatientID: pid,
				Trigger:   TriggerMoodPattern,
				Now:       testNow,
				Content:   staticContent(Template(nil, TriggerMoodPattern)),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if n != nil {
				created++
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
	live := 0
	for _, n := range env.repo.data {
		if n.Status.Live() {
			live++
		}
	}
	if live != 1 {
		t.Errorf("live nudges = %d, want 1", live)
	}
}

func TestCreateIfAbsent_StoreError(t *testing.T) {
	env := newTestEnv(t)
	env.repo.insertErr = errors.New("connection reset")
	_, err := env.svc.CreateIfAbsent(context.Background(), CreateRequest{
		PatientID: uuid.New(),
		Trigger:   TriggerMissingLog,
		Now:       testNow,
	})
	if err == nil {
		t.Fatal("expected store error to surface")
	}
}

func TestCreateIfAbsent_UnknownTrigger(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.CreateIfAbsent(context.Background(), CreateRequest{PatientID: uuid.New(), Trigger: "bogus", Now: testNow}); err == nil {
		t.Error("expected error for unknown trigger")
	}
}

func TestCreateIfAbsent_AuditFailureIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.audit.err = errors.New("audit table missing")
	pid := uuid.New()

	n, err := env.svc.CreateIfAbsent(context.Background(), CreateRequest{PatientID: pid, Trigger: TriggerMissingLog, Now: testNow})
	if err != nil || n == nil {
		t.Fatalf("creation should survive a failing audit sink, got %v, %v", n, err)
	}
	if _, err := env.repo.FindLive(context.Background(), pid, TriggerMissingLog); err != nil {
		t.Errorf("nudge not stored: %v", err)
	}
	if got := testutil.ToFloat64(env.metrics.NudgesCreated.WithLabelValues(string(TriggerMissingLog), string(SourceRule))); got != 1 {
		t.Errorf("created counter = %v, want 1", got)
	}
}

func TestCreateIfAbsent_CheckedSkipsLookup(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()

	n, err := env.svc.CreateIfAbsent(context.Background(), CreateRequest{PatientID: pid, Trigger: TriggerMissingLog, Now: testNow, Checked: true})
	if err != nil || n == nil {
		t.Fatalf("CreateIfAbsent = %v, %v", n, err)
	}
	if env.repo.lookups != 0 {
		t.Errorf("lookups = %d, want 0 for a pre-checked pair", env.repo.lookups)
	}

	// The insert still refuses a second live nudge.
	dup, err := env.svc.CreateIfAbsent(context.Background(), CreateRequest{PatientID: pid, Trigger: TriggerMissingLog, Now: testNow, Checked: true})
	if err != nil || dup != nil {
		t.Fatalf("duplicate = %v, %v; want nil, nil", dup, err)
	}
	if got := testutil.ToFloat64(env.metrics.DedupSkipped.WithLabelValues(string(TriggerMissingLog))); got != 1 {
		t.Errorf("dedup counter = %v, want 1", got)
	}
}

func TestHasLive(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()

	live, err := env.svc.HasLive(context.Background(), pid, TriggerMissingLog)
	if err != nil || live {
		t.Fatalf("HasLive before create = %v, %v", live, err)
	}
	env.create(t, pid, TriggerMissingLog, testNow)
	live, err = env.svc.HasLive(context.Background(), pid, TriggerMissingLog)
	if err != nil || !live {
		t.Fatalf("HasLive after create = %v, %v", live, err)
	}
	if live, _ := env.svc.HasLive(context.Background(), pid, TriggerSleepDeficit); live {
		t.Error("other triggers should not be live")
	}
}

// ── Active read / expiry ──

func TestActiveNudges_ExpiresOverdue(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()
	stale := &Nudge{
		PatientID:     pid,
		Trigger:       TriggerMissingLog,
		Priority:      PriorityMedium,
		Status:        StatusActive,
		CreatedAt:     testNow.Add(-49 * time.Hour),
		ScheduledFor:  testNow.Add(-49 * time.Hour),
		ExpiresAt:     testNow.Add(-time.Hour),
		Effectiveness: Effectiveness{ActionTaken: ActionNone},
	}
	env.repo.put(stale)

	items, err := env.svc.ActiveNudges(context.Background(), pid, testNow)
	if err != nil {
		t.Fatalf("ActiveNudges: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no active nudges, got %d", len(items))
	}
	got, _ := env.repo.GetByID(context.Background(), stale.ID)
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if got.Effectiveness.ActionTaken != ActionExpired {
		t.Errorf("action_taken = %s, want expired", got.Effectiveness.ActionTaken)
	}
	if got := testutil.ToFloat64(env.metrics.NudgesExpired); got != 1 {
		t.Errorf("nudges_expired = %v, want 1", got)
	}
}

func TestActiveNudges_OrderAndVisibility(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()
	mk := func(trig Trigger, p Priority, created time.Time, scheduled time.Time) *Nudge {
		n := &Nudge{
			PatientID: pid, Trigger: trig, Priority: p, Status: StatusActive,
			CreatedAt: created, ScheduledFor: scheduled, ExpiresAt: testNow.Add(time.Hour),
		}
		env.repo.put(n)
		return n
	}
	low := mk(TriggerStreakCelebration, PriorityLow, testNow.Add(-time.Minute), testNow.Add(-time.Minute))
	highOld := mk(TriggerDecliningScore, PriorityHigh, testNow.Add(-2*time.Hour), testNow.Add(-2*time.Hour))
	highNew := mk(TriggerAppointmentReminder, PriorityHigh, testNow.Add(-time.Hour), testNow.Add(-time.Hour))
	mk(TriggerSleepDeficit, PriorityMedium, testNow, testNow.Add(time.Hour)) // not yet visible

	items, err := env.svc.ActiveNudges(context.Background(), pid, testNow)
	if err != nil {
		t.Fatalf("ActiveNudges: %v", err)
	}
	want := []uuid.UUID{highNew.ID, highOld.ID, low.ID}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, id := range want {
		if items[i].ID != id {
			t.Errorf("items[%d] = %s (%s), want %s", i, items[i].ID, items[i].Trigger, id)
		}
	}
}

func TestSweepExpired_Global(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.repo.put(&Nudge{
			PatientID: uuid.New(), Trigger: TriggerMissingLog, Status: StatusActive,
			CreatedAt: testNow.Add(-72 * time.Hour), ExpiresAt: testNow.Add(-time.Minute),
		})
	}
	env.repo.put(&Nudge{
		PatientID: uuid.New(), Trigger: TriggerMissingLog, Status: StatusActive,
		CreatedAt: testNow, ExpiresAt: testNow.Add(time.Hour),
	})

	n, err := env.svc.SweepExpired(context.Background(), testNow)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 3 {
		t.Errorf("expired = %d, want 3", n)
	}
	again, _ := env.svc.SweepExpired(context.Background(), testNow)
	if again != 0 {
		t.Errorf("second sweep expired %d, want 0", again)
	}
	if st := env.audit.subtypes(); len(st) != 1 || st[0] != "expired" {
		t.Errorf("audit subtypes = %v", st)
	}
}

// ── Respond ──

func TestRespond_DoneRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	n := env.create(t, uuid.New(), TriggerMissingLog, testNow)

	if _, err := env.svc.Respond(context.Background(), n.ID, StatusDone, nil, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	got, err := env.svc.GetNudge(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("GetNudge: %v", err)
	}
	if got.Status != StatusDone {
		t.Errorf("status = %s, want done", got.Status)
	}
	if got.Effectiveness.ActionTaken != ActionMarkedDone {
		t.Errorf("action_taken = %s, want marked_done", got.Effectiveness.ActionTaken)
	}
	if got.RespondedAt == nil {
		t.Error("responded_at should be set")
	}
	if got.Effectiveness.ResponseTimeMS != nil {
		t.Error("response time should be nil without a prior view")
	}
}

func TestRespond_ResponseTimeFromView(t *testing.T) {
	env := newTestEnv(t)
	n := env.create(t, uuid.New(), TriggerSleepDeficit, testNow)
	if _, err := env.svc.MarkViewed(context.Background(), n.ID, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("MarkViewed: %v", err)
	}
	fb := "too busy"
	got, err := env.svc.Respond(context.Background(), n.ID, StatusDismissed, &fb, testNow.Add(time.Minute+1500*time.Millisecond))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got.Effectiveness.ResponseTimeMS == nil || *got.Effectiveness.ResponseTimeMS != 1500 {
		t.Errorf("response_time_ms = %v, want 1500", got.Effectiveness.ResponseTimeMS)
	}
	if got.Effectiveness.ActionTaken != ActionDismissed {
		t.Errorf("action_taken = %s, want dismissed", got.Effectiveness.ActionTaken)
	}
	if got.Effectiveness.Feedback == nil || *got.Effectiveness.Feedback != fb {
		t.Errorf("feedback = %v", got.Effectiveness.Feedback)
	}
}

func TestRespond_Errors(t *testing.T) {
	env := newTestEnv(t)
	n := env.create(t, uuid.New(), TriggerMissingLog, testNow)

	if _, err := env.svc.Respond(context.Background(), uuid.New(), StatusDone, nil, testNow); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
	if _, err := env.svc.Respond(context.Background(), n.ID, StatusExpired, nil, testNow); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("bad status: got %v, want ErrInvalidStatus", err)
	}
	if _, err := env.svc.Respond(context.Background(), n.ID, StatusDone, nil, testNow); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	if _, err := env.svc.Respond(context.Background(), n.ID, StatusDismissed, nil, testNow); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("closed nudge: got %v, want ErrInvalidTransition", err)
	}
}

func TestActionForStatus(t *testing.T) {
	cases := map[Status]ActionTaken{
		StatusDone:      ActionMarkedDone,
		StatusDismissed: ActionDismissed,
		StatusActive:    ActionIgnored,
		"":              ActionIgnored,
	}
	for in, want := range cases {
		if got := ActionForStatus(in); got != want {
			t.Errorf("ActionForStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

// ── Effectiveness tracking ──

func TestMarkViewed_FirstWriteWins(t *testing.T) {
	env := newTestEnv(t)
	n := env.create(t, uuid.New(), TriggerMissingLog, testNow)
	first := testNow.Add(time.Minute)

	if _, err := env.svc.MarkViewed(context.Background(), n.ID, first); err != nil {
		t.Fatalf("MarkViewed: %v", err)
	}
	got, err := env.svc.MarkViewed(context.Background(), n.ID, first.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkViewed: %v", err)
	}
	if got.Effectiveness.ViewedAt == nil || !got.Effectiveness.ViewedAt.Equal(first) {
		t.Errorf("viewed_at = %v, want %v", got.Effectiveness.ViewedAt, first)
	}
	if got.Status != StatusActive {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestMarkClickedAndCompleted_KeepStatus(t *testing.T) {
	env := newTestEnv(t)
	n := env.create(t, uuid.New(), TriggerMissingLog, testNow)

	got, err := env.svc.MarkActionClicked(context.Background(), n.ID, testNow)
	if err != nil {
		t.Fatalf("MarkActionClicked: %v", err)
	}
	if got.Effectiveness.ActionTaken != ActionClicked || got.Status != StatusActive {
		t.Errorf("after click: action=%s status=%s", got.Effectiveness.ActionTaken, got.Status)
	}
	got, err = env.svc.MarkActionCompleted(context.Background(), n.ID, testNow)
	if err != nil {
		t.Fatalf("MarkActionCompleted: %v", err)
	}
	if !got.Effectiveness.ActionCompleted || got.Status != StatusActive {
		t.Errorf("after complete: completed=%v status=%s", got.Effectiveness.ActionCompleted, got.Status)
	}
	if got := testutil.ToFloat64(env.metrics.Interactions.WithLabelValues("clicked")); got != 1 {
		t.Errorf("clicked interactions = %v, want 1", got)
	}
}

func TestTracking_NotFound(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	if _, err := env.svc.MarkViewed(context.Background(), id, testNow); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkViewed: got %v", err)
	}
	if _, err := env.svc.MarkActionClicked(context.Background(), id, testNow); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkActionClicked: got %v", err)
	}
	if _, err := env.svc.MarkActionCompleted(context.Background(), id, testNow); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkActionCompleted: got %v", err)
	}
}

// ── History / stats ──

func TestHistory_Paginates(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()
	for i, trig := range AllTriggers {
		env.create(t, pid, trig, testNow.Add(time.Duration(i)*time.Minute))
	}
	items, total, err := env.svc.History(context.Background(), pid, 3, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if total != len(AllTriggers) {
		t.Errorf("total = %d, want %d", total, len(AllTriggers))
	}
	if len(items) != 3 || items[0].Trigger != TriggerAppointmentReminder {
		t.Errorf("unexpected first page: %d items", len(items))
	}

	empty, total, err := env.svc.History(context.Background(), uuid.New(), 10, 0)
	if err != nil || total != 0 || empty == nil || len(empty) != 0 {
		t.Errorf("empty history: items=%v total=%d err=%v", empty, total, err)
	}
}

func TestEffectivenessStats_Window(t *testing.T) {
	env := newTestEnv(t)
	pid := uuid.New()
	env.repo.put(&Nudge{PatientID: pid, Trigger: TriggerMissingLog, Status: StatusDone,
		CreatedAt: testNow.Add(-24 * time.Hour), Effectiveness: Effectiveness{ActionTaken: ActionMarkedDone, ActionCompleted: true}})
	env.repo.put(&Nudge{PatientID: pid, Trigger: TriggerMissingLog, Status: StatusDismissed,
		CreatedAt: testNow.Add(-48 * time.Hour), Effectiveness: Effectiveness{ActionTaken: ActionDismissed}})
	env.repo.put(&Nudge{PatientID: pid, Trigger: TriggerMissingLog, Status: StatusDone,
		CreatedAt: testNow.Add(-31 * 24 * time.Hour), Effectiveness: Effectiveness{ActionTaken: ActionMarkedDone}})
	env.repo.put(&Nudge{PatientID: pid, Trigger: TriggerSleepDeficit, Status: StatusActive,
		CreatedAt: testNow.Add(-time.Hour)})

	st, err := env.svc.EffectivenessStats(context.Background(), pid, testNow)
	if err != nil {
		t.Fatalf("EffectivenessStats: %v", err)
	}
	if st.Total != 2 || st.Acted != 1 || st.Dismissed != 1 || st.Completed != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
	if st.ActionRate != 50 || st.CompletionRate != 100 {
		t.Errorf("rates = %d/%d, want 50/100", st.ActionRate, st.CompletionRate)
	}
}
