package nudge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/carenudge/internal/platform/auth"
	"github.com/ehr/carenudge/internal/platform/hipaa"
	"github.com/ehr/carenudge/internal/platform/metrics"
)

// StatsWindow is how far back effectiveness stats look.
const StatsWindow = 30 * 24 * time.Hour

// AuditSink records audit events. hipaa.AuditLogger satisfies it.
type AuditSink interface {
	LogEvent(ctx context.Context, event *hipaa.AuditEvent) error
}

// ExpiryPolicy decides how long a new nudge stays active.
type ExpiryPolicy struct {
	Default    time.Duration
	PerTrigger map[Trigger]time.Duration
}

func (p ExpiryPolicy) validate() error {
	if p.Default <= 0 {
		return fmt.Errorf("nudge expiry horizon must be positive, got %s", p.Default)
	}
	for t, d := range p.PerTrigger {
		if !t.Valid() {
			return fmt.Errorf("expiry override for unknown trigger %q", t)
		}
		if d <= 0 {
			return fmt.Errorf("expiry override for %s must be positive, got %s", t, d)
		}
	}
	return nil
}

// For returns the horizon for t.
func (p ExpiryPolicy) For(t Trigger) time.Duration {
	if d, ok := p.PerTrigger[t]; ok {
		return d
	}
	return p.Default
}

// Service owns nudge storage, the lifecycle, and effectiveness tracking.
type Service struct {
	repo    NudgeRepository
	expiry  ExpiryPolicy
	audit   AuditSink
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewService validates expiry and wires the store. audit may be nil.
func NewService(repo NudgeRepository, expiry ExpiryPolicy, audit AuditSink, logger zerolog.Logger, m *metrics.Metrics) (*Service, error) {
	if err := expiry.validate(); err != nil {
		return nil, err
	}
	return &Service{
		repo:    repo,
		expiry:  expiry,
		audit:   audit,
		logger:  logger.With().Str("component", "nudge.service").Logger(),
		metrics: m,
	}, nil
}

// HasLive reports whether the pair already has a live nudge.
func (s *Service) HasLive(ctx context.Context, patientID uuid.UUID, t Trigger) (bool, error) {
	_, err := s.repo.FindLive(ctx, patientID, t)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, fmt.Errorf("dedup lookup: %w", err)
}

// CreateRequest describes a nudge to create if none is live for the
// (patient, trigger) pair. Content runs only after the dedup lookup passes.
// Checked skips the lookup when the caller already ran HasLive for the pair;
// the insert still refuses a second live nudge.
type CreateRequest struct {
	PatientID uuid.UUID
	Trigger   Trigger
	Now       time.Time
	Snapshot  map[string]any
	Content   func(ctx context.Context) NudgeContent
	Checked   bool
}

// CreateIfAbsent returns the new nudge, or nil with no error when a live
// nudge for the pair already exists or wins a concurrent insert.
func (s *Service) CreateIfAbsent(ctx context.Context, req CreateRequest) (*Nudge, error) {
	if !req.Trigger.Valid() {
		return nil, fmt.Errorf("unknown trigger %q", req.Trigger)
	}
	log := s.logger.With().
		Str("patient_id", req.PatientID.String()).
		Str("trigger", string(req.Trigger)).
		Logger()

	if !req.Checked {
		existing, err := s.repo.FindLive(ctx, req.PatientID, req.Trigger)
		switch {
		case err == nil:
			log.Debug().Str("nudge_id", existing.ID.String()).Msg("live nudge exists, skipping")
			s.metrics.DedupSkipped.WithLabelValues(string(req.Trigger)).Inc()
			return nil, nil
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
	}

	var content NudgeContent
	if req.Content != nil {
		content = req.Content(ctx)
	} else {
		content = Template(nil, req.Trigger)
	}

	now := req.Now.UTC()
	n := &Nudge{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		Trigger:         req.Trigger,
		Title:           content.Title,
		Message:         content.Message,
		Reasoning:       content.Reasoning,
		Priority:        content.Priority,
		Category:        req.Trigger.Category(),
		Status:          StatusActive,
		Source:          content.Source,
		ActionLabel:     content.ActionLabel,
		ActionLink:      content.ActionLink,
		ContextSnapshot: req.Snapshot,
		CreatedAt:       now,
		ScheduledFor:    now,
		ExpiresAt:       now.Add(s.expiry.For(req.Trigger)),
		UpdatedAt:       now,
		Effectiveness:   Effectiveness{ActionTaken: ActionNone},
	}
	if n.Source == "" {
		n.Source = SourceRule
	}

	inserted, err := s.repo.Insert(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("create nudge: %w", err)
	}
	if !inserted {
		log.Debug().Msg("concurrent insert won, skipping")
		s.metrics.DedupSkipped.WithLabelValues(string(req.Trigger)).Inc()
		return nil, nil
	}
	s.recordAudit(ctx, hipaa.NewNudgeEvent(hipaa.SystemAgent, "created", hipaa.ActionCreate, n.ID, n.PatientID))

	s.metrics.NudgesCreated.WithLabelValues(string(n.Trigger), string(n.Source)).Inc()
	log.Info().Str("nudge_id", n.ID.String()).Str("source", string(n.Source)).Msg("nudge created")
	return n, nil
}

// ActiveNudges expires overdue nudges for the patient, then lists what is
// visible now.
func (s *Service) ActiveNudges(ctx context.Context, patientID uuid.UUID, now time.Time) ([]*Nudge, error) {
	if _, err := s.SweepPatient(ctx, patientID, now); err != nil {
		return nil, err
	}
	items, err := s.repo.ListActive(ctx, patientID, now)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Nudge{}
	}
	return items, nil
}

func (s *Service) GetNudge(ctx context.Context, id uuid.UUID) (*Nudge, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) History(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Nudge, int, error) {
	items, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []*Nudge{}
	}
	return items, total, nil
}

// Respond closes a live nudge as done or dismissed. Response time is
// measured from the first view when there was one.
func (s *Service) Respond(ctx context.Context, id uuid.UUID, status Status, feedback *string, now time.Time) (*Nudge, error) {
	if status != StatusDone && status != StatusDismissed {
		return nil, ErrInvalidStatus
	}
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, ErrInvalidTransition
	}

	now = now.UTC()
	upd := ResponseUpdate{
		Status:      status,
		ActionTaken: ActionForStatus(status),
		RespondedAt: now,
		Feedback:    feedback,
	}
	if v := current.Effectiveness.ViewedAt; v != nil {
		ms := now.Sub(*v).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		upd.ResponseTimeMS = &ms
	}

	n, err := s.repo.Respond(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.metrics.Responses.WithLabelValues(string(status)).Inc()
	s.recordAudit(ctx, hipaa.NewNudgeEvent(agentFrom(ctx), "responded", hipaa.ActionUpdate, n.ID, n.PatientID))
	return n, nil
}

func (s *Service) MarkViewed(ctx context.Context, id uuid.UUID, now time.Time) (*Nudge, error) {
	n, err := s.repo.MarkViewed(ctx, id, now.UTC())
	if err != nil {
		return nil, err
	}
	s.metrics.Interactions.WithLabelValues("viewed").Inc()
	return n, nil
}

func (s *Service) MarkActionClicked(ctx context.Context, id uuid.UUID, now time.Time) (*Nudge, error) {
	n, err := s.repo.MarkClicked(ctx, id, now.UTC())
	if err != nil {
		return nil, err
	}
	s.metrics.Interactions.WithLabelValues("clicked").Inc()
	return n, nil
}

func (s *Service) MarkActionCompleted(ctx context.Context, id uuid.UUID, now time.Time) (*Nudge, error) {
	n, err := s.repo.MarkCompleted(ctx, id, now.UTC())
	if err != nil {
		return nil, err
	}
	s.metrics.Interactions.WithLabelValues("completed").Inc()
	return n, nil
}

// SweepPatient expires one patient's overdue nudges.
func (s *Service) SweepPatient(ctx context.Context, patientID uuid.UUID, now time.Time) (int64, error) {
	n, err := s.repo.ExpireForPatient(ctx, patientID, now.UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.NudgesExpired.Add(float64(n))
		s.logger.Info().Str("patient_id", patientID.String()).Int64("expired", n).Msg("expired overdue nudges")
		s.recordAudit(ctx, hipaa.NewSweepEvent(n, &patientID))
	}
	return n, nil
}

// SweepExpired expires overdue nudges for every patient.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.ExpireAll(ctx, now.UTC())
	if err != nil {
		return 0, err
	}
	s.metrics.NudgesExpired.Add(float64(n))
	s.logger.Info().Int64("expired", n).Msg("expiry sweep complete")
	if n > 0 {
		s.recordAudit(ctx, hipaa.NewSweepEvent(n, nil))
	}
	return n, nil
}

// EffectivenessStats aggregates the patient's closed nudges from the last
// 30 days.
func (s *Service) EffectivenessStats(ctx context.Context, patientID uuid.UUID, now time.Time) (*EffectivenessStats, error) {
	items, err := s.repo.ListTerminalSince(ctx, patientID, now.UTC().Add(-StatsWindow))
	if err != nil {
		return nil, fmt.Errorf("effectiveness stats: %w", err)
	}
	return ComputeStats(items), nil
}

func (s *Service) recordAudit(ctx context.Context, ev *hipaa.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("subtype", ev.SubtypeCode).Msg("audit write failed")
	}
}

func agentFrom(ctx context.Context) string {
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return uid
	}
	return hipaa.SystemAgent
}
