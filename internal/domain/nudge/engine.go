package nudge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/carenudge/internal/platform/cooldown"
	"github.com/ehr/carenudge/internal/platform/metrics"
)

// Engine evaluates one patient and creates whatever nudges are due.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, patientID uuid.UUID, now time.Time) (*EvaluationResult, error)
}

const (
	EngineRules    = "rules"
	EngineAdaptive = "adaptive"
)

// Pipeline holds the collaborators shared by every engine.
type Pipeline struct {
	Builder     *ContextBuilder
	Generator   *ContentGenerator
	Service     *Service
	Concurrency int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// triggerFilter drops fired triggers before creation. It returns the kept
// triggers in order plus outcomes for the dropped ones.
type triggerFilter func(ctx context.Context, fs *FeatureSummary, fired []Trigger, now time.Time) ([]Trigger, []TriggerOutcome)

func (p *Pipeline) run(ctx context.Context, engine string, patientID uuid.UUID, now time.Time, filter triggerFilter) (*EvaluationResult, error) {
	log := p.Logger.With().Str("engine", engine).Str("patient_id", patientID.String()).Logger()

	fs, err := p.Builder.Build(ctx, patientID, now)
	if err != nil {
		p.Metrics.Evaluations.WithLabelValues(engine, "error").Inc()
		return nil, err
	}
	// Overdue nudges must not hold the live slot for their trigger.
	if _, err := p.Service.SweepPatient(ctx, patientID, now); err != nil {
		log.Warn().Err(err).Msg("pre-evaluation sweep failed")
	}

	fired := EvaluateTriggers(fs)
	for _, t := range fired {
		p.Metrics.TriggersFired.WithLabelValues(string(t)).Inc()
	}

	res := &EvaluationResult{
		PatientID:   patientID,
		Engine:      engine,
		EvaluatedAt: now.UTC(),
		Fired:       fired,
		Outcomes:    []TriggerOutcome{},
		Created:     []*Nudge{},
		Summary:     fs,
	}
	if fired == nil {
		res.Fired = []Trigger{}
	}

	kept := fired
	if filter != nil {
		var dropped []TriggerOutcome
		kept, dropped = filter(ctx, fs, fired, now)
		res.Outcomes = append(res.Outcomes, dropped...)
	}

	// Dedup and inserts share the request's connection and run in order;
	// only text generation fans out.
	var pending []Trigger
	for _, t := range kept {
		live, err := p.Service.HasLive(ctx, patientID, t)
		switch {
		case err != nil:
			log.Error().Err(err).Str("trigger", string(t)).Msg("dedup lookup failed")
			res.Outcomes = append(res.Outcomes, TriggerOutcome{Trigger: t, Outcome: OutcomeFailed, Reason: err.Error()})
		case live:
			p.Metrics.DedupSkipped.WithLabelValues(string(t)).Inc()
			res.Outcomes = append(res.Outcomes, TriggerOutcome{Trigger: t, Outcome: OutcomeExists})
		default:
			pending = append(pending, t)
		}
	}

	contents := make([]NudgeContent, len(pending))
	limit := p.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, t := range pending {
		i, t := i, t
		g.Go(func() error {
			contents[i] = p.Generator.Generate(ctx, fs, t)
			return nil
		})
	}
	_ = g.Wait()

	for i, t := range pending {
		content := contents[i]
		n, err := p.Service.CreateIfAbsent(ctx, CreateRequest{
			PatientID: patientID,
			Trigger:   t,
			Now:       now,
			Snapshot:  fs.Snapshot(t),
			Content:   func(context.Context) NudgeContent { return content },
			Checked:   true,
		})
		switch {
		case err != nil:
			log.Error().Err(err).Str("trigger", string(t)).Msg("nudge creation failed")
			res.Outcomes = append(res.Outcomes, TriggerOutcome{Trigger: t, Outcome: OutcomeFailed, Reason: err.Error()})
		case n == nil:
			res.Outcomes = append(res.Outcomes, TriggerOutcome{Trigger: t, Outcome: OutcomeExists})
		default:
			id := n.ID
			res.Outcomes = append(res.Outcomes, TriggerOutcome{Trigger: t, Outcome: OutcomeCreated, NudgeID: &id})
			res.Created = append(res.Created, n)
		}
	}

	p.Metrics.Evaluations.WithLabelValues(engine, "ok").Inc()
	log.Info().
		Int("fired", len(fired)).
		Int("created", len(res.Created)).
		Msg("evaluation complete")
	return res, nil
}

// RuleEngine creates a nudge for every fired trigger.
type RuleEngine struct {
	p *Pipeline
}

func NewRuleEngine(p *Pipeline) *RuleEngine { return &RuleEngine{p: p} }

func (e *RuleEngine) Name() string { return EngineRules }

func (e *RuleEngine) Evaluate(ctx context.Context, patientID uuid.UUID, now time.Time) (*EvaluationResult, error) {
	return e.p.run(ctx, EngineRules, patientID, now, nil)
}

// AdaptivePolicy tunes which triggers the adaptive engine lets through.
type AdaptivePolicy struct {
	// MinSamples is how many closed nudges a trigger needs before its action
	// rate is trusted.
	MinSamples int
	// MinActionRate is the percentage below which a trigger is suppressed.
	MinActionRate int
	// MaxNew caps triggers passed to creation per evaluation. Zero means no cap.
	MaxNew int
}

// protectedTriggers are never suppressed or capped.
var protectedTriggers = map[Trigger]bool{
	TriggerDecliningScore:      true,
	TriggerAppointmentReminder: true,
}

// AdaptiveEngine runs the rule pipeline but suppresses triggers the patient
// has historically ignored, and caps how many are created at once.
type AdaptiveEngine struct {
	p      *Pipeline
	policy AdaptivePolicy
}

func NewAdaptiveEngine(p *Pipeline, policy AdaptivePolicy) *AdaptiveEngine {
	return &AdaptiveEngine{p: p, policy: policy}
}

func (e *AdaptiveEngine) Name() string { return EngineAdaptive }

func (e *AdaptiveEngine) Evaluate(ctx context.Context, patientID uuid.UUID, now time.Time) (*EvaluationResult, error) {
	return e.p.run(ctx, EngineAdaptive, patientID, now, e.filter)
}

func (e *AdaptiveEngine) filter(ctx context.Context, fs *FeatureSummary, fired []Trigger, now time.Time) ([]Trigger, []TriggerOutcome) {
	var dropped []TriggerOutcome
	if len(fired) == 0 {
		return fired, nil
	}

	stats, err := e.p.Service.EffectivenessStats(ctx, fs.PatientID, now)
	if err != nil {
		e.p.Logger.Warn().Err(err).Str("patient_id", fs.PatientID.String()).
			Msg("effectiveness stats unavailable, not suppressing")
		stats = &EffectivenessStats{}
	}

	var candidates []Trigger
	protected := 0
	for _, t := range fired {
		if protectedTriggers[t] {
			protected++
			candidates = append(candidates, t)
			continue
		}
		if ts := stats.ByTrigger[t]; ts != nil && ts.Total >= e.policy.MinSamples && ts.ActionRate() < e.policy.MinActionRate {
			e.p.Metrics.TriggersSuppressed.WithLabelValues(string(t), "low_action_rate").Inc()
			dropped = append(dropped, TriggerOutcome{
				Trigger: t,
				Outcome: OutcomeSuppressed,
				Reason:  fmt.Sprintf("action rate %d%% over %d nudges", ts.ActionRate(), ts.Total),
			})
			continue
		}
		candidates = append(candidates, t)
	}

	if e.policy.MaxNew <= 0 {
		return candidates, dropped
	}
	slots := e.policy.MaxNew - protected
	var kept []Trigger
	for _, t := range candidates {
		if protectedTriggers[t] {
			kept = append(kept, t)
			continue
		}
		if slots <= 0 {
			e.p.Metrics.TriggersSuppressed.WithLabelValues(string(t), "cap").Inc()
			dropped = append(dropped, TriggerOutcome{Trigger: t, Outcome: OutcomeSuppressed, Reason: "per-evaluation cap reached"})
			continue
		}
		slots--
		kept = append(kept, t)
	}
	return kept, dropped
}

// NewEngine picks the engine named by name.
func NewEngine(name string, p *Pipeline, policy AdaptivePolicy) (Engine, error) {
	switch name {
	case EngineRules, "":
		return NewRuleEngine(p), nil
	case EngineAdaptive:
		return NewAdaptiveEngine(p, policy), nil
	}
	return nil, fmt.Errorf("unknown nudge engine %q", name)
}

// Evaluator runs an engine behind a per-patient cooldown so repeated reads
// do not re-evaluate on every request.
type Evaluator struct {
	engine   Engine
	gate     cooldown.Gate
	cooldown time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewEvaluator(engine Engine, gate cooldown.Gate, window time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Evaluator {
	if gate == nil {
		gate = cooldown.Open{}
	}
	return &Evaluator{
		engine:   engine,
		gate:     gate,
		cooldown: window,
		logger:   logger.With().Str("component", "nudge.evaluator").Logger(),
		metrics:  m,
	}
}

func (e *Evaluator) Engine() Engine { return e.engine }

// Evaluate always runs the engine.
func (e *Evaluator) Evaluate(ctx context.Context, patientID uuid.UUID, now time.Time) (*EvaluationResult, error) {
	return e.engine.Evaluate(ctx, patientID, now)
}

// MaybeEvaluate runs the engine unless the patient was evaluated within the
// cooldown window. A failing gate admits the call. The result is nil when
// the evaluation was skipped.
func (e *Evaluator) MaybeEvaluate(ctx context.Context, patientID uuid.UUID, now time.Time) (*EvaluationResult, error) {
	ok, err := e.gate.Acquire(ctx, evalKey(patientID), e.cooldown)
	if err != nil {
		e.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("cooldown check failed, evaluating")
		ok = true
	}
	if !ok {
		e.metrics.CooldownSkipped.Inc()
		return nil, nil
	}
	return e.engine.Evaluate(ctx, patientID, now)
}

// Reset ends the patient's cooldown so the next read re-evaluates. A
// response frees a (patient, trigger) slot, which may let a new nudge fire.
func (e *Evaluator) Reset(ctx context.Context, patientID uuid.UUID) {
	if err := e.gate.Reset(ctx, evalKey(patientID)); err != nil {
		e.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("cooldown reset failed")
	}
}

func evalKey(patientID uuid.UUID) string {
	return "eval:" + patientID.String()
}
