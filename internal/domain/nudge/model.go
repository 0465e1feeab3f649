package nudge

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("nudge not found")
	ErrPatientNotFound   = errors.New("patient not found")
	ErrInvalidTransition = errors.New("nudge is already closed")
	ErrInvalidStatus     = errors.New("status must be done or dismissed")
	ErrFeedbackTooLong   = errors.New("feedback must be at most 2000 characters")
)

// Trigger names a condition that can produce a nudge. Triggers are recomputed
// on every evaluation and never stored on their own.
type Trigger string

const (
	TriggerMissingLog          Trigger = "missing_log"
	TriggerDecliningScore      Trigger = "declining_score"
	TriggerImprovingScore      Trigger = "improving_score"
	TriggerSleepDeficit        Trigger = "sleep_deficit"
	TriggerMoodPattern         Trigger = "mood_pattern"
	TriggerStreakCelebration   Trigger = "streak_celebration"
	TriggerAppointmentReminder Trigger = "appointment_reminder"
)

// AllTriggers lists every trigger in evaluation order.
var AllTriggers = []Trigger{
	TriggerMissingLog,
	TriggerDecliningScore,
	TriggerImprovingScore,
	TriggerSleepDeficit,
	TriggerMoodPattern,
	TriggerStreakCelebration,
	TriggerAppointmentReminder,
}

func (t Trigger) Valid() bool {
	for _, known := range AllTriggers {
		if t == known {
			return true
		}
	}
	return false
}

// Category derives the display category from the trigger name.
func (t Trigger) Category() Category {
	switch t {
	case TriggerStreakCelebration, TriggerImprovingScore:
		return CategoryCelebration
	case TriggerDecliningScore:
		return CategoryAlert
	case TriggerMissingLog, TriggerAppointmentReminder:
		return CategoryReminder
	default:
		return CategorySuggestion
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Rank orders priorities for sorting; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

type Category string

const (
	CategoryCelebration Category = "celebration"
	CategoryAlert       Category = "alert"
	CategoryReminder    Category = "reminder"
	CategorySuggestion  Category = "suggestion"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusDone      Status = "done"
	StatusDismissed Status = "dismissed"
	StatusExpired   Status = "expired"
)

// Live reports whether the status counts toward the one-per-trigger limit.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusActive
}

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDismissed || s == StatusExpired
}

// LiveStatuses are the statuses covered by the dedup index.
var LiveStatuses = []Status{StatusPending, StatusActive}

// TerminalStatuses are the statuses counted by effectiveness stats.
var TerminalStatuses = []Status{StatusDone, StatusDismissed, StatusExpired}

type Source string

const (
	SourceLLM  Source = "llm_generated"
	SourceRule Source = "rule_based"
)

type ActionTaken string

const (
	ActionNone       ActionTaken = "none"
	ActionClicked    ActionTaken = "clicked_action"
	ActionMarkedDone ActionTaken = "marked_done"
	ActionDismissed  ActionTaken = "dismissed"
	ActionExpired    ActionTaken = "expired"
	ActionIgnored    ActionTaken = "ignored"
)

// Acted reports whether the action counts as the patient engaging.
func (a ActionTaken) Acted() bool {
	return a == ActionClicked || a == ActionMarkedDone
}

// ActionForStatus maps a response status to the recorded action. Unknown
// statuses map to ignored.
func ActionForStatus(s Status) ActionTaken {
	switch s {
	case StatusDone:
		return ActionMarkedDone
	case StatusDismissed:
		return ActionDismissed
	default:
		return ActionIgnored
	}
}

// Effectiveness records how the patient interacted with a nudge.
type Effectiveness struct {
	ViewedAt        *time.Time  `db:"viewed_at" json:"viewed_at,omitempty"`
	ActionTaken     ActionTaken `db:"action_taken" json:"action_taken"`
	ActionCompleted bool        `db:"action_completed" json:"action_completed"`
	ResponseTimeMS  *int64      `db:"response_time_ms" json:"response_time_ms,omitempty"`
	Feedback        *string     `db:"feedback" json:"feedback,omitempty"`
}

type Nudge struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	PatientID       uuid.UUID      `db:"patient_id" json:"patient_id"`
	Trigger         Trigger        `db:"trigger" json:"trigger"`
	Title           string         `db:"title" json:"title"`
	Message         string         `db:"message" json:"message"`
	Reasoning       *string        `db:"reasoning" json:"reasoning,omitempty"`
	Priority        Priority       `db:"priority" json:"priority"`
	Category        Category       `db:"category" json:"category"`
	Status          Status         `db:"status" json:"status"`
	Source          Source         `db:"source" json:"source"`
	ActionLabel     string         `db:"action_label" json:"action_label"`
	ActionLink      string         `db:"action_link" json:"action_link"`
	ContextSnapshot map[string]any `db:"context_snapshot" json:"context_snapshot"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	ScheduledFor    time.Time      `db:"scheduled_for" json:"scheduled_for"`
	ExpiresAt       time.Time      `db:"expires_at" json:"expires_at"`
	RespondedAt     *time.Time     `db:"responded_at" json:"responded_at,omitempty"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
	Effectiveness   Effectiveness  `json:"effectiveness"`
}

// NudgeContent is what the generator produces for one trigger.
type NudgeContent struct {
	Title       string   `json:"title"`
	Message     string   `json:"message"`
	Reasoning   *string  `json:"reasoning,omitempty"`
	Priority    Priority `json:"priority"`
	ActionLabel string   `json:"action_label"`
	ActionLink  string   `json:"action_link"`
	Source      Source   `json:"source"`
}

// UpcomingAppointment is an appointment starting within the reminder window.
type UpcomingAppointment struct {
	StartTime    time.Time `json:"start_time"`
	ProviderName string    `json:"provider_name"`
}

// Staleness reported when a patient has never logged.
const (
	NoLogDays  = 999
	NoLogHours = NoLogDays * 24
)

// FeatureSummary is the per-evaluation snapshot of patient state that
// triggers are checked against.
type FeatureSummary struct {
	PatientID         uuid.UUID             `json:"patient_id"`
	PatientName       string                `json:"patient_name"`
	Age               *int                  `json:"age,omitempty"`
	HealthScore       *float64              `json:"health_score,omitempty"`
	Trend             string                `json:"trend"`
	HoursSinceLastLog int                   `json:"hours_since_last_log"`
	DaysSinceLastLog  int                   `json:"days_since_last_log"`
	RecentSymptoms    []string              `json:"recent_symptoms"`
	RecentMoods       []string              `json:"recent_moods"`
	AvgSleepHours     *float64              `json:"avg_sleep_hours,omitempty"`
	AvgMoodScore      *float64              `json:"avg_mood_score,omitempty"`
	LogsLast7Days     int                   `json:"logs_last_7_days"`
	Appointments      []UpcomingAppointment `json:"appointments"`
}

// Snapshot returns the summary fields that justify trigger t, for storage
// alongside the nudge.
func (fs *FeatureSummary) Snapshot(t Trigger) map[string]any {
	out := map[string]any{"trigger": string(t)}
	switch t {
	case TriggerMissingLog:
		out["days_since_last_log"] = fs.DaysSinceLastLog
		out["hours_since_last_log"] = fs.HoursSinceLastLog
	case TriggerDecliningScore, TriggerImprovingScore:
		out["health_score"] = fs.HealthScore
		out["trend"] = fs.Trend
	case TriggerSleepDeficit:
		out["avg_sleep_hours"] = fs.AvgSleepHours
	case TriggerMoodPattern:
		out["avg_mood_score"] = fs.AvgMoodScore
		out["recent_moods"] = fs.RecentMoods
	case TriggerStreakCelebration:
		out["logs_last_7_days"] = fs.LogsLast7Days
	case TriggerAppointmentReminder:
		out["appointments"] = fs.Appointments
	}
	return out
}

// TriggerStats holds per-trigger effectiveness counters.
type TriggerStats struct {
	Total     int `json:"total"`
	Acted     int `json:"acted"`
	Dismissed int `json:"dismissed"`
	Completed int `json:"completed"`
}

// ActionRate is the rounded percentage of nudges acted on, or 0 with no data.
func (t TriggerStats) ActionRate() int { return percent(t.Acted, t.Total) }

// EffectivenessStats summarizes closed nudges over the trailing window.
type EffectivenessStats struct {
	Total          int                       `json:"total"`
	Acted          int                       `json:"acted"`
	Dismissed      int                       `json:"dismissed"`
	Completed      int                       `json:"completed"`
	ActionRate     int                       `json:"action_rate"`
	CompletionRate int                       `json:"completion_rate"`
	ByTrigger      map[Trigger]*TriggerStats `json:"by_trigger"`
}

// Outcome of one fired trigger during an evaluation.
const (
	OutcomeCreated    = "created"
	OutcomeExists     = "exists"
	OutcomeSuppressed = "suppressed"
	OutcomeFailed     = "failed"
)

type TriggerOutcome struct {
	Trigger Trigger    `json:"trigger"`
	Outcome string     `json:"outcome"`
	NudgeID *uuid.UUID `json:"nudge_id,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// EvaluationResult reports what one engine run did for a patient.
type EvaluationResult struct {
	PatientID   uuid.UUID        `json:"patient_id"`
	Engine      string           `json:"engine"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
	Fired       []Trigger        `json:"fired"`
	Outcomes    []TriggerOutcome `json:"outcomes"`
	Created     []*Nudge         `json:"created"`
	Summary     *FeatureSummary  `json:"summary,omitempty"`
}
