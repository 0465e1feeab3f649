package wellness

import (
	"time"

	"github.com/google/uuid"
)

// Score trend directions.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// Signal categories.
const (
	CategorySymptom   = "symptom"
	CategoryMood      = "mood"
	CategoryLifestyle = "lifestyle"
	CategoryVitals    = "vitals"
)

// HealthScore is one computed wellness score for a patient.
type HealthScore struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PatientID      uuid.UUID `db:"patient_id" json:"patient_id"`
	Score          float64   `db:"score" json:"score"`
	TrendDirection string    `db:"trend_direction" json:"trend_direction"`
	CalculatedAt   time.Time `db:"calculated_at" json:"calculated_at"`
}

// Signal is one patient-submitted telemetry entry. Sub-fields are present
// only when the entry carried them.
type Signal struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	Category   string    `db:"category" json:"category"`
	Symptoms   []string  `db:"symptoms" json:"symptoms,omitempty"`
	Mood       *string   `db:"mood" json:"mood,omitempty"`
	SleepHours *float64  `db:"sleep_hours" json:"sleep_hours,omitempty"`
	Note       *string   `db:"note" json:"note,omitempty"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}
