package scheduling

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Appointment is a booked visit joined with its practitioner's name.
type Appointment struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Status         string     `db:"status" json:"status"`
	Description    *string    `db:"description" json:"description,omitempty"`
	StartTime      time.Time  `db:"start_time" json:"start_time"`
	EndTime        *time.Time `db:"end_time" json:"end_time,omitempty"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	PractitionerID *uuid.UUID `db:"practitioner_id" json:"practitioner_id,omitempty"`
	ProviderName   string     `db:"provider_name" json:"provider_name"`
	IsTelehealth   bool       `db:"is_telehealth" json:"is_telehealth"`
}

// Statuses that count as an upcoming visit.
var UpcomingStatuses = []string{"scheduled", "confirmed"}

// NormalizeStatuses lowercases and trims status filters so matching is
// case-insensitive on both sides.
func NormalizeStatuses(statuses []string) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
