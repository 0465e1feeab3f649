package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	// ListByPatientInRange returns appointments starting in [from, to) whose
	// status matches one of statuses, case-insensitively, ordered by start time.
	ListByPatientInRange(ctx context.Context, patientID uuid.UUID, from, to time.Time, statuses []string) ([]*Appointment, error)
}
