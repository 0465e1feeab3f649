package wellness

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type HealthScoreRepository interface {
	// Latest returns the most recent score, or ErrNotFound.
	Latest(ctx context.Context, patientID uuid.UUID) (*HealthScore, error)
}

type SignalRepository interface {
	// ListByPatientInRange returns signals recorded in [from, to), newest
	// first. An empty categories list matches every category.
	ListByPatientInRange(ctx context.Context, patientID uuid.UUID, from, to time.Time, categories ...string) ([]*Signal, error)
	// Latest returns the newest signal regardless of age, or ErrNotFound.
	Latest(ctx context.Context, patientID uuid.UUID) (*Signal, error)
}
