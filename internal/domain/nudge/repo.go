package nudge

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ResponseUpdate closes a live nudge.
type ResponseUpdate struct {
	Status         Status
	ActionTaken    ActionTaken
	RespondedAt    time.Time
	ResponseTimeMS *int64
	Feedback       *string
}

type NudgeRepository interface {
	// FindLive returns the pending or active nudge for (patient, trigger), or
	// ErrNotFound.
	FindLive(ctx context.Context, patientID uuid.UUID, trigger Trigger) (*Nudge, error)
	// Insert stores n unless a live nudge for the same (patient, trigger)
	// exists. It reports false without error on that conflict.
	Insert(ctx context.Context, n *Nudge) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Nudge, error)
	// ListActive returns active nudges visible at now, by priority then
	// newest first.
	ListActive(ctx context.Context, patientID uuid.UUID, now time.Time) ([]*Nudge, error)
	// ListByPatient pages through every nudge for a patient, newest first.
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Nudge, int, error)
	// ListTerminalSince returns closed nudges created at or after since.
	ListTerminalSince(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*Nudge, error)

	// Respond applies upd only while the nudge is live. It returns
	// ErrInvalidTransition for closed nudges and ErrNotFound for unknown ids.
	Respond(ctx context.Context, id uuid.UUID, upd ResponseUpdate) (*Nudge, error)
	// MarkViewed sets viewed_at unless already set.
	MarkViewed(ctx context.Context, id uuid.UUID, at time.Time) (*Nudge, error)
	MarkClicked(ctx context.Context, id uuid.UUID, at time.Time) (*Nudge, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (*Nudge, error)

	// ExpireForPatient and ExpireAll move active nudges past their expiry to
	// expired and return how many changed.
	ExpireForPatient(ctx context.Context, patientID uuid.UUID, now time.Time) (int64, error)
	ExpireAll(ctx context.Context, now time.Time) (int64, error)
}
