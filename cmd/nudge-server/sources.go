package main

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carenudge/internal/domain/identity"
	"github.com/ehr/carenudge/internal/domain/nudge"
	"github.com/ehr/carenudge/internal/domain/scheduling"
	"github.com/ehr/carenudge/internal/domain/wellness"
	"github.com/ehr/carenudge/internal/platform/db"
)

// forked runs fn on its own tenant connection. The context builder calls
// every source at once and a pinned connection serves one query at a time.
func forked[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	fctx, release, err := db.Fork(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()
	return fn(fctx)
}

// patientSource adapts identity.PatientRepository to nudge.PatientSource.
type patientSource struct {
	repo identity.PatientRepository
	now  func() time.Time
}

func (s *patientSource) Patient(ctx context.Context, patientID uuid.UUID) (*nudge.PatientInfo, error) {
	p, err := forked(ctx, func(ctx context.Context) (*identity.Patient, error) {
		return s.repo.GetByID(ctx, patientID)
	})
	if errors.Is(err, identity.ErrNotFound) {
		return nil, nudge.ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &nudge.PatientInfo{DisplayName: p.DisplayName(), Age: p.AgeAt(s.now())}, nil
}

type scoreSource struct {
	repo wellness.HealthScoreRepository
}

func (s *scoreSource) LatestScore(ctx context.Context, patientID uuid.UUID) (*nudge.ScoreReading, error) {
	hs, err := forked(ctx, func(ctx context.Context) (*wellness.HealthScore, error) {
		return s.repo.Latest(ctx, patientID)
	})
	if errors.Is(err, wellness.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &nudge.ScoreReading{Score: hs.Score, Trend: hs.TrendDirection}, nil
}

type signalSource struct {
	repo wellness.SignalRepository
}

func (s *signalSource) SignalsBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]nudge.SignalEntry, error) {
	rows, err := forked(ctx, func(ctx context.Context) ([]*wellness.Signal, error) {
		return s.repo.ListByPatientInRange(ctx, patientID, from, to)
	})
	if err != nil {
		return nil, err
	}
	out := make([]nudge.SignalEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, nudge.SignalEntry{
			Symptoms:   r.Symptoms,
			Mood:       r.Mood,
			SleepHours: r.SleepHours,
			RecordedAt: r.RecordedAt,
		})
	}
	return out, nil
}

func (s *signalSource) LatestSignalAt(ctx context.Context, patientID uuid.UUID) (*time.Time, error) {
	sig, err := forked(ctx, func(ctx context.Context) (*wellness.Signal, error) {
		return s.repo.Latest(ctx, patientID)
	})
	if errors.Is(err, wellness.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	at := sig.RecordedAt
	return &at, nil
}

type appointmentSource struct {
	repo scheduling.AppointmentRepository
}

func (s *appointmentSource) UpcomingAppointments(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]nudge.UpcomingAppointment, error) {
	appts, err := forked(ctx, func(ctx context.Context) ([]*scheduling.Appointment, error) {
		return s.repo.ListByPatientInRange(ctx, patientID, from, to, scheduling.UpcomingStatuses)
	})
	if err != nil {
		return nil, err
	}
	out := make([]nudge.UpcomingAppointment, 0, len(appts))
	for _, a := range appts {
		out = append(out, nudge.UpcomingAppointment{StartTime: a.StartTime, ProviderName: a.ProviderName})
	}
	return out, nil
}
