package nudge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	signalWindow      = 7 * 24 * time.Hour
	appointmentWindow = 24 * time.Hour
	maxRecentLabels   = 5
)

// PatientInfo is the demographic slice the engine needs.
type PatientInfo struct {
	DisplayName string
	Age         *int
}

// ScoreReading is the latest health score with its trend.
type ScoreReading struct {
	Score float64
	Trend string
}

// SignalEntry is one telemetry log. Optional sub-fields are nil when the
// entry did not carry them.
type SignalEntry struct {
	Symptoms   []string
	Mood       *string
	SleepHours *float64
	RecordedAt time.Time
}

// PatientSource returns ErrPatientNotFound for unknown ids.
type PatientSource interface {
	Patient(ctx context.Context, patientID uuid.UUID) (*PatientInfo, error)
}

// ScoreSource returns (nil, nil) when the patient has no score.
type ScoreSource interface {
	LatestScore(ctx context.Context, patientID uuid.UUID) (*ScoreReading, error)
}

type SignalSource interface {
	// SignalsBetween returns entries recorded in [from, to), newest first.
	SignalsBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]SignalEntry, error)
	// LatestSignalAt returns nil when the patient has never logged.
	LatestSignalAt(ctx context.Context, patientID uuid.UUID) (*time.Time, error)
}

type AppointmentSource interface {
	// UpcomingAppointments returns scheduled or confirmed appointments
	// starting in [from, to).
	UpcomingAppointments(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]UpcomingAppointment, error)
}

// ContextBuilder assembles a FeatureSummary from the read-only stores.
type ContextBuilder struct {
	patients     PatientSource
	scores       ScoreSource
	signals      SignalSource
	appointments AppointmentSource
	logger       zerolog.Logger
}

func NewContextBuilder(patients PatientSource, scores ScoreSource, signals SignalSource, appointments AppointmentSource, logger zerolog.Logger) *ContextBuilder {
	return &ContextBuilder{
		patients:     patients,
		scores:       scores,
		signals:      signals,
		appointments: appointments,
		logger:       logger.With().Str("component", "nudge.context").Logger(),
	}
}

// Build fetches all inputs in parallel and derives the summary. Only an
// unknown patient aborts the build; every other failed fetch degrades its
// slice to empty and is logged.
func (b *ContextBuilder) Build(ctx context.Context, patientID uuid.UUID, now time.Time) (*FeatureSummary, error) {
	var (
		patient *PatientInfo
		score   *ScoreReading
		recent  []SignalEntry
		latest  *time.Time
		appts   []UpcomingAppointment
	)
	log := b.logger.With().Str("patient_id", patientID.String()).Logger()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := b.patients.Patient(gctx, patientID)
		if errors.Is(err, ErrPatientNotFound) {
			return err
		}
		if err != nil {
			log.Warn().Err(err).Msg("patient lookup failed, continuing without demographics")
			return nil
		}
		patient = p
		return nil
	})
	g.Go(func() error {
		s, err := b.scores.LatestScore(gctx, patientID)
		if err != nil {
			log.Warn().Err(err).Msg("health score fetch failed")
			return nil
		}
		score = s
		return nil
	})
	g.Go(func() error {
		s, err := b.signals.SignalsBetween(gctx, patientID, now.Add(-signalWindow), now)
		if err != nil {
			log.Warn().Err(err).Msg("recent signals fetch failed")
			return nil
		}
		recent = s
		return nil
	})
	g.Go(func() error {
		at, err := b.signals.LatestSignalAt(gctx, patientID)
		if err != nil {
			log.Warn().Err(err).Msg("latest signal fetch failed")
			return nil
		}
		latest = at
		return nil
	})
	g.Go(func() error {
		a, err := b.appointments.UpcomingAppointments(gctx, patientID, now, now.Add(appointmentWindow))
		if err != nil {
			log.Warn().Err(err).Msg("appointments fetch failed")
			return nil
		}
		appts = a
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("build context for %s: %w", patientID, err)
	}

	return Summarize(patientID, now, patient, score, recent, latest, appts), nil
}

// Summarize derives a FeatureSummary from already-fetched inputs. Any input
// may be nil.
func Summarize(patientID uuid.UUID, now time.Time, patient *PatientInfo, score *ScoreReading,
	recent []SignalEntry, latest *time.Time, appts []UpcomingAppointment) *FeatureSummary {

	fs := &FeatureSummary{
		PatientID:      patientID,
		Trend:          TrendStable,
		RecentSymptoms: []string{},
		RecentMoods:    []string{},
		Appointments:   []UpcomingAppointment{},
		LogsLast7Days:  len(recent),
	}
	if patient != nil {
		fs.PatientName = patient.DisplayName
		fs.Age = patient.Age
	}
	if score != nil {
		v := score.Score
		fs.HealthScore = &v
		if t := strings.ToLower(score.Trend); t == TrendImproving || t == TrendDeclining {
			fs.Trend = t
		}
	}

	fs.HoursSinceLastLog, fs.DaysSinceLastLog = NoLogHours, NoLogDays
	if latest != nil {
		hours := int(now.Sub(*latest).Hours())
		if hours < 0 {
			hours = 0
		}
		fs.HoursSinceLastLog = hours
		fs.DaysSinceLastLog = hours / 24
	}

	var sleepSum, moodSum float64
	var sleepN, moodN int
	symptoms := newLabelSet(maxRecentLabels)
	moods := newLabelSet(maxRecentLabels)
	for _, s := range recent {
		for _, sym := range s.Symptoms {
			symptoms.add(sym)
		}
		if s.Mood != nil {
			moods.add(*s.Mood)
			if v, ok := MoodScore(*s.Mood); ok {
				moodSum += v
				moodN++
			}
		}
		if s.SleepHours != nil {
			sleepSum += *s.SleepHours
			sleepN++
		}
	}
	fs.RecentSymptoms = symptoms.items
	fs.RecentMoods = moods.items
	if sleepN > 0 {
		avg := sleepSum / float64(sleepN)
		fs.AvgSleepHours = &avg
	}
	if moodN > 0 {
		avg := moodSum / float64(moodN)
		fs.AvgMoodScore = &avg
	}

	fs.Appointments = append(fs.Appointments, appts...)
	return fs
}

var moodScores = map[string]float64{
	"happy":    5,
	"calm":     4,
	"neutral":  3,
	"anxious":  2,
	"sad":      1,
	"stressed": 1,
}

// MoodScore maps a mood label onto the 1-5 scale. Unknown labels report false.
func MoodScore(label string) (float64, bool) {
	v, ok := moodScores[strings.ToLower(strings.TrimSpace(label))]
	return v, ok
}

// labelSet keeps the first n distinct labels, compared case-insensitively.
type labelSet struct {
	seen  map[string]struct{}
	items []string
	limit int
}

func newLabelSet(limit int) *labelSet {
	return &labelSet{seen: make(map[string]struct{}), items: []string{}, limit: limit}
}

func (l *labelSet) add(label string) {
	label = strings.TrimSpace(label)
	if label == "" || len(l.items) >= l.limit {
		return
	}
	key := strings.ToLower(label)
	if _, ok := l.seen[key]; ok {
		return
	}
	l.seen[key] = struct{}{}
	l.items = append(l.items, label)
}
