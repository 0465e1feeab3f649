package wellness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/carenudge/internal/platform/db"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func connFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Health Score Repository ===========

type healthScoreRepoPG struct{ pool *pgxpool.Pool }

func NewHealthScoreRepo(pool *pgxpool.Pool) HealthScoreRepository {
	return &healthScoreRepoPG{pool: pool}
}

func (r *healthScoreRepoPG) Latest(ctx context.Context, patientID uuid.UUID) (*HealthScore, error) {
	var s HealthScore
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		SELECT id, patient_id, score, COALESCE(trend_direction, 'stable'), calculated_at
		FROM health_score
		WHERE patient_id = $1
		ORDER BY calculated_at DESC
		LIMIT 1`, patientID).
		Scan(&s.ID, &s.PatientID, &s.Score, &s.TrendDirection, &s.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest health score: %w", err)
	}
	return &s, nil
}

// =========== Signal Repository ===========

type signalRepoPG struct{ pool *pgxpool.Pool }

func NewSignalRepo(pool *pgxpool.Pool) SignalRepository {
	return &signalRepoPG{pool: pool}
}

const signalCols = `id, patient_id, category, symptoms, mood, sleep_hours, note, recorded_at`

func scanSignal(row pgx.Row) (*Signal, error) {
	var s Signal
	err := row.Scan(&s.ID, &s.PatientID, &s.Category, &s.Symptoms, &s.Mood, &s.SleepHours, &s.Note, &s.RecordedAt)
	return &s, err
}

func signalRangeQuery(patientID uuid.UUID, from, to time.Time, categories []string) (string, []interface{}) {
	query := `SELECT ` + signalCols + ` FROM patient_signal
		WHERE patient_id = $1 AND recorded_at >= $2 AND recorded_at < $3`
	args := []interface{}{patientID, from, to}
	if len(categories) > 0 {
		query += ` AND category = ANY($4)`
		args = append(args, categories)
	}
	return query + ` ORDER BY recorded_at DESC`, args
}

func (r *signalRepoPG) ListByPatientInRange(ctx context.Context, patientID uuid.UUID, from, to time.Time, categories ...string) ([]*Signal, error) {
	query, args := signalRangeQuery(patientID, from, to, categories)
	rows, err := connFor(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("signals by patient: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *signalRepoPG) Latest(ctx context.Context, patientID uuid.UUID) (*Signal, error) {
	s, err := scanSignal(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+signalCols+` FROM patient_signal WHERE patient_id = $1 ORDER BY recorded_at DESC LIMIT 1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest signal: %w", err)
	}
	return s, nil
}
