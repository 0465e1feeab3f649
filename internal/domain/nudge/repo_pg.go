package nudge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/carenudge/internal/platform/db"
)

const uniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type nudgeRepoPG struct{ pool *pgxpool.Pool }

func NewNudgeRepoPG(pool *pgxpool.Pool) NudgeRepository { return &nudgeRepoPG{pool: pool} }

func (r *nudgeRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const nudgeCols = `id, patient_id, trigger, title, message, reasoning, priority, category,
	status, source, COALESCE(action_label, ''), COALESCE(action_link, ''), context_snapshot,
	created_at, scheduled_for, expires_at, responded_at, updated_at,
	viewed_at, action_taken, action_completed, response_time_ms, feedback`

const priorityOrder = `CASE priority WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END DESC, created_at DESC`

func scanNudge(row pgx.Row) (*Nudge, error) {
	var n Nudge
	err := row.Scan(&n.ID, &n.PatientID, &n.Trigger, &n.Title, &n.Message, &n.Reasoning, &n.Priority, &n.Category,
		&n.Status, &n.Source, &n.ActionLabel, &n.ActionLink, &n.ContextSnapshot,
		&n.CreatedAt, &n.ScheduledFor, &n.ExpiresAt, &n.RespondedAt, &n.UpdatedAt,
		&n.Effectiveness.ViewedAt, &n.Effectiveness.ActionTaken, &n.Effectiveness.ActionCompleted,
		&n.Effectiveness.ResponseTimeMS, &n.Effectiveness.Feedback)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collect(rows pgx.Rows) ([]*Nudge, error) {
	defer rows.Close()
	var items []*Nudge
	for rows.Next() {
		n, err := scanNudge(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (r *nudgeRepoPG) FindLive(ctx context.Context, patientID uuid.UUID, trigger Trigger) (*Nudge, error) {
	return scanNudge(r.conn(ctx).QueryRow(ctx, `
		SELECT `+nudgeCols+` FROM nudge
		WHERE patient_id = $1 AND trigger = $2 AND status = ANY($3)
		LIMIT 1`, patientID, string(trigger), statusStrings(LiveStatuses)))
}

func (r *nudgeRepoPG) Insert(ctx context.Context, n *Nudge) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.ContextSnapshot == nil {
		n.ContextSnapshot = map[string]any{}
	}
	if n.Effectiveness.ActionTaken == "" {
		n.Effectiveness.ActionTaken = ActionNone
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO nudge (id, patient_id, trigger, title, message, reasoning, priority, category,
			status, source, action_label, action_link, context_snapshot,
			created_at, scheduled_for, expires_at, updated_at, action_taken, action_completed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$14,$17,$18)
		ON CONFLICT (patient_id, trigger) WHERE status IN ('pending','active') DO NOTHING`,
		n.ID, n.PatientID, string(n.Trigger), n.Title, n.Message, n.Reasoning, string(n.Priority), string(n.Category),
		string(n.Status), string(n.Source), n.ActionLabel, n.ActionLink, n.ContextSnapshot,
		n.CreatedAt, n.ScheduledFor, n.ExpiresAt, string(n.Effectiveness.ActionTaken), n.Effectiveness.ActionCompleted)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("insert nudge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	n.UpdatedAt = n.CreatedAt
	return true, nil
}

func (r *nudgeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Nudge, error) {
	return scanNudge(r.conn(ctx).QueryRow(ctx, `SELECT `+nudgeCols+` FROM nudge WHERE id = $1`, id))
}

func (r *nudgeRepoPG) ListActive(ctx context.Context, patientID uuid.UUID, now time.Time) ([]*Nudge, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+nudgeCols+` FROM nudge
		WHERE patient_id = $1 AND status = 'active' AND scheduled_for <= $2
		ORDER BY `+priorityOrder, patientID, now)
	if err != nil {
		return nil, fmt.Errorf("list active nudges: %w", err)
	}
	return collect(rows)
}

func (r *nudgeRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Nudge, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM nudge WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count nudges: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+nudgeCols+` FROM nudge WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list nudges: %w", err)
	}
	items, err := collect(rows)
	return items, total, err
}

func (r *nudgeRepoPG) ListTerminalSince(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*Nudge, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+nudgeCols+` FROM nudge
		WHERE patient_id = $1 AND created_at >= $2 AND status = ANY($3)`,
		patientID, since, statusStrings(TerminalStatuses))
	if err != nil {
		return nil, fmt.Errorf("list closed nudges: %w", err)
	}
	return collect(rows)
}

func (r *nudgeRepoPG) Respond(ctx context.Context, id uuid.UUID, upd ResponseUpdate) (*Nudge, error) {
	n, err := scanNudge(r.conn(ctx).QueryRow(ctx, `
		UPDATE nudge SET status = $2, action_taken = $3, responded_at = $4,
			response_time_ms = $5, feedback = COALESCE($6, feedback), updated_at = $4
		WHERE id = $1 AND status = ANY($7)
		RETURNING `+nudgeCols,
		id, string(upd.Status), string(upd.ActionTaken), upd.RespondedAt,
		upd.ResponseTimeMS, upd.Feedback, statusStrings(LiveStatuses)))
	if !errors.Is(err, ErrNotFound) {
		return n, err
	}

	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM nudge WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("respond lookup: %w", err)
	}
	if exists {
		return nil, ErrInvalidTransition
	}
	return nil, ErrNotFound
}

func (r *nudgeRepoPG) MarkViewed(ctx context.Context, id uuid.UUID, at time.Time) (*Nudge, error) {
	return scanNudge(r.conn(ctx).QueryRow(ctx, `
		UPDATE nudge SET viewed_at = COALESCE(viewed_at, $2), updated_at = $2
		WHERE id = $1 RETURNING `+nudgeCols, id, at))
}

func (r *nudgeRepoPG) MarkClicked(ctx context.Context, id uuid.UUID, at time.Time) (*Nudge, error) {
	return scanNudge(r.conn(ctx).QueryRow(ctx, `
		UPDATE nudge SET action_taken = $2, updated_at = $3
		WHERE id = $1 RETURNING `+nudgeCols, id, string(ActionClicked), at))
}

func (r *nudgeRepoPG) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (*Nudge, error) {
	return scanNudge(r.conn(ctx).QueryRow(ctx, `
		UPDATE nudge SET action_completed = TRUE, updated_at = $2
		WHERE id = $1 RETURNING `+nudgeCols, id, at))
}

func (r *nudgeRepoPG) ExpireForPatient(ctx context.Context, patientID uuid.UUID, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE nudge SET status = 'expired', action_taken = 'expired', updated_at = $2
		WHERE patient_id = $1 AND status = 'active' AND expires_at < $2`, patientID, now)
	if err != nil {
		return 0, fmt.Errorf("expire patient nudges: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *nudgeRepoPG) ExpireAll(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE nudge SET status = 'expired', action_taken = 'expired', updated_at = $1
		WHERE status = 'active' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire nudges: %w", err)
	}
	return tag.RowsAffected(), nil
}
