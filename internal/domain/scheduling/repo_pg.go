package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/carenudge/internal/platform/db"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

type appointmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAppointmentRepo(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *appointmentRepoPG) ListByPatientInRange(ctx context.Context, patientID uuid.UUID, from, to time.Time, statuses []string) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.id, a.status, a.description, a.start_time, a.end_time, a.patient_id, a.practitioner_id,
			COALESCE(NULLIF(TRIM(CONCAT_WS(' ', pr.prefix, pr.first_name, pr.last_name)), ''), ''),
			COALESCE(a.is_telehealth, false)
		FROM appointment a
		LEFT JOIN practitioner pr ON pr.id = a.practitioner_id
		WHERE a.patient_id = $1
			AND a.start_time >= $2 AND a.start_time < $3
			AND LOWER(a.status) = ANY($4)
		ORDER BY a.start_time ASC`,
		patientID, from, to, NormalizeStatuses(statuses))
	if err != nil {
		return nil, fmt.Errorf("appointments by patient: %w", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.Status, &a.Description, &a.StartTime, &a.EndTime, &a.PatientID,
			&a.PractitionerID, &a.ProviderName, &a.IsTelehealth); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
