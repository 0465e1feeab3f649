package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/carenudge/internal/platform/db"
)

// Audit actions, following the C/R/U/D/E convention of audit_event.
const (
	ActionCreate  = "C"
	ActionRead    = "R"
	ActionUpdate  = "U"
	ActionExecute = "E"
)

// AuditEvent is a row in the audit_event table.
type AuditEvent struct {
	ID              uuid.UUID  `json:"id"`
	TypeCode        string     `json:"type_code"`
	SubtypeCode     string     `json:"subtype_code"`
	Action          string     `json:"action"`
	Recorded        time.Time  `json:"recorded"`
	Outcome         string     `json:"outcome"` // 0 success, 4 minor failure, 8 serious failure
	OutcomeDesc     string     `json:"outcome_desc"`
	AgentWho        string     `json:"agent_who"`
	AgentRequestor  bool       `json:"agent_requestor"`
	EntityWhatType  string     `json:"entity_what_type"`
	EntityWhatID    *uuid.UUID `json:"entity_what_id"`
	PatientID       *uuid.UUID `json:"patient_id"`
	EntityDesc      string     `json:"entity_description"`
	UserAgentString string     `json:"user_agent_string"`
	CreatedAt       time.Time  `json:"created_at"`
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// AuditLogger writes audit events to the tenant's audit_event table.
type AuditLogger struct {
	pool *pgxpool.Pool
}

func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

func (a *AuditLogger) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return a.pool
}

// LogEvent inserts event and fills in its ID and CreatedAt.
func (a *AuditLogger) LogEvent(ctx context.Context, event *AuditEvent) error {
	if event.Recorded.IsZero() {
		event.Recorded = time.Now().UTC()
	}
	if event.Outcome == "" {
		event.Outcome = "0"
	}

	const query = `
		INSERT INTO audit_event (
			type_code, subtype_code, action, recorded, outcome, outcome_desc,
			agent_who, agent_requestor, entity_what_type, entity_what_id,
			patient_id, entity_description, user_agent_string
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id, created_at`

	err := a.conn(ctx).QueryRow(ctx, query,
		event.TypeCode, event.SubtypeCode, event.Action, event.Recorded, event.Outcome, event.OutcomeDesc,
		event.AgentWho, event.AgentRequestor, event.EntityWhatType, event.EntityWhatID,
		event.PatientID, event.EntityDesc, event.UserAgentString,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert event: %w", err)
	}
	return nil
}

// NewNudgeEvent builds an event about a single nudge. subtype is one of
// "created", "responded", "viewed", "clicked", "completed".
func NewNudgeEvent(agent, subtype, action string, nudgeID, patientID uuid.UUID) *AuditEvent {
	return &AuditEvent{
		TypeCode:       "nudge",
		SubtypeCode:    subtype,
		Action:         action,
		Recorded:       time.Now().UTC(),
		Outcome:        "0",
		AgentWho:       agent,
		AgentRequestor: agent != SystemAgent,
		EntityWhatType: "Nudge",
		EntityWhatID:   &nudgeID,
		PatientID:      &patientID,
	}
}

// NewSweepEvent records a bulk expiry. patientID is nil for global sweeps.
func NewSweepEvent(expired int64, patientID *uuid.UUID) *AuditEvent {
	return &AuditEvent{
		TypeCode:       "nudge",
		SubtypeCode:    "expired",
		Action:         ActionExecute,
		Recorded:       time.Now().UTC(),
		Outcome:        "0",
		AgentWho:       SystemAgent,
		EntityWhatType: "Nudge",
		PatientID:      patientID,
		EntityDesc:     fmt.Sprintf("%d nudges expired", expired),
	}
}

// NewAccessEvent records a user request against patient data. entityID is
// the nudge the request addressed, if any.
func NewAccessEvent(agent, action, route string, status int, patientID, entityID *uuid.UUID, userAgent string) *AuditEvent {
	ev := &AuditEvent{
		TypeCode:        "rest",
		SubtypeCode:     "access",
		Action:          action,
		Recorded:        time.Now().UTC(),
		Outcome:         outcomeFor(status),
		OutcomeDesc:     fmt.Sprintf("HTTP %d", status),
		AgentWho:        agent,
		AgentRequestor:  true,
		EntityWhatID:    entityID,
		PatientID:       patientID,
		EntityDesc:      route,
		UserAgentString: userAgent,
	}
	if entityID != nil {
		ev.EntityWhatType = "Nudge"
	}
	return ev
}

func outcomeFor(status int) string {
	switch {
	case status >= 500:
		return "8"
	case status >= 400:
		return "4"
	}
	return "0"
}

// SystemAgent identifies actions taken by the engine rather than a user.
const SystemAgent = "system"
