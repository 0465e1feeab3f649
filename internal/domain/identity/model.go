package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient is the slice of the patient table the nudge engine reads.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Active    bool       `db:"active" json:"active"`
	Prefix    *string    `db:"prefix" json:"prefix,omitempty"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender    *string    `db:"gender" json:"gender,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// DisplayName is the name used when addressing the patient.
func (p *Patient) DisplayName() string {
	name := strings.TrimSpace(p.FirstName)
	if name != "" {
		return name
	}
	return strings.TrimSpace(p.LastName)
}

// AgeAt returns whole years between the birth date and now, or nil when the
// birth date is unknown or in the future.
func (p *Patient) AgeAt(now time.Time) *int {
	if p.BirthDate == nil || p.BirthDate.After(now) {
		return nil
	}
	b := p.BirthDate.UTC()
	n := now.UTC()
	age := n.Year() - b.Year()
	if n.Month() < b.Month() || (n.Month() == b.Month() && n.Day() < b.Day()) {
		age--
	}
	return &age
}
