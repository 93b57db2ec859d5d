package replica

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/tasksync/project/internal/platform/auth"
)

var (
	ErrNotFound     = errors.New("user replica not found")
	ErrUnknownField = errors.New("unknown replica field")
	ErrMissingID    = errors.New("public id is required")
)

type Field string

const (
	FieldEmail    Field = "email"
	FieldUsername Field = "username"
	FieldRole     Field = "role"
	FieldActive   Field = "active"
)

// User is the local, read-only copy of an identity-owned user. Every field
// remembers the event time that last set it.
type User struct {
	PublicID string
	Email    string
	Username string
	Role     auth.Role
	Active   bool
	// Stub marks a row created by an update that arrived before its creation.
	Stub bool

	CreatedAt time.Time
	UpdatedAt time.Time

	EmailAt    time.Time
	UsernameAt time.Time
	RoleAt     time.Time
	ActiveAt   time.Time
}

// Eligible reports whether u may be picked as a task assignee.
func (u User) Eligible() bool {
	return !u.Stub && u.Active && u.Role.Assignable()
}

// FieldChange sets one field as of At. Active is encoded as "true"/"false".
type FieldChange struct {
	Field Field
	Value string
	At    time.Time
}

// Store persists replicas. Upsert and UpdateFields apply last-writer-wins per
// field: a value is written only when its time is strictly newer than the
// stored one, so replays and stale deliveries leave the row untouched.
type Store interface {
	FindByStableID(ctx context.Context, publicID string) (User, error)
	// Upsert inserts u or merges it into the existing row. A merged row stays a
	// stub only while both sides are stubs.
	Upsert(ctx context.Context, u User) error
	// UpdateFields returns ErrNotFound when no row exists for publicID.
	UpdateFields(ctx context.Context, publicID string, changes []FieldChange) error
	ListEligible(ctx context.Context) ([]User, error)
}

func validateChange(c FieldChange) error {
	switch c.Field {
	case FieldEmail, FieldUsername:
		return nil
	case FieldRole:
		_, err := auth.ParseRole(c.Value)
		return err
	case FieldActive:
		_, err := strconv.ParseBool(c.Value)
		return err
	default:
		return ErrUnknownField
	}
}

// applyChange returns u with c applied if c is newer than the field's time.
func applyChange(u User, c FieldChange) (User, bool) {
	switch c.Field {
	case FieldEmail:
		if !c.At.After(u.EmailAt) {
			return u, false
		}
		u.Email, u.EmailAt = c.Value, c.At
	case FieldUsername:
		if !c.At.After(u.UsernameAt) {
			return u, false
		}
		u.Username, u.UsernameAt = c.Value, c.At
	case FieldRole:
		if !c.At.After(u.RoleAt) {
			return u, false
		}
		role, _ := auth.ParseRole(c.Value)
		u.Role, u.RoleAt = role, c.At
	case FieldActive:
		if !c.At.After(u.ActiveAt) {
			return u, false
		}
		active, _ := strconv.ParseBool(c.Value)
		u.Active, u.ActiveAt = active, c.At
	default:
		return u, false
	}
	if c.At.After(u.UpdatedAt) {
		u.UpdatedAt = c.At
	}
	return u, true
}

// merge folds incoming into existing with the same rules Upsert documents.
func merge(existing, incoming User) User {
	out := existing
	if incoming.EmailAt.After(out.EmailAt) {
		out.Email, out.EmailAt = incoming.Email, incoming.EmailAt
	}
	if incoming.UsernameAt.After(out.UsernameAt) {
		out.Username, out.UsernameAt = incoming.Username, incoming.UsernameAt
	}
	if incoming.RoleAt.After(out.RoleAt) {
		out.Role, out.RoleAt = incoming.Role, incoming.RoleAt
	}
	if incoming.ActiveAt.After(out.ActiveAt) {
		out.Active, out.ActiveAt = incoming.Active, incoming.ActiveAt
	}
	if existing.Stub && !incoming.Stub {
		out.CreatedAt = incoming.CreatedAt
	}
	out.Stub = existing.Stub && incoming.Stub
	if incoming.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}

func stubFrom(publicID string, changes []FieldChange) User {
	u := User{PublicID: publicID, Stub: true}
	for _, c := range changes {
		u, _ = applyChange(u, c)
		if u.CreatedAt.IsZero() || c.At.Before(u.CreatedAt) {
			u.CreatedAt = c.At
		}
	}
	return u
}
