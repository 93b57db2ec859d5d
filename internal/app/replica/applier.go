package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/tasksync/project/internal/contracts"
	"github.com/tasksync/project/internal/platform/auth"
)

// Applier applies identity events to the local user replicas.
type Applier struct {
	store Store
}

func NewApplier(store Store) *Applier {
	return &Applier{store: store}
}

// ApplyCreate upserts the full user as of at. Replaying it is a no-op.
func (a *Applier) ApplyCreate(ctx context.Context, ev contracts.UserCreated, at time.Time) error {
	if strings.TrimSpace(ev.PublicID) == "" {
		return ErrMissingID
	}
	role, err := auth.ParseRole(ev.Role)
	if err != nil {
		return fmt.Errorf("user %s: %w", ev.PublicID, err)
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = at
	}
	u := User{
		PublicID:   ev.PublicID,
		Email:      ev.Email,
		Username:   ev.Username,
		Role:       role,
		Active:     ev.Active,
		CreatedAt:  createdAt,
		UpdatedAt:  at,
		EmailAt:    at,
		UsernameAt: at,
		RoleAt:     at,
		ActiveAt:   at,
	}
	if err := a.store.Upsert(ctx, u); err != nil {
		return fmt.Errorf("upsert replica %s: %w", ev.PublicID, err)
	}
	return nil
}

// ApplyUpdate sets several fields as of at. An update for an unknown user
// upserts a stub that the later creation completes.
func (a *Applier) ApplyUpdate(ctx context.Context, publicID string, fields map[Field]string, at time.Time) error {
	if strings.TrimSpace(publicID) == "" {
		return ErrMissingID
	}
	changes := make([]FieldChange, 0, len(fields))
	for _, f := range slices.Sorted(maps.Keys(fields)) {
		c := FieldChange{Field: f, Value: fields[f], At: at}
		if err := validateChange(c); err != nil {
			return fmt.Errorf("user %s field %s: %w", publicID, f, err)
		}
		changes = append(changes, c)
	}
	if len(changes) == 0 {
		return nil
	}

	err := a.store.UpdateFields(ctx, publicID, changes)
	if errors.Is(err, ErrNotFound) {
		slog.InfoContext(ctx, "update before create, storing stub replica", "public_id", publicID)
		err = a.store.Upsert(ctx, stubFrom(publicID, changes))
	}
	if err != nil {
		return fmt.Errorf("update replica %s: %w", publicID, err)
	}
	return nil
}

// ApplyFieldChange sets a single field as of at.
func (a *Applier) ApplyFieldChange(ctx context.Context, publicID string, field Field, value string, at time.Time) error {
	return a.ApplyUpdate(ctx, publicID, map[Field]string{field: value}, at)
}
