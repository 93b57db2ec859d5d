package replica

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/tasksync/project/internal/contracts"
	"github.com/tasksync/project/internal/messaging"
	"github.com/tasksync/project/internal/platform/auth"
	"github.com/tasksync/project/internal/platform/logger"
)

// Topics lists what the replica consumes.
var Topics = []string{contracts.TopicUsersStream, contracts.TopicUsers}

// Register binds the identity events to a.
func Register(router *messaging.Router, a *Applier) {
	router.Handle(contracts.EventUserCreated, a.handleUserCreated)
	router.Handle(contracts.EventUserUpdated, a.handleUserUpdated)
	router.Handle(contracts.EventUserRoleChanged, a.handleUserRoleChanged)
	router.Handle(contracts.EventUserActiveChanged, a.handleUserActiveChanged)
}

func (a *Applier) handleUserCreated(ctx context.Context, env messaging.Envelope) error {
	p, err := messaging.DecodePayload[contracts.UserCreated](env)
	if err != nil {
		return err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{EntityID: p.PublicID})
	return poison(env, a.ApplyCreate(ctx, p, eventTime(p.UpdatedAt, env)))
}

func (a *Applier) handleUserUpdated(ctx context.Context, env messaging.Envelope) error {
	p, err := messaging.DecodePayload[contracts.UserUpdated](env)
	if err != nil {
		return err
	}
	fields := make(map[Field]string, 4)
	if p.Email != nil {
		fields[FieldEmail] = *p.Email
	}
	if p.Username != nil {
		fields[FieldUsername] = *p.Username
	}
	if p.Role != nil {
		fields[FieldRole] = *p.Role
	}
	if p.Active != nil {
		fields[FieldActive] = strconv.FormatBool(*p.Active)
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{EntityID: p.PublicID})
	return poison(env, a.ApplyUpdate(ctx, p.PublicID, fields, eventTime(p.UpdatedAt, env)))
}

func (a *Applier) handleUserRoleChanged(ctx context.Context, env messaging.Envelope) error {
	p, err := messaging.DecodePayload[contracts.UserRoleChanged](env)
	if err != nil {
		return err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{EntityID: p.PublicID})
	return poison(env, a.ApplyFieldChange(ctx, p.PublicID, FieldRole, p.Role, eventTime(p.ChangedAt, env)))
}

func (a *Applier) handleUserActiveChanged(ctx context.Context, env messaging.Envelope) error {
	p, err := messaging.DecodePayload[contracts.UserActiveChanged](env)
	if err != nil {
		return err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{EntityID: p.PublicID})
	return poison(env, a.ApplyFieldChange(ctx, p.PublicID, FieldActive, strconv.FormatBool(p.Active), eventTime(p.ChangedAt, env)))
}

// eventTime prefers the producer's domain timestamp over envelope metadata.
func eventTime(payloadAt time.Time, env messaging.Envelope) time.Time {
	if !payloadAt.IsZero() {
		return payloadAt.UTC()
	}
	return env.OccurredAt.UTC()
}

// poison turns payloads that can never apply into decode errors so they are
// dropped instead of retried.
func poison(env messaging.Envelope, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, auth.ErrInvalidRole) || errors.Is(err, ErrMissingID) || errors.Is(err, ErrUnknownField) {
		return &messaging.DecodeError{Reason: env.Name + " payload", Err: err}
	}
	return err
}
