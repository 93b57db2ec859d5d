package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tasksync/project/internal/contracts"
	"github.com/tasksync/project/internal/messaging"
	"github.com/tasksync/project/internal/platform/logger"
)

var errMissingTaskID = errors.New("public_id is required")

// Topics lists what the ledger consumes.
var Topics = []string{contracts.TopicTasks}

type Service struct {
	Repository Repository
}

func NewService(repository Repository) *Service {
	return &Service{Repository: repository}
}

// Register binds the task events to s.
func (s *Service) Register(router *messaging.Router) {
	router.Handle(contracts.EventTaskCreated, s.handleTaskCreated)
	router.Handle(contracts.EventTaskAssigned, s.handleTaskAssigned)
	router.Handle(contracts.EventTaskCompleted, s.handleTaskCompleted)
}

func (s *Service) handleTaskCreated(ctx context.Context, env messaging.Envelope) error {
	p, err := messaging.DecodePayload[contracts.TaskCreated](env)
	if err != nil {
		return err
	}
	// Assignment is counted from the task_assigned that follows creation.
	return s.record(ctx, env, p.PublicID, p.AssigneeID, p.CreatedAt, 0, 0)
}

func (s *Service) handleTaskAssigned(ctx context.Context, env messaging.Envelope) error {
	p, err := messaging.DecodePayload[contracts.TaskAssigned](env)
	if err != nil {
		return err
	}
	return s.record(ctx, env, p.PublicID, p.AssigneeID, p.AssignedAt, 1, 0)
}

func (s *Service) handleTaskCompleted(ctx context.Context, env messaging.Envelope) error {
	p, err := messaging.DecodePayload[contracts.TaskCompleted](env)
	if err != nil {
		return err
	}
	return s.record(ctx, env, p.PublicID, p.AssigneeID, p.CompletedAt, 0, 1)
}

func (s *Service) record(ctx context.Context, env messaging.Envelope, taskID, assigneeID string, at time.Time, assigned, completed int64) error {
	if taskID == "" {
		return &messaging.DecodeError{Reason: env.Name + " payload", Err: errMissingTaskID}
	}
	if at.IsZero() {
		at = env.OccurredAt
	}
	entry := Entry{
		EventID:    eventKey(env, taskID, at),
		EventName:  env.Name,
		TaskID:     taskID,
		AssigneeID: assigneeID,
		OccurredAt: at.UTC(),
	}
	inserted, err := s.Repository.Record(ctx, entry, assigned, completed)
	if err != nil {
		return err
	}
	if !inserted {
		lctx := logger.WithLogFields(ctx, logger.LogFields{Component: "ledger", EntityID: taskID})
		slog.DebugContext(lctx, "task event already recorded")
	}
	return nil
}

func (s *Service) Stats(ctx context.Context, assigneeID string) (Stats, error) {
	return s.Repository.Stats(ctx, assigneeID)
}

// eventKey identifies a delivery for deduplication. Producers that omit
// event_id fall back to the event's own identity.
func eventKey(env messaging.Envelope, taskID string, at time.Time) string {
	if env.ID != "" {
		return env.ID
	}
	return fmt.Sprintf("%s:%s:%d", env.Name, taskID, at.UnixNano())
}
