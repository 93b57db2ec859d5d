package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tasksync/project/internal/app/replica"
	"github.com/tasksync/project/internal/contracts"
	"github.com/tasksync/project/internal/platform/auth"
	"github.com/tasksync/project/internal/platform/logger"
)

var (
	ErrNotFound           = errors.New("task not found")
	ErrConflict           = errors.New("task was modified concurrently")
	ErrTitleRequired      = errors.New("title is required")
	ErrNoEligibleAssignee = errors.New("no eligible assignee")
)

const maxPatchAttempts = 3

type Repository interface {
	Create(ctx context.Context, task Task) error
	// Update stores after only if the row still matches before.UpdatedAt,
	// otherwise it returns ErrConflict.
	Update(ctx context.Context, before, after Task) error
	FindByPublicID(ctx context.Context, publicID string) (Task, error)
	ListByAssignee(ctx context.Context, assigneeID string) ([]Task, error)
	ListOpen(ctx context.Context) ([]Task, error)
}

// Assignees lists users that may receive tasks.
type Assignees interface {
	ListEligible(ctx context.Context) ([]replica.User, error)
}

type EventPublisher interface {
	PublishAll(ctx context.Context, events []contracts.Event) error
}

// Picker chooses one assignee from a non-empty candidate list.
type Picker func(candidates []replica.User) replica.User

// RandomPicker picks uniformly at random.
func RandomPicker(candidates []replica.User) replica.User {
	return candidates[rand.IntN(len(candidates))]
}

type Service struct {
	repo      Repository
	assignees Assignees
	events    EventPublisher

	Now    func() time.Time
	NewID  func() string
	Picker Picker
}

func NewService(repo Repository, assignees Assignees, events EventPublisher) *Service {
	return &Service{
		repo:      repo,
		assignees: assignees,
		events:    events,
		Now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		NewID:     uuid.NewString,
		Picker:    RandomPicker,
	}
}

type CreateInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type PatchInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

func (s *Service) Create(ctx context.Context, actor auth.Principal, in CreateInput) (Task, error) {
	if err := auth.Require(&actor, auth.CapCreateTasks); err != nil {
		return Task{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Task{}, ErrTitleRequired
	}
	assignee, err := s.pickAssignee(ctx)
	if err != nil {
		return Task{}, err
	}

	now := s.Now()
	task := Task{
		PublicID:    s.NewID(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		AssigneeID:  assignee.PublicID,
		Status:      StatusInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return task, s.commit(ctx, nil, task)
}

// Patch applies a partial update. Members may only patch their own tasks;
// someone else's task is reported as ErrNotFound so ids cannot be probed.
func (s *Service) Patch(ctx context.Context, actor auth.Principal, publicID string, in PatchInput) (Task, error) {
	if err := auth.Require(&actor, auth.CapReadOwnTasks); err != nil {
		return Task{}, err
	}
	var status *Status
	if in.Status != nil {
		parsed, err := ParseStatus(*in.Status)
		if err != nil {
			return Task{}, err
		}
		status = &parsed
	}
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return Task{}, ErrTitleRequired
	}

	for attempt := 1; ; attempt++ {
		before, err := s.repo.FindByPublicID(ctx, publicID)
		if err != nil {
			return Task{}, err
		}
		if before.AssigneeID != actor.PublicID && !actor.Role.Can(auth.CapPatchAnyTask) {
			return Task{}, ErrNotFound
		}

		now := s.Now()
		after := before
		if in.Title != nil {
			after.Title = strings.TrimSpace(*in.Title)
		}
		if in.Description != nil {
			after.Description = strings.TrimSpace(*in.Description)
		}
		if status != nil {
			if after, err = after.Transition(*status, now); err != nil {
				return Task{}, err
			}
		}
		if after == before {
			return before, nil
		}
		after.UpdatedAt = now

		err = s.commit(ctx, &before, after)
		if errors.Is(err, ErrConflict) && attempt < maxPatchAttempts {
			continue
		}
		return after, err
	}
}

func (s *Service) List(ctx context.Context, actor auth.Principal) ([]Task, error) {
	if err := auth.Require(&actor, auth.CapReadOwnTasks); err != nil {
		return nil, err
	}
	return s.repo.ListByAssignee(ctx, actor.PublicID)
}

// ReassignOpen shuffles every in-progress task to a random eligible user.
// It stops at the first failure and reports how many tasks moved.
func (s *Service) ReassignOpen(ctx context.Context, actor auth.Principal) (int, error) {
	if err := auth.Require(&actor, auth.CapReassign); err != nil {
		return 0, err
	}
	candidates, err := s.assignees.ListEligible(ctx)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, ErrNoEligibleAssignee
	}
	open, err := s.repo.ListOpen(ctx)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, before := range open {
		after := before
		after.AssigneeID = s.Picker(candidates).PublicID
		if after.AssigneeID == before.AssigneeID {
			continue
		}
		after.UpdatedAt = s.Now()
		if err := s.commit(ctx, &before, after); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (s *Service) pickAssignee(ctx context.Context) (replica.User, error) {
	candidates, err := s.assignees.ListEligible(ctx)
	if err != nil {
		return replica.User{}, fmt.Errorf("list eligible assignees: %w", err)
	}
	if len(candidates) == 0 {
		return replica.User{}, ErrNoEligibleAssignee
	}
	return s.Picker(candidates), nil
}

// commit is the single mutation path: persist, derive, publish. Every entry
// point goes through it so derived events never depend on the caller.
func (s *Service) commit(ctx context.Context, before *Task, after Task) error {
	var err error
	if before == nil {
		err = s.repo.Create(ctx, after)
	} else {
		err = s.repo.Update(ctx, *before, after)
	}
	if err != nil {
		return err
	}

	events := Derive(before, after)
	if len(events) == 0 {
		return nil
	}
	// The row is already committed; a caller that went away must not take
	// its events with it.
	if err := s.events.PublishAll(context.WithoutCancel(ctx), events); err != nil {
		lctx := logger.WithLogFields(ctx, logger.LogFields{Component: "tasks.service", EntityID: after.PublicID})
		slog.ErrorContext(lctx, "task saved but derived events not published", "error", err)
		return fmt.Errorf("task %s saved: %w", after.PublicID, err)
	}
	return nil
}
