package tasks

import (
	"errors"
	"strings"
	"time"

	"github.com/tasksync/project/internal/contracts"
)

var (
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusInProgress, StatusCompleted:
		return s, nil
	default:
		return "", ErrInvalidStatus
	}
}

type Task struct {
	PublicID    string     `json:"public_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AssigneeID  string     `json:"assignee_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Transition moves t to status at time at. Staying in the same status is
// allowed and changes nothing; the only move is in-progress to completed.
func (t Task) Transition(to Status, at time.Time) (Task, error) {
	if to == t.Status {
		return t, nil
	}
	if t.Status != StatusInProgress || to != StatusCompleted {
		return t, ErrInvalidTransition
	}
	t.Status = to
	completedAt := at
	t.CompletedAt = &completedAt
	return t, nil
}

// Derive returns the events implied by moving from before to after. A nil
// before means after was just created. The decision looks only at the two
// states, never at which operation produced them.
func Derive(before *Task, after Task) []contracts.Event {
	var events []contracts.Event
	if before == nil {
		events = append(events,
			taskEvent(after, contracts.EventTaskCreated, contracts.TaskCreated{
				PublicID:    after.PublicID,
				Title:       after.Title,
				Description: after.Description,
				AssigneeID:  after.AssigneeID,
				Status:      string(after.Status),
				CreatedAt:   after.CreatedAt,
			}),
			taskEvent(after, contracts.EventTaskAssigned, contracts.TaskAssigned{
				PublicID:   after.PublicID,
				AssigneeID: after.AssigneeID,
				AssignedAt: after.CreatedAt,
			}),
		)
		if after.Status == StatusCompleted {
			events = append(events, completed(after))
		}
		return events
	}

	if before.AssigneeID != after.AssigneeID {
		events = append(events, taskEvent(after, contracts.EventTaskAssigned, contracts.TaskAssigned{
			PublicID:   after.PublicID,
			AssigneeID: after.AssigneeID,
			AssignedAt: after.UpdatedAt,
		}))
	}
	if before.Status != StatusCompleted && after.Status == StatusCompleted {
		events = append(events, completed(after))
	}
	return events
}

func completed(t Task) contracts.Event {
	at := t.UpdatedAt
	if t.CompletedAt != nil {
		at = *t.CompletedAt
	}
	return taskEvent(t, contracts.EventTaskCompleted, contracts.TaskCompleted{
		PublicID:    t.PublicID,
		AssigneeID:  t.AssigneeID,
		CompletedAt: at,
	})
}

func taskEvent(t Task, name string, payload any) contracts.Event {
	return contracts.Event{Topic: contracts.TopicTasks, Key: t.PublicID, Name: name, Payload: payload}
}
