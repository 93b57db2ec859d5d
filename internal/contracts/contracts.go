package contracts

import "time"

// Topics are logical append-only logs. The partition key of every message is
// the StableID of the entity the event describes.
const (
	TopicUsersStream = "users-stream"
	TopicUsers       = "users"
	TopicTasks       = "tasks"
)

const (
	EventUserCreated       = "user_created"
	EventUserUpdated       = "user_updated"
	EventUserRoleChanged   = "user_role_changed"
	EventUserActiveChanged = "user_active_changed"

	EventTaskCreated   = "task_created"
	EventTaskAssigned  = "task_assigned"
	EventTaskCompleted = "task_completed"
)

// DeadLetterSuffix is appended to a topic to name its dead-letter topic.
const DeadLetterSuffix = ".dlq"

func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}

// AllTopics lists every topic a broker must provision, dead-letter topics included.
func AllTopics() []string {
	base := []string{TopicUsersStream, TopicUsers, TopicTasks}
	out := make([]string, 0, len(base)*2)
	for _, t := range base {
		out = append(out, t, DeadLetterTopic(t))
	}
	return out
}

// Event is a derived or direct event ready to be handed to a publisher.
type Event struct {
	Topic   string
	Key     string
	Name    string
	Payload any
}

// UserCreated is published on users-stream after registration commits.
type UserCreated struct {
	PublicID  string    `json:"public_id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserUpdated is published on users-stream after any profile update commits.
// Every field but PublicID is optional: an absent field leaves the replica's
// value untouched.
type UserUpdated struct {
	PublicID  string    `json:"public_id"`
	Email     *string   `json:"email,omitempty"`
	Username  *string   `json:"username,omitempty"`
	Role      *string   `json:"role,omitempty"`
	Active    *bool     `json:"active,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserRoleChanged is published on users only when the role actually changed.
type UserRoleChanged struct {
	PublicID  string    `json:"public_id"`
	OldRole   string    `json:"old_role"`
	Role      string    `json:"role"`
	ChangedAt time.Time `json:"changed_at"`
}

// UserActiveChanged replaces a tombstone: deactivated users stay replicated
// but stop being eligible for anything.
type UserActiveChanged struct {
	PublicID  string    `json:"public_id"`
	Active    bool      `json:"active"`
	ChangedAt time.Time `json:"changed_at"`
}

type TaskCreated struct {
	PublicID    string    `json:"public_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	AssigneeID  string    `json:"assignee_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type TaskAssigned struct {
	PublicID   string    `json:"public_id"`
	AssigneeID string    `json:"assignee_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

type TaskCompleted struct {
	PublicID    string    `json:"public_id"`
	AssigneeID  string    `json:"assignee_id"`
	CompletedAt time.Time `json:"completed_at"`
}
