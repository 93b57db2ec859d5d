package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("assignee has no recorded events")

// Entry is one task event as the ledger stores it.
type Entry struct {
	EventID    string
	EventName  string
	TaskID     string
	AssigneeID string
	OccurredAt time.Time
}

type Stats struct {
	AssigneeID  string    `json:"assignee_id"`
	Assigned    int64     `json:"assigned"`
	Completed   int64     `json:"completed"`
	LastEventAt time.Time `json:"last_event_at"`
}

type Repository interface {
	// Record stores e once per EventID and bumps the assignee counters in the
	// same transaction. A replayed event reports inserted=false.
	Record(ctx context.Context, e Entry, assigned, completed int64) (inserted bool, err error)
	Stats(ctx context.Context, assigneeID string) (Stats, error)
}

const createTaskEventsSQL = `
CREATE TABLE IF NOT EXISTS task_events (
  event_id text PRIMARY KEY,
  event_name text NOT NULL,
  task_id text NOT NULL,
  assignee_id text NOT NULL DEFAULT '',
  occurred_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const createTaskEventsTaskIndexSQL = `
CREATE INDEX IF NOT EXISTS task_events_task_idx ON task_events (task_id, occurred_at)`

const createAssigneeStatsSQL = `
CREATE TABLE IF NOT EXISTS assignee_stats (
  assignee_id text PRIMARY KEY,
  assigned_count bigint NOT NULL DEFAULT 0,
  completed_count bigint NOT NULL DEFAULT 0,
  last_event_at timestamptz NOT NULL
)`

const insertTaskEventSQL = `
INSERT INTO task_events (event_id, event_name, task_id, assignee_id, occurred_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (event_id) DO NOTHING
`

const bumpAssigneeStatsSQL = `
INSERT INTO assignee_stats (assignee_id, assigned_count, completed_count, last_event_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (assignee_id) DO UPDATE
SET assigned_count = assignee_stats.assigned_count + EXCLUDED.assigned_count,
    completed_count = assignee_stats.completed_count + EXCLUDED.completed_count,
    last_event_at = GREATEST(assignee_stats.last_event_at, EXCLUDED.last_event_at)
`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createTaskEventsSQL, createTaskEventsTaskIndexSQL, createAssigneeStatsSQL} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) Record(ctx context.Context, e Entry, assigned, completed int64) (bool, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, insertTaskEventSQL, e.EventID, e.EventName, e.TaskID, e.AssigneeID, e.OccurredAt)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}
	if e.AssigneeID != "" && (assigned != 0 || completed != 0) {
		if _, err := tx.Exec(ctx, bumpAssigneeStatsSQL, e.AssigneeID, assigned, completed, e.OccurredAt); err != nil {
			return false, err
		}
	}
	return true, tx.Commit(ctx)
}

func (r *PostgresRepository) Stats(ctx context.Context, assigneeID string) (Stats, error) {
	s := Stats{AssigneeID: assigneeID}
	err := r.Pool.QueryRow(ctx,
		`SELECT assigned_count, completed_count, last_event_at FROM assignee_stats WHERE assignee_id = $1`,
		assigneeID,
	).Scan(&s.Assigned, &s.Completed, &s.LastEventAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Stats{}, ErrNotFound
		}
		return Stats{}, err
	}
	return s, nil
}

// MemoryRepository keeps the ledger in process, used in tests and
// STORAGE_DRIVER=memory.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[string]Entry
	stats   map[string]Stats
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]Entry), stats: make(map[string]Stats)}
}

func (r *MemoryRepository) Record(_ context.Context, e Entry, assigned, completed int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.EventID]; ok {
		return false, nil
	}
	r.entries[e.EventID] = e
	if e.AssigneeID == "" || (assigned == 0 && completed == 0) {
		return true, nil
	}
	s := r.stats[e.AssigneeID]
	s.AssigneeID = e.AssigneeID
	s.Assigned += assigned
	s.Completed += completed
	if e.OccurredAt.After(s.LastEventAt) {
		s.LastEventAt = e.OccurredAt
	}
	r.stats[e.AssigneeID] = s
	return true, nil
}

func (r *MemoryRepository) Stats(_ context.Context, assigneeID string) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[assigneeID]
	if !ok {
		return Stats{}, ErrNotFound
	}
	return s, nil
}

// Len returns the number of distinct recorded events.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
