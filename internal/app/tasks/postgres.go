package tasks

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id bigserial PRIMARY KEY,
  public_id text NOT NULL UNIQUE,
  title text NOT NULL,
  description text NOT NULL DEFAULT '',
  assignee_id text NOT NULL,
  status text NOT NULL DEFAULT 'in-progress',
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  completed_at timestamptz
)`

const createTasksAssigneeIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_assignee_idx ON tasks (assignee_id, created_at)`

const createTasksOpenIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_open_idx ON tasks (created_at) WHERE status = 'in-progress'`

const taskColumns = `public_id, title, description, assignee_id, status, created_at, updated_at, completed_at`

const insertTaskSQL = `
INSERT INTO tasks (` + taskColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const updateTaskSQL = `
UPDATE tasks
SET title = $2, description = $3, assignee_id = $4, status = $5,
    updated_at = $6, completed_at = $7
WHERE public_id = $1 AND updated_at = $8`

const findTaskSQL = `SELECT ` + taskColumns + ` FROM tasks WHERE public_id = $1`

const listByAssigneeSQL = `SELECT ` + taskColumns + ` FROM tasks WHERE assignee_id = $1 ORDER BY created_at, public_id`

const listOpenSQL = `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'in-progress' ORDER BY created_at, public_id`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createTasksTableSQL, createTasksAssigneeIndexSQL, createTasksOpenIndexSQL} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, t Task) error {
	_, err := r.Pool.Exec(ctx, insertTaskSQL,
		t.PublicID, t.Title, t.Description, t.AssigneeID, string(t.Status), t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	return err
}

func (r *PostgresRepository) Update(ctx context.Context, before, after Task) error {
	tag, err := r.Pool.Exec(ctx, updateTaskSQL,
		after.PublicID, after.Title, after.Description, after.AssigneeID, string(after.Status),
		after.UpdatedAt, after.CompletedAt, before.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindByPublicID(ctx, before.PublicID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r *PostgresRepository) FindByPublicID(ctx context.Context, publicID string) (Task, error) {
	t, err := scanTask(r.Pool.QueryRow(ctx, findTaskSQL, publicID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (r *PostgresRepository) ListByAssignee(ctx context.Context, assigneeID string) ([]Task, error) {
	return r.query(ctx, listByAssigneeSQL, assigneeID)
}

func (r *PostgresRepository) ListOpen(ctx context.Context) ([]Task, error) {
	return r.query(ctx, listOpenSQL)
}

func (r *PostgresRepository) query(ctx context.Context, sql string, args ...any) ([]Task, error) {
	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	var status string
	if err := row.Scan(&t.PublicID, &t.Title, &t.Description, &t.AssigneeID, &status, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	return t, nil
}
