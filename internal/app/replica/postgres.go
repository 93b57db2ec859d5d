package replica

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tasksync/project/internal/platform/auth"
)

const createReplicasTableSQL = `
CREATE TABLE IF NOT EXISTS user_replicas (
  id bigserial PRIMARY KEY,
  public_id text NOT NULL UNIQUE,
  email text NOT NULL DEFAULT '',
  username text NOT NULL DEFAULT '',
  role text NOT NULL DEFAULT '',
  active boolean NOT NULL DEFAULT false,
  stub boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  email_at timestamptz NOT NULL,
  username_at timestamptz NOT NULL,
  role_at timestamptz NOT NULL,
  active_at timestamptz NOT NULL
)`

const createEligibleIndexSQL = `
CREATE INDEX IF NOT EXISTS user_replicas_eligible_idx
ON user_replicas (public_id)
WHERE active AND NOT stub AND role NOT IN ('manager', 'admin')`

const selectReplicaColumns = `
public_id, email, username, role, active, stub,
created_at, updated_at, email_at, username_at, role_at, active_at`

const findReplicaSQL = `SELECT ` + selectReplicaColumns + ` FROM user_replicas WHERE public_id = $1`

const listEligibleSQL = `SELECT ` + selectReplicaColumns + `
FROM user_replicas
WHERE active AND NOT stub AND role NOT IN ('manager', 'admin')
ORDER BY public_id`

// Every SET expression reads the pre-update row, so each field is decided
// independently against its own timestamp.
const upsertReplicaSQL = `
INSERT INTO user_replicas AS r (
  public_id, email, username, role, active, stub,
  created_at, updated_at, email_at, username_at, role_at, active_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (public_id) DO UPDATE
SET email       = CASE WHEN EXCLUDED.email_at > r.email_at THEN EXCLUDED.email ELSE r.email END,
    email_at    = GREATEST(r.email_at, EXCLUDED.email_at),
    username    = CASE WHEN EXCLUDED.username_at > r.username_at THEN EXCLUDED.username ELSE r.username END,
    username_at = GREATEST(r.username_at, EXCLUDED.username_at),
    role        = CASE WHEN EXCLUDED.role_at > r.role_at THEN EXCLUDED.role ELSE r.role END,
    role_at     = GREATEST(r.role_at, EXCLUDED.role_at),
    active      = CASE WHEN EXCLUDED.active_at > r.active_at THEN EXCLUDED.active ELSE r.active END,
    active_at   = GREATEST(r.active_at, EXCLUDED.active_at),
    created_at  = CASE WHEN r.stub AND NOT EXCLUDED.stub THEN EXCLUDED.created_at ELSE r.created_at END,
    stub        = r.stub AND EXCLUDED.stub,
    updated_at  = GREATEST(r.updated_at, EXCLUDED.updated_at)
`

// Column names come from fieldColumns only.
const updateFieldSQL = `
UPDATE user_replicas
SET %[1]s = CASE WHEN $2 > %[1]s_at THEN $3 ELSE %[1]s END,
    %[1]s_at = GREATEST(%[1]s_at, $2),
    updated_at = GREATEST(updated_at, $2)
WHERE public_id = $1`

var fieldColumns = map[Field]string{
	FieldEmail:    "email",
	FieldUsername: "username",
	FieldRole:     "role",
	FieldActive:   "active",
}

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createReplicasTableSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createEligibleIndexSQL); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) FindByStableID(ctx context.Context, publicID string) (User, error) {
	u, err := scanUser(s.Pool.QueryRow(ctx, findReplicaSQL, publicID))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *PostgresStore) Upsert(ctx context.Context, u User) error {
	_, err := s.Pool.Exec(ctx, upsertReplicaSQL,
		u.PublicID, u.Email, u.Username, string(u.Role), u.Active, u.Stub,
		u.CreatedAt, u.UpdatedAt, u.EmailAt, u.UsernameAt, u.RoleAt, u.ActiveAt,
	)
	return err
}

func (s *PostgresStore) UpdateFields(ctx context.Context, publicID string, changes []FieldChange) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, c := range changes {
		col, ok := fieldColumns[c.Field]
		if !ok {
			return ErrUnknownField
		}
		var value any = c.Value
		if c.Field == FieldActive {
			b, err := strconv.ParseBool(c.Value)
			if err != nil {
				return err
			}
			value = b
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(updateFieldSQL, col), publicID, c.At, value)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListEligible(ctx context.Context) ([]User, error) {
	rows, err := s.Pool.Query(ctx, listEligibleSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	var role string
	err := row.Scan(
		&u.PublicID, &u.Email, &u.Username, &role, &u.Active, &u.Stub,
		&u.CreatedAt, &u.UpdatedAt, &u.EmailAt, &u.UsernameAt, &u.RoleAt, &u.ActiveAt,
	)
	if err != nil {
		return User{}, err
	}
	u.Role = auth.Role(role)
	return u, nil
}
