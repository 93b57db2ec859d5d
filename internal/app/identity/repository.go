package identity

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tasksync/project/internal/platform/auth"
)

var (
	ErrNotFound   = errors.New("user not found")
	ErrEmailTaken = errors.New("email already registered")
)

// User is the identity-owned account. ID never leaves this service; every
// other service knows the user by PublicID.
type User struct {
	ID           int64     `json:"-"`
	PublicID     string    `json:"public_id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         auth.Role `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Repository interface {
	// CreateUser stores u and returns it with its internal id set.
	CreateUser(ctx context.Context, u User) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByPublicID(ctx context.Context, publicID string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	// SaveUser overwrites the mutable columns of an existing user.
	SaveUser(ctx context.Context, u User) error
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
  id bigserial PRIMARY KEY,
  public_id text NOT NULL UNIQUE,
  email text NOT NULL UNIQUE,
  username text NOT NULL,
  password_hash text NOT NULL,
  role text NOT NULL DEFAULT 'member',
  active boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createUsersSQL)
	return err
}

const userColumns = `id, public_id, email, username, password_hash, role, active, created_at, updated_at`

func (r *PostgresRepository) CreateUser(ctx context.Context, u User) (User, error) {
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO users (public_id, email, username, password_hash, role, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		u.PublicID, u.Email, u.Username, u.PasswordHash, string(u.Role), u.Active, u.CreatedAt, u.UpdatedAt,
	).Scan(&u.ID)
	if err != nil {
		return User{}, mapUniqueViolation(err)
	}
	return u, nil
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *PostgresRepository) FindByPublicID(ctx context.Context, publicID string) (User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE public_id = $1`, publicID)
}

func (r *PostgresRepository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.Pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *PostgresRepository) SaveUser(ctx context.Context, u User) error {
	res, err := r.Pool.Exec(ctx,
		`UPDATE users
		 SET email = $2, username = $3, role = $4, active = $5, updated_at = $6
		 WHERE public_id = $1`,
		u.PublicID, u.Email, u.Username, string(u.Role), u.Active, u.UpdatedAt,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) findOne(ctx context.Context, query string, arg any) (User, error) {
	u, err := scanUser(r.Pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.PublicID, &u.Email, &u.Username, &u.PasswordHash, &role, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return User{}, err
	}
	u.Role = auth.Role(role)
	return u, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

// MemoryRepository is a Repository backed by a map, used in tests and
// STORAGE_DRIVER=memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	users  map[string]User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]User)}
}

func (r *MemoryRepository) CreateUser(_ context.Context, u User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.emailTaken(u.Email, "") {
		return User{}, ErrEmailTaken
	}
	r.nextID++
	u.ID = r.nextID
	r.users[u.PublicID] = u
	return u, nil
}

func (r *MemoryRepository) FindByEmail(_ context.Context, email string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *MemoryRepository) FindByPublicID(_ context.Context, publicID string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[publicID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryRepository) ListUsers(_ context.Context) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) SaveUser(_ context.Context, u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.users[u.PublicID]
	if !ok {
		return ErrNotFound
	}
	if r.emailTaken(u.Email, u.PublicID) {
		return ErrEmailTaken
	}
	existing.Email = u.Email
	existing.Username = u.Username
	existing.Role = u.Role
	existing.Active = u.Active
	existing.UpdatedAt = u.UpdatedAt
	r.users[u.PublicID] = existing
	return nil
}

func (r *MemoryRepository) emailTaken(email, exceptPublicID string) bool {
	for id, u := range r.users {
		if id != exceptPublicID && strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}
