package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tasksync/project/internal/contracts"
	"github.com/tasksync/project/internal/platform/auth"
	"github.com/tasksync/project/internal/platform/logger"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidEmail       = errors.New("a valid email is required")
	ErrInvalidUsername    = errors.New("username is required")
	ErrInvalidPassword    = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

type EventPublisher interface {
	PublishAll(ctx context.Context, events []contracts.Event) error
}

type Service struct {
	Repo      Repository
	AuthToken auth.Manager
	Events    EventPublisher
	// AdminEmails register with the admin role.
	AdminEmails []string
	HashCost    int

	NewID func() string
	Now   func() time.Time
}

func NewService(repo Repository, tokens auth.Manager, events EventPublisher) *Service {
	return &Service{
		Repo:      repo,
		AuthToken: tokens,
		Events:    events,
		HashCost:  bcrypt.DefaultCost,
		NewID:     uuid.NewString,
		Now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

type RegisterInput struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type UpdateInput struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return User{}, err
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return User{}, ErrInvalidUsername
	}
	if len(strings.TrimSpace(in.Password)) < 8 {
		return User{}, ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.HashCost)
	if err != nil {
		return User{}, err
	}

	role := auth.RoleMember
	if slices.ContainsFunc(s.AdminEmails, func(a string) bool { return strings.EqualFold(a, email) }) {
		role = auth.RoleAdmin
	}
	now := s.Now()
	u, err := s.Repo.CreateUser(ctx, User{
		PublicID:     s.NewID(),
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return User{}, err
	}

	return u, s.publish(ctx, u.PublicID, []contracts.Event{{
		Topic: contracts.TopicUsersStream,
		Key:   u.PublicID,
		Name:  contracts.EventUserCreated,
		Payload: contracts.UserCreated{
			PublicID:  u.PublicID,
			Email:     u.Email,
			Username:  u.Username,
			Role:      string(u.Role),
			Active:    u.Active,
			CreatedAt: u.CreatedAt,
			UpdatedAt: u.UpdatedAt,
		},
	}})
}

// Login verifies credentials and returns a bearer token whose subject is the
// user's public id.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return "", ErrInvalidCredentials
	}
	u, err := s.Repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	if !u.Active {
		return "", fmt.Errorf("%w: user inactive", auth.ErrForbidden)
	}
	return s.AuthToken.Sign(u.PublicID)
}

func (s *Service) ListUsers(ctx context.Context, actor auth.Principal) ([]User, error) {
	if err := auth.Require(&actor, auth.CapManageUsers); err != nil {
		return nil, err
	}
	return s.Repo.ListUsers(ctx)
}

// UpdateUser overwrites email, username and role. It publishes user_updated,
// and user_role_changed only when the role differs from the stored one.
func (s *Service) UpdateUser(ctx context.Context, actor auth.Principal, publicID string, in UpdateInput) (User, error) {
	if err := auth.Require(&actor, auth.CapManageUsers); err != nil {
		return User{}, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return User{}, err
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return User{}, ErrInvalidUsername
	}
	role, err := auth.ParseRole(in.Role)
	if err != nil {
		return User{}, err
	}

	old, err := s.Repo.FindByPublicID(ctx, publicID)
	if err != nil {
		return User{}, err
	}
	updated := old
	updated.Email = email
	updated.Username = username
	updated.Role = role
	updated.UpdatedAt = s.Now()
	if err := s.Repo.SaveUser(ctx, updated); err != nil {
		return User{}, err
	}

	roleName := string(updated.Role)
	active := updated.Active
	events := []contracts.Event{{
		Topic: contracts.TopicUsersStream,
		Key:   updated.PublicID,
		Name:  contracts.EventUserUpdated,
		Payload: contracts.UserUpdated{
			PublicID:  updated.PublicID,
			Email:     &updated.Email,
			Username:  &updated.Username,
			Role:      &roleName,
			Active:    &active,
			UpdatedAt: updated.UpdatedAt,
		},
	}}
	if old.Role != updated.Role {
		events = append(events, contracts.Event{
			Topic: contracts.TopicUsers,
			Key:   updated.PublicID,
			Name:  contracts.EventUserRoleChanged,
			Payload: contracts.UserRoleChanged{
				PublicID:  updated.PublicID,
				OldRole:   string(old.Role),
				Role:      string(updated.Role),
				ChangedAt: updated.UpdatedAt,
			},
		})
	}
	return updated, s.publish(ctx, updated.PublicID, events)
}

// SetActive flips the account flag. Setting the current value is a no-op
// and publishes nothing.
func (s *Service) SetActive(ctx context.Context, actor auth.Principal, publicID string, active bool) (User, error) {
	if err := auth.Require(&actor, auth.CapManageUsers); err != nil {
		return User{}, err
	}
	u, err := s.Repo.FindByPublicID(ctx, publicID)
	if err != nil {
		return User{}, err
	}
	if u.Active == active {
		return u, nil
	}
	u.Active = active
	u.UpdatedAt = s.Now()
	if err := s.Repo.SaveUser(ctx, u); err != nil {
		return User{}, err
	}
	return u, s.publish(ctx, u.PublicID, []contracts.Event{{
		Topic: contracts.TopicUsers,
		Key:   u.PublicID,
		Name:  contracts.EventUserActiveChanged,
		Payload: contracts.UserActiveChanged{
			PublicID:  u.PublicID,
			Active:    u.Active,
			ChangedAt: u.UpdatedAt,
		},
	}})
}

// ResolvePrincipal authenticates callers against the identity store itself.
func (s *Service) ResolvePrincipal(ctx context.Context, publicID string) (auth.Principal, error) {
	u, err := s.Repo.FindByPublicID(ctx, publicID)
	if errors.Is(err, ErrNotFound) {
		return auth.Principal{}, fmt.Errorf("%w: user not found", auth.ErrForbidden)
	}
	if err != nil {
		return auth.Principal{}, err
	}
	if !u.Active {
		return auth.Principal{}, fmt.Errorf("%w: user inactive", auth.ErrForbidden)
	}
	return auth.Principal{PublicID: u.PublicID, Role: u.Role}, nil
}

// publish is detached from ctx cancellation because the user row is already saved.
func (s *Service) publish(ctx context.Context, publicID string, events []contracts.Event) error {
	if err := s.Events.PublishAll(context.WithoutCancel(ctx), events); err != nil {
		lctx := logger.WithLogFields(ctx, logger.LogFields{Component: "identity.service", EntityID: publicID})
		slog.ErrorContext(lctx, "user saved but events not published", "error", err)
		return fmt.Errorf("user %s saved: %w", publicID, err)
	}
	return nil
}
