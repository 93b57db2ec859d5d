package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tasksync/project/internal/contracts"
	"github.com/tasksync/project/internal/messaging"
	"github.com/tasksync/project/internal/platform/auth"
	"golang.org/x/crypto/bcrypt"
)

type recordingPublisher struct {
	events []contracts.Event
	err    error
}

func (r *recordingPublisher) PublishAll(_ context.Context, events []contracts.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, events...)
	return nil
}

func newTestService() (*Service, *MemoryRepository, *recordingPublisher) {
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	svc := NewService(repo, auth.NewManager("secret", time.Hour), pub)
	svc.HashCost = bcrypt.MinCost
	svc.AdminEmails = []string{"root@example.com"}
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	n := 0
	svc.NewID = func() string {
		n++
		return fmt.Sprintf("user-%d", n)
	}
	return svc, repo, pub
}

var admin = auth.Principal{PublicID: "admin-1", Role: auth.RoleAdmin}

func TestRegister_PublishesUserCreated(t *testing.T) {
	svc, _, pub := newTestService()

	u, err := svc.Register(context.Background(), RegisterInput{Email: " Ana@Example.com ", Username: "ana", Password: "password1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Email != "ana@example.com" || u.Role != auth.RoleMember || !u.Active || u.ID == 0 {
		t.Fatalf("unexpected user: %+v", u)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	e := pub.events[0]
	if e.Topic != contracts.TopicUsersStream || e.Name != contracts.EventUserCreated || e.Key != u.PublicID {
		t.Fatalf("unexpected event: %+v", e)
	}
	payload := e.Payload.(contracts.UserCreated)
	if payload.PublicID != u.PublicID || payload.Role != "member" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRegister_Validation(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "nope", Username: "a", Password: "password1"}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Username: " ", Password: "password1"}); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Username: "a", Password: "short"}); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Username: "a", Password: "password1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "A@example.com", Username: "b", Password: "password1"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("only the successful registration publishes, got %d events", len(pub.events))
	}
}

func TestRegister_AdminEmailGetsAdminRole(t *testing.T) {
	svc, _, _ := newTestService()
	u, err := svc.Register(context.Background(), RegisterInput{Email: "root@example.com", Username: "root", Password: "password1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Role != auth.RoleAdmin {
		t.Fatalf("expected admin role, got %q", u.Role)
	}
}

func TestRegister_PublishFailureKeepsUser(t *testing.T) {
	svc, repo, pub := newTestService()
	pub.err = &messaging.PublishError{Err: errors.New("down")}

	_, err := svc.Register(context.Background(), RegisterInput{Email: "a@example.com", Username: "a", Password: "password1"})
	var pubErr *messaging.PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if _, err := repo.FindByEmail(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("user must stay stored: %v", err)
	}
}

func TestLogin(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	u, _ := svc.Register(ctx, RegisterInput{Email: "a@example.com", Username: "a", Password: "password1"})

	token, err := svc.Login(ctx, "A@example.com", "password1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := svc.AuthToken.Parse(token)
	if err != nil || claims.Subject != u.PublicID {
		t.Fatalf("unexpected claims %+v err=%v", claims, err)
	}

	if _, err := svc.Login(ctx, "a@example.com", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "password1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.SetActive(ctx, admin, u.PublicID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := svc.Login(ctx, "a@example.com", "password1"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("inactive login: expected ErrForbidden, got %v", err)
	}
}

func TestUpdateUser_RoleChangePublishesBothEvents(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()
	u, _ := svc.Register(ctx, RegisterInput{Email: "a@example.com", Username: "a", Password: "password1"})
	pub.events = nil

	updated, err := svc.UpdateUser(ctx, admin, u.PublicID, UpdateInput{Email: "a@example.com", Username: "anna", Role: "manager"})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if updated.Role != auth.RoleManager || updated.Username != "anna" {
		t.Fatalf("unexpected user: %+v", updated)
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected 2 events, got %+v", pub.events)
	}
	if e := pub.events[0]; e.Topic != contracts.TopicUsersStream || e.Name != contracts.EventUserUpdated {
		t.Fatalf("unexpected first event: %+v", e)
	}
	e := pub.events[1]
	if e.Topic != contracts.TopicUsers || e.Name != contracts.EventUserRoleChanged {
		t.Fatalf("unexpected second event: %+v", e)
	}
	if p := e.Payload.(contracts.UserRoleChanged); p.OldRole != "member" || p.Role != "manager" {
		t.Fatalf("unexpected role payload: %+v", p)
	}

	pub.events = nil
	if _, err := svc.UpdateUser(ctx, admin, u.PublicID, UpdateInput{Email: "a@example.com", Username: "ann", Role: "manager"}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if len(pub.events) != 1 || pub.events[0].Name != contracts.EventUserUpdated {
		t.Fatalf("same role must not publish user_role_changed: %+v", pub.events)
	}
}

func TestUpdateUser_Errors(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	u, _ := svc.Register(ctx, RegisterInput{Email: "a@example.com", Username: "a", Password: "password1"})
	in := UpdateInput{Email: "a@example.com", Username: "a", Role: "member"}

	if _, err := svc.UpdateUser(ctx, auth.Principal{PublicID: u.PublicID, Role: auth.RoleManager}, u.PublicID, in); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.UpdateUser(ctx, admin, "missing", in); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	bad := in
	bad.Role = "owner"
	if _, err := svc.UpdateUser(ctx, admin, u.PublicID, bad); !errors.Is(err, auth.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestSetActive(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()
	u, _ := svc.Register(ctx, RegisterInput{Email: "a@example.com", Username: "a", Password: "password1"})
	pub.events = nil

	if _, err := svc.SetActive(ctx, admin, u.PublicID, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("unchanged flag must not publish: %+v", pub.events)
	}

	got, err := svc.SetActive(ctx, admin, u.PublicID, false)
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if got.Active || len(pub.events) != 1 {
		t.Fatalf("unexpected result %+v events=%+v", got, pub.events)
	}
	e := pub.events[0]
	if e.Topic != contracts.TopicUsers || e.Name != contracts.EventUserActiveChanged || e.Payload.(contracts.UserActiveChanged).Active {
		t.Fatalf("unexpected event: %+v", e)
	}

	if _, err := svc.ResolvePrincipal(ctx, u.PublicID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("inactive resolve: expected ErrForbidden, got %v", err)
	}
}

func TestRegister_CancelledRequestStillPublishes(t *testing.T) {
	b := messaging.NewMemoryBroker()
	svc := NewService(NewMemoryRepository(), auth.NewManager("secret", time.Hour), messaging.NewPublisher(b, messaging.PublisherConfig{MaxAttempts: 1}))
	svc.HashCost = bcrypt.MinCost

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Username: "a", Password: "password1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := len(b.Messages(contracts.TopicUsersStream)); got != 1 {
		t.Fatalf("expected user_created on the topic, got %d", got)
	}
}
