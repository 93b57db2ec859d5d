package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/tasksync/project/internal/app/replica"
	"github.com/tasksync/project/internal/contracts"
	"github.com/tasksync/project/internal/messaging"
	"github.com/tasksync/project/internal/platform/auth"
)

type fakeAssignees struct {
	users []replica.User
	err   error
}

func (f fakeAssignees) ListEligible(context.Context) ([]replica.User, error) {
	return f.users, f.err
}

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

func (r *recordingPublisher) names() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

func members(ids ...string) []replica.User {
	out := make([]replica.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, replica.User{PublicID: id, Role: auth.RoleMember, Active: true})
	}
	return out
}

var (
	member  = auth.Principal{PublicID: "m1", Role: auth.RoleMember}
	manager = auth.Principal{PublicID: "boss", Role: auth.RoleManager}
)

func newTestService(pub *recordingPublisher, users ...string) (*Service, *MemoryRepository) {
	repo := NewMemoryRepository()
	svc := NewService(repo, fakeAssignees{users: members(users...)}, pub)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	n := 0
	svc.NewID = func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}
	svc.Picker = func(c []replica.User) replica.User { return c[0] }
	return svc, repo
}

func TestCreate_AssignsAndPublishesCreatedThenAssigned(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo := newTestService(pub, "m1")

	task, err := svc.Create(context.Background(), member, CreateInput{Title: "  Write report ", Description: "q1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Title != "Write report" || task.AssigneeID != "m1" || task.Status != StatusInProgress {
		t.Fatalf("unexpected task: %+v", task)
	}
	if _, err := repo.FindByPublicID(context.Background(), task.PublicID); err != nil {
		t.Fatalf("task not stored: %v", err)
	}
	got := pub.names()
	if len(got) != 2 || got[0] != contracts.EventTaskCreated || got[1] != contracts.EventTaskAssigned {
		t.Fatalf("unexpected events: %v", got)
	}
	for _, e := range pub.events {
		if e.Topic != contracts.TopicTasks || e.Key != task.PublicID {
			t.Fatalf("unexpected routing: %+v", e)
		}
	}
}

func TestCreate_Validation(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTestService(pub)

	if _, err := svc.Create(context.Background(), member, CreateInput{Title: "  "}); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
	if _, err := svc.Create(context.Background(), member, CreateInput{Title: "x"}); !errors.Is(err, ErrNoEligibleAssignee) {
		t.Fatalf("expected ErrNoEligibleAssignee, got %v", err)
	}
	if _, err := svc.Create(context.Background(), auth.Principal{}, CreateInput{Title: "x"}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("rejected creates must not publish: %v", pub.names())
	}
}

func TestCreate_PublishFailureIsSurfaced(t *testing.T) {
	pubErr := &messaging.PublishError{Topic: contracts.TopicTasks, EventName: contracts.EventTaskCreated, Attempts: 3, Err: errors.New("broker down")}
	pub := &recordingPublisher{err: pubErr}
	svc, repo := newTestService(pub, "m1")

	_, err := svc.Create(context.Background(), member, CreateInput{Title: "x"})
	var got *messaging.PublishError
	if !errors.As(err, &got) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if _, err := repo.FindByPublicID(context.Background(), "task-1"); err != nil {
		t.Fatalf("task must stay persisted after publish failure: %v", err)
	}
}

func TestCreate_RandomPickerIsFair(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, fakeAssignees{users: members("a", "b", "c")}, &recordingPublisher{})

	const n = 10000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		task, err := svc.Create(context.Background(), member, CreateInput{Title: "t"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		counts[task.AssigneeID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		share := float64(counts[id]) / n
		if math.Abs(share-1.0/3) > 0.03 {
			t.Fatalf("assignee %s got share %.3f (%v)", id, share, counts)
		}
	}
}

func TestPatch_CompleteEmitsOnce(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTestService(pub, "m1")
	ctx := context.Background()

	task, err := svc.Create(ctx, member, CreateInput{Title: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	done := string(StatusCompleted)
	completed, err := svc.Patch(ctx, member, task.PublicID, PatchInput{Status: &done})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if completed.Status != StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("unexpected task: %+v", completed)
	}
	if _, err := svc.Patch(ctx, member, task.PublicID, PatchInput{Status: &done}); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}

	n := 0
	for _, name := range pub.names() {
		if name == contracts.EventTaskCompleted {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected one task_completed, got %v", pub.names())
	}

	back := string(StatusInProgress)
	if _, err := svc.Patch(ctx, member, task.PublicID, PatchInput{Status: &back}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPatch_TitleOnlyPublishesNothing(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTestService(pub, "m1")
	ctx := context.Background()

	task, _ := svc.Create(ctx, member, CreateInput{Title: "x"})
	pub.events = nil
	title := "renamed"
	got, err := svc.Patch(ctx, member, task.PublicID, PatchInput{Title: &title})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got.Title != "renamed" || len(pub.events) != 0 {
		t.Fatalf("unexpected result %+v events=%v", got, pub.names())
	}
}

func TestPatch_MemberCannotTouchOthersTasks(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTestService(pub, "m2")
	ctx := context.Background()

	task, _ := svc.Create(ctx, member, CreateInput{Title: "x"})
	title := "mine now"
	_, othersErr := svc.Patch(ctx, member, task.PublicID, PatchInput{Title: &title})
	_, missingErr := svc.Patch(ctx, member, "missing", PatchInput{Title: &title})
	if !errors.Is(othersErr, ErrNotFound) || !errors.Is(missingErr, ErrNotFound) {
		t.Fatalf("member must not tell others' tasks from missing ones: %v / %v", othersErr, missingErr)
	}
	if _, err := svc.Patch(ctx, auth.Principal{}, task.PublicID, PatchInput{Title: &title}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Patch(ctx, manager, task.PublicID, PatchInput{Title: &title}); err != nil {
		t.Fatalf("manager patch: %v", err)
	}
	if _, err := svc.Patch(ctx, manager, "missing", PatchInput{Title: &title}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	bad := "archived"
	if _, err := svc.Patch(ctx, manager, task.PublicID, PatchInput{Status: &bad}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

type conflictOnceRepo struct {
	*MemoryRepository
	conflicts int
}

func (r *conflictOnceRepo) Update(ctx context.Context, before, after Task) error {
	if r.conflicts > 0 {
		r.conflicts--
		return ErrConflict
	}
	return r.MemoryRepository.Update(ctx, before, after)
}

func TestPatch_RetriesOnConflict(t *testing.T) {
	pub := &recordingPublisher{}
	svc, mem := newTestService(pub, "m1")
	ctx := context.Background()
	task, _ := svc.Create(ctx, member, CreateInput{Title: "x"})

	repo := &conflictOnceRepo{MemoryRepository: mem, conflicts: 2}
	svc.repo = repo
	title := "y"
	if _, err := svc.Patch(ctx, member, task.PublicID, PatchInput{Title: &title}); err != nil {
		t.Fatalf("Patch after conflicts: %v", err)
	}

	repo.conflicts = maxPatchAttempts
	title = "z"
	if _, err := svc.Patch(ctx, member, task.PublicID, PatchInput{Title: &title}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestReassignOpen(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo := newTestService(pub, "m1")
	ctx := context.Background()

	first, _ := svc.Create(ctx, member, CreateInput{Title: "open"})
	second, _ := svc.Create(ctx, member, CreateInput{Title: "done"})
	done := string(StatusCompleted)
	if _, err := svc.Patch(ctx, member, second.PublicID, PatchInput{Status: &done}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if _, err := svc.ReassignOpen(ctx, member); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	svc.assignees = fakeAssignees{users: members("m9")}
	pub.events = nil
	moved, err := svc.ReassignOpen(ctx, manager)
	if err != nil {
		t.Fatalf("ReassignOpen: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 moved, got %d", moved)
	}
	got, _ := repo.FindByPublicID(ctx, first.PublicID)
	if got.AssigneeID != "m9" {
		t.Fatalf("open task not reassigned: %+v", got)
	}
	if names := pub.names(); len(names) != 1 || names[0] != contracts.EventTaskAssigned {
		t.Fatalf("unexpected events: %v", names)
	}
	closed, _ := repo.FindByPublicID(ctx, second.PublicID)
	if closed.AssigneeID != "m1" {
		t.Fatalf("completed task must keep its assignee: %+v", closed)
	}

	svc.assignees = fakeAssignees{}
	if _, err := svc.ReassignOpen(ctx, manager); !errors.Is(err, ErrNoEligibleAssignee) {
		t.Fatalf("expected ErrNoEligibleAssignee, got %v", err)
	}
}

func TestList_OnlyOwnTasks(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTestService(pub, "m1")
	ctx := context.Background()

	_, _ = svc.Create(ctx, member, CreateInput{Title: "a"})
	svc.assignees = fakeAssignees{users: members("m2")}
	_, _ = svc.Create(ctx, member, CreateInput{Title: "b"})

	list, err := svc.List(ctx, member)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Title != "a" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestCreate_CancelledRequestStillPublishes(t *testing.T) {
	b := messaging.NewMemoryBroker()
	repo := NewMemoryRepository()
	svc := NewService(repo, fakeAssignees{users: members("m1")}, messaging.NewPublisher(b, messaging.PublisherConfig{MaxAttempts: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task, err := svc.Create(ctx, member, CreateInput{Title: "write report"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.FindByPublicID(context.Background(), task.PublicID); err != nil {
		t.Fatalf("task not stored: %v", err)
	}
	if got := len(b.Messages(contracts.TopicTasks)); got != 2 {
		t.Fatalf("expected created and assigned on the topic, got %d", got)
	}
}
