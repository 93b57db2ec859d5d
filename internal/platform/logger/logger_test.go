package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/tasksync/project/internal/platform/config"
)

func TestContextHandler_AddsLogFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(config.Config{Env: "test", Service: config.ServiceTaskTracker}, &buf)

	ctx := WithLogFields(context.Background(), LogFields{Component: "messaging.consumer", Topic: "users"})
	ctx = WithLogFields(ctx, LogFields{EventName: "user_created", EntityID: "u-1"})
	log.InfoContext(ctx, "applied")

	out := buf.String()
	for _, want := range []string{"component=messaging.consumer", "topic=users", "event_name=user_created", "entity_id=u-1", "service=task-tracker"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestWithLogFields_KeepsExistingValues(t *testing.T) {
	ctx := WithLogFields(context.Background(), LogFields{Topic: "tasks", EventID: "e1"})
	ctx = WithLogFields(ctx, LogFields{EventID: "e2"})

	got := GetLogFields(ctx)
	if got.Topic != "tasks" || got.EventID != "e2" {
		t.Fatalf("unexpected fields: %+v", got)
	}
}
