package telemetry

import (
	"context"
	"testing"

	"github.com/tasksync/project/internal/platform/config"
)

func TestParseHeaders(t *testing.T) {
	got := parseHeaders("authorization=Bearer x, x-team = sync ,broken")
	if len(got) != 2 || got["authorization"] != "Bearer x" || got["x-team"] != "sync" {
		t.Fatalf("unexpected headers: %#v", got)
	}
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	tel, err := Setup(context.Background(), config.OTelConfig{})
	if err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
}
