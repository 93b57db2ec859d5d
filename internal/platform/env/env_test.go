package env

import (
	"testing"
	"time"
)

func TestFallbacks(t *testing.T) {
	t.Setenv("ENV_TEST_INT", "not-a-number")
	t.Setenv("ENV_TEST_DURATION", "-5s")
	t.Setenv("ENV_TEST_BOOL", "maybe")

	if got := Int("ENV_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if got := Duration("ENV_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %s", got)
	}
	if got := Bool("ENV_TEST_BOOL", true); !got {
		t.Fatal("expected fallback true")
	}
	if got := String("ENV_TEST_MISSING", "x"); got != "x" {
		t.Fatalf("expected fallback x, got %q", got)
	}
}

func TestList(t *testing.T) {
	t.Setenv("ENV_TEST_LIST", " a, ,b ,c")
	got := List("ENV_TEST_LIST", "")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected list: %#v", got)
	}
}

func TestFloat(t *testing.T) {
	t.Setenv("ENV_TEST_FLOAT", " 0.25 ")
	if got := Float("ENV_TEST_FLOAT", 1); got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}
	t.Setenv("ENV_TEST_FLOAT", "-1")
	if got := Float("ENV_TEST_FLOAT", 1); got != 1 {
		t.Fatalf("expected fallback 1, got %v", got)
	}
}
