package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tasksync/project/internal/platform/auth"
)

func TestAllowedOriginForRequest(t *testing.T) {
	tests := []struct {
		allowed, origin, want string
	}{
		{"", "http://a.example", "*"},
		{"http://localhost:3000", "http://127.0.0.1:3000", "http://127.0.0.1:3000"},
		{"http://localhost:3000", "http://127.0.0.1:4000", "http://localhost:3000"},
		{"https://app.example", "https://evil.example", "https://app.example"},
	}
	for _, tt := range tests {
		if got := allowedOriginForRequest(tt.allowed, tt.origin); got != tt.want {
			t.Errorf("allowedOriginForRequest(%q, %q) = %q, want %q", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

func TestWriteAuthError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteAuthError(rr, auth.ErrUnauthorized)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	WriteAuthError(rr, fmt.Errorf("%w: %w", auth.ErrForbidden, errors.New("user not found")))
	if rr.Code != http.StatusForbidden || !strings.Contains(rr.Body.String(), "user not found") {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestOpsMux_Readiness(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	failing := func(context.Context) error { return errors.New("postgres ping failed") }

	mux := OpsMux(app, failing)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected app handler, got %d", rr.Code)
	}
}
