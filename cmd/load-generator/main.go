package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tasksync/project/internal/platform/env"
	"github.com/tasksync/project/internal/platform/metrics"
	"golang.org/x/sync/errgroup"
)

type config struct {
	IdentityBase            string
	TrackerBase             string
	Users                   int
	SetupConcurrency        int
	StartupWait             time.Duration
	ReplicationWait         time.Duration
	Duration                time.Duration
	RampUp                  time.Duration
	ActionsPerUserPerSecond float64
	ReassignEvery           time.Duration
	RequestTimeout          time.Duration
	MetricsAddr             string
	Password                string
	AdminEmail              string
}

type task struct {
	PublicID string `json:"public_id"`
	Status   string `json:"status"`
}

type simulatedUser struct {
	Index    int
	Email    string
	Token    string
	PublicID string
}

type runner struct {
	cfg    config
	runID  string
	client *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeVUs       atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "tasksync_loadgen_requests_total",
		Help: "Total HTTP requests sent by load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "tasksync_loadgen_actions_total",
		Help: "User actions executed by load generator.",
	}, []string{"action", "outcome"})

	virtualUsers = metrics.NewGaugeVec(metrics.Opts{
		Name: "tasksync_loadgen_virtual_users",
		Help: "Current number of active virtual users sending actions.",
	}, nil)
)

func init() {
	metrics.Default.MustRegister(requestsTotal, actionsTotal, virtualUsers)
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	cfg := loadConfig()
	if cfg.Users <= 0 || cfg.SetupConcurrency <= 0 {
		slog.Error("LOADGEN_USERS and LOADGEN_SETUP_CONCURRENCY must be > 0")
		os.Exit(1)
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	r := &runner{
		cfg:   cfg,
		runID: strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Users * 2,
				MaxIdleConnsPerHost: cfg.Users * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	if err := r.waitForDependencies(ctx); err != nil {
		slog.Error("dependency readiness failed", "error", err)
		os.Exit(1)
	}

	users := r.setupUsers(ctx)
	if len(users) == 0 {
		slog.Error("failed to initialize any users")
		os.Exit(1)
	}
	slog.Info("load generator initialized",
		"users", len(users),
		"duration", cfg.Duration.String(),
		"rate_per_user", cfg.ActionsPerUserPerSecond,
	)

	go r.logProgress(ctx)
	if cfg.AdminEmail != "" {
		go r.runReassigner(ctx)
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runUser(ctx, u)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	slog.Info("load test complete",
		"success_requests", r.requestsSuccess.Load(),
		"error_requests", r.requestsError.Load(),
	)
}

func loadConfig() config {
	return config{
		IdentityBase:            trimRightSlash(env.String("LOADGEN_IDENTITY_BASE", "http://identity-api:8080")),
		TrackerBase:             trimRightSlash(env.String("LOADGEN_TRACKER_BASE", "http://task-tracker:8081")),
		Users:                   env.Int("LOADGEN_USERS", 200),
		SetupConcurrency:        env.Int("LOADGEN_SETUP_CONCURRENCY", 25),
		StartupWait:             env.Duration("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		ReplicationWait:         env.Duration("LOADGEN_REPLICATION_WAIT", 30*time.Second),
		Duration:                env.Duration("LOADGEN_DURATION", 10*time.Minute),
		RampUp:                  env.Duration("LOADGEN_RAMP_UP", 30*time.Second),
		ActionsPerUserPerSecond: env.Float("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.3),
		ReassignEvery:           env.Duration("LOADGEN_REASSIGN_EVERY", time.Minute),
		RequestTimeout:          env.Duration("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:             env.String("LOADGEN_METRICS_ADDR", ":9099"),
		Password:                env.String("LOADGEN_PASSWORD", "load-test-pass-123"),
		AdminEmail:              env.String("LOADGEN_ADMIN_EMAIL", ""),
	}
}

func (r *runner) waitForDependencies(ctx context.Context) error {
	for name, base := range map[string]string{"identity-api": r.cfg.IdentityBase, "task-tracker": r.cfg.TrackerBase} {
		if err := r.waitForHTTPStatus(ctx, base+"/readyz", http.StatusOK, r.cfg.StartupWait); err != nil {
			return fmt.Errorf("%s not ready: %w", name, err)
		}
	}
	return nil
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastErr := errors.New("timeout")
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == expectedStatus {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err
		time.Sleep(1200 * time.Millisecond)
	}
	return lastErr
}

func (r *runner) setupUsers(ctx context.Context) []*simulatedUser {
	var (
		mu    sync.Mutex
		users = make([]*simulatedUser, 0, r.cfg.Users)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SetupConcurrency)
	for i := range r.cfg.Users {
		g.Go(func() error {
			u, err := r.setupSingleUser(gctx, i)
			if err != nil {
				slog.Warn("user setup failed", "index", i, "error", err)
				return nil
			}
			mu.Lock()
			users = append(users, u)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("user setup complete", "success", len(users), "failed", r.cfg.Users-len(users))
	return users
}

// setupSingleUser registers, logs in and waits until the task-tracker has
// replicated the account.
func (r *runner) setupSingleUser(ctx context.Context, idx int) (*simulatedUser, error) {
	u := &simulatedUser{Index: idx, Email: fmt.Sprintf("load-%s-%04d@example.com", r.runID, idx)}

	var reg struct {
		PublicID string `json:"public_id"`
	}
	if _, err := r.requestJSON(ctx, "register", http.MethodPost, r.cfg.IdentityBase+"/register", "", map[string]string{
		"email":    u.Email,
		"username": fmt.Sprintf("load-%04d", idx),
		"password": r.cfg.Password,
	}, &reg, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("register %s: %w", u.Email, err)
	}
	u.PublicID = reg.PublicID

	token, err := r.login(ctx, u.Email)
	if err != nil {
		return nil, err
	}
	u.Token = token

	deadline := time.Now().Add(r.cfg.ReplicationWait)
	for time.Now().Before(deadline) {
		status, _ := r.requestJSON(ctx, "list_tasks", http.MethodGet, r.cfg.TrackerBase+"/tasks", u.Token, nil, nil, http.StatusOK, http.StatusForbidden)
		if status == http.StatusOK {
			return u, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("user %s not replicated within %s", u.Email, r.cfg.ReplicationWait)
}

func (r *runner) login(ctx context.Context, email string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if _, err := r.requestJSON(ctx, "login", http.MethodPost, r.cfg.IdentityBase+"/login", "", map[string]string{
		"email":    email,
		"password": r.cfg.Password,
	}, &resp, http.StatusOK); err != nil {
		return "", fmt.Errorf("login %s: %w", email, err)
	}
	if strings.TrimSpace(resp.Token) == "" {
		return "", fmt.Errorf("empty token for %s", email)
	}
	return resp.Token, nil
}

func (r *runner) runUser(ctx context.Context, u *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(max(r.cfg.Users, 1)) * float64(u.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	virtualUsers.Add(1)
	r.activeVUs.Add(1)
	defer virtualUsers.Add(-1)
	defer r.activeVUs.Add(-1)

	interval := max(time.Duration(float64(time.Second)/r.cfg.ActionsPerUserPerSecond), 25*time.Millisecond)
	select {
	case <-ctx.Done():
		return
	case <-time.After(rand.N(interval)):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, u)
		}
	}
}

func (r *runner) runAction(ctx context.Context, u *simulatedUser) {
	if rand.Float64() < 0.6 {
		r.createTask(ctx, u)
		return
	}
	r.completeOwnTask(ctx, u)
}

func (r *runner) createTask(ctx context.Context, u *simulatedUser) {
	_, err := r.requestJSON(ctx, "create_task", http.MethodPost, r.cfg.TrackerBase+"/tasks", u.Token, map[string]string{
		"title":       fmt.Sprintf("Load Task %d", rand.IntN(1_000_000)),
		"description": "generated",
	}, nil, http.StatusCreated)
	recordAction("create", err)
}

func (r *runner) completeOwnTask(ctx context.Context, u *simulatedUser) {
	var list struct {
		Tasks []task `json:"tasks"`
	}
	if _, err := r.requestJSON(ctx, "list_tasks", http.MethodGet, r.cfg.TrackerBase+"/tasks", u.Token, nil, &list, http.StatusOK); err != nil {
		recordAction("complete", err)
		return
	}
	open := slices.DeleteFunc(list.Tasks, func(t task) bool { return t.Status != "in-progress" })
	if len(open) == 0 {
		r.createTask(ctx, u)
		return
	}
	target := open[rand.IntN(len(open))]
	_, err := r.requestJSON(ctx, "complete_task", http.MethodPatch, r.cfg.TrackerBase+"/tasks/"+target.PublicID, u.Token,
		map[string]string{"status": "completed"}, nil, http.StatusOK)
	recordAction("complete", err)
}

// runReassigner shuffles open tasks periodically as the configured admin.
func (r *runner) runReassigner(ctx context.Context) {
	token, err := r.login(ctx, r.cfg.AdminEmail)
	if err != nil {
		slog.Warn("reassigner disabled", "error", err)
		return
	}
	ticker := time.NewTicker(r.cfg.ReassignEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := r.requestJSON(ctx, "reassign", http.MethodPost, r.cfg.TrackerBase+"/tasks/reassign", token, nil, nil, http.StatusOK)
			recordAction("reassign", err)
		}
	}
}

func recordAction(action string, err error) {
	if err != nil {
		actionsTotal.Inc(action, "error")
		return
	}
	actionsTotal.Inc(action, "success")
}

func (r *runner) requestJSON(
	ctx context.Context,
	endpoint, method, requestURL, bearerToken string,
	payload any,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		requestsTotal.Inc(endpoint, method, "0", "error")
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	statusText := strconv.Itoa(resp.StatusCode)
	if err != nil {
		requestsTotal.Inc(endpoint, method, statusText, "error")
		r.requestsError.Add(1)
		return resp.StatusCode, err
	}

	if slices.Contains(expectedStatuses, resp.StatusCode) {
		requestsTotal.Inc(endpoint, method, statusText, "success")
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.Inc(endpoint, method, statusText, "error")
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("progress",
				"success_requests", r.requestsSuccess.Load(),
				"error_requests", r.requestsError.Load(),
				"active_vus", r.activeVUs.Load(),
			)
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("load generator metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("load generator metrics server failed", "error", err)
	}
}

func trimRightSlash(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
