package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tasksync/project/internal/app/replica"
	"github.com/tasksync/project/internal/app/tasks"
	"github.com/tasksync/project/internal/messaging"
	"github.com/tasksync/project/internal/platform/auth"
	"github.com/tasksync/project/internal/platform/bootstrap"
	"github.com/tasksync/project/internal/platform/config"
	"github.com/tasksync/project/internal/platform/httpx"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("task-tracker stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, config.ServiceTaskTracker)
	if err != nil {
		return err
	}
	defer rt.Close()

	var (
		users replica.Store    = replica.NewMemoryStore()
		repo  tasks.Repository = tasks.NewMemoryRepository()
	)
	if rt.Pool != nil {
		pgUsers := replica.NewPostgresStore(rt.Pool)
		pgTasks := tasks.NewPostgresRepository(rt.Pool)
		if err := rt.EnsureSchema(ctx, pgUsers.EnsureSchema, pgTasks.EnsureSchema); err != nil {
			return err
		}
		users, repo = pgUsers, pgTasks
	}

	router := messaging.NewRouter()
	replica.Register(router, replica.NewApplier(users))
	consumer := rt.Consumer(replica.Topics, router)

	cfg := rt.Config
	service := tasks.NewService(repo, users, rt.Publisher())
	authn := auth.Authenticator{
		Tokens:   auth.NewManager(cfg.JWTSecret, cfg.JWTTTL),
		Resolver: replica.Resolver{Store: users},
	}
	handler := httpx.OpsMux(tasks.NewHandler(service, authn, cfg.AllowedOrigin).Router(), rt.Checks...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return httpx.Serve(gctx, cfg.HTTPAddr, handler, cfg.ShutdownTimeout) })
	return g.Wait()
}
