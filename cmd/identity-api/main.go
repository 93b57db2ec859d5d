package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tasksync/project/internal/app/identity"
	"github.com/tasksync/project/internal/platform/auth"
	"github.com/tasksync/project/internal/platform/bootstrap"
	"github.com/tasksync/project/internal/platform/config"
	"github.com/tasksync/project/internal/platform/httpx"
)

func main() {
	if err := run(); err != nil {
		slog.Error("identity-api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, config.ServiceIdentity)
	if err != nil {
		return err
	}
	defer rt.Close()

	var repo identity.Repository = identity.NewMemoryRepository()
	if rt.Pool != nil {
		pg := identity.NewPostgresRepository(rt.Pool)
		if err := rt.EnsureSchema(ctx, pg.EnsureSchema); err != nil {
			return err
		}
		repo = pg
	}

	cfg := rt.Config
	service := identity.NewService(repo, auth.NewManager(cfg.JWTSecret, cfg.JWTTTL), rt.Publisher())
	service.AdminEmails = cfg.AdminEmails

	handler := httpx.OpsMux(identity.NewHandler(service, cfg.AllowedOrigin).Router(), rt.Checks...)
	return httpx.Serve(ctx, cfg.HTTPAddr, handler, cfg.ShutdownTimeout)
}
