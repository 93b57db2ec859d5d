package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tasksync/project/internal/app/ledger"
	"github.com/tasksync/project/internal/messaging"
	"github.com/tasksync/project/internal/platform/bootstrap"
	"github.com/tasksync/project/internal/platform/config"
	"github.com/tasksync/project/internal/platform/httpx"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("task-ledger stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, config.ServiceTaskLedger)
	if err != nil {
		return err
	}
	defer rt.Close()

	var repo ledger.Repository = ledger.NewMemoryRepository()
	if rt.Pool != nil {
		pg := ledger.NewPostgresRepository(rt.Pool)
		if err := rt.EnsureSchema(ctx, pg.EnsureSchema); err != nil {
			return err
		}
		repo = pg
	}

	service := ledger.NewService(repo)
	router := messaging.NewRouter()
	service.Register(router)
	consumer := rt.Consumer(ledger.Topics, router)

	cfg := rt.Config
	handler := httpx.OpsMux(ledger.NewHandler(service, cfg.AllowedOrigin).Router(), rt.Checks...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return httpx.Serve(gctx, cfg.HTTPAddr, handler, cfg.ShutdownTimeout) })
	return g.Wait()
}
