package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/tasksync/project/internal/platform/config"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// Setup installs the process-wide slog default for a service.
func Setup(cfg config.Config) {
	slog.SetDefault(New(cfg, os.Stdout))
}

func New(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.IsDevelopment() {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch {
	case cfg.IsProduction() && cfg.OTel.Enabled():
		handler = NewContextHandler(otelslog.NewHandler(
			cfg.OTel.ServiceName,
			otelslog.WithLoggerProvider(global.GetLoggerProvider()),
		))
	case cfg.IsProduction():
		handler = NewContextHandler(slog.NewJSONHandler(w, opts))
	default:
		handler = NewContextHandler(slog.NewTextHandler(w, opts))
	}
	return slog.New(handler).With("service", string(cfg.Service))
}

// ContextHandler adds trace ids and LogFields carried by the context to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}
	if fields.Topic != "" {
		r.AddAttrs(slog.String("topic", fields.Topic))
	}
	if fields.EventName != "" {
		r.AddAttrs(slog.String("event_name", fields.EventName))
	}
	if fields.EventID != "" {
		r.AddAttrs(slog.String("event_id", fields.EventID))
	}
	if fields.EntityID != "" {
		r.AddAttrs(slog.String("entity_id", fields.EntityID))
	}
	if fields.ActorID != "" {
		r.AddAttrs(slog.String("actor_id", fields.ActorID))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
