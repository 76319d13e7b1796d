package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
)

// Handler is a slog.Handler that sends every record to the OTel log bridge
// and to the wrapped handler. The wrapped handler's level decides what is
// emitted on both paths.
type Handler struct {
	next slog.Handler
	otel slog.Handler
}

// NewHandler wraps next so that records are also emitted through lp.
func NewHandler(next slog.Handler, lp otellog.LoggerProvider) *Handler {
	return &Handler{
		next: next,
		otel: otelslog.NewHandler(DefaultServiceName, otelslog.WithLoggerProvider(lp)),
	}
}

// Enabled defers to the wrapped handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle emits r to OTel, then passes it on.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.otel.Enabled(ctx, r.Level) {
		_ = h.otel.Handle(ctx, r.Clone())
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs), otel: h.otel.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{next: h.next.WithGroup(name), otel: h.otel.WithGroup(name)}
}
