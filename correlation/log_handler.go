package correlation

import (
	"context"
	"log/slog"
)

// LogHandler decorates a slog.Handler so every record logged with a context
// carrying a correlation context gets a "tracing" group. The inbound message
// is only attached at debug and error level.
type LogHandler struct {
	next slog.Handler
}

var _ slog.Handler = (*LogHandler)(nil)

// NewLogHandler wraps next
func NewLogHandler(next slog.Handler) *LogHandler {
	return &LogHandler{next: next}
}

// Enabled implements slog.Handler
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	c, ok := Current(ctx)
	if !ok || c.IsZero() {
		return h.next.Handle(ctx, r)
	}

	attrs := make([]any, 0, 5)
	if c.CorrelationID != "" {
		attrs = append(attrs, slog.String(HeaderCorrelationID, c.CorrelationID))
	}
	if c.CausationID != "" {
		attrs = append(attrs, slog.String(HeaderCausationID, c.CausationID))
	}
	if c.MessageID != "" {
		attrs = append(attrs, slog.String(HeaderMessageID, c.MessageID))
	}
	if c.TenantID != "" {
		attrs = append(attrs, slog.String(HeaderTenantID, c.TenantID))
	}
	if c.InputMessage != nil && (r.Level <= slog.LevelDebug || r.Level >= slog.LevelError) {
		attrs = append(attrs, slog.Any("input-message", c.InputMessage))
	}

	r = r.Clone()
	r.AddAttrs(slog.Group("tracing", attrs...))
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{next: h.next.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler
func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{next: h.next.WithGroup(name)}
}
