package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent = "component"
	KeyUserID    = "userId"
	KeyEvent     = "event"
	KeyReason    = "reason"
	KeyError     = "error"
)

// switchableHandler lets package-level loggers created before Init()
// dynamically pick up the configured handler once Init runs.
type switchableHandler struct {
	state  *switchableState
	attrs  []slog.Attr
	groups []string
}

// handlerBox wraps the handler so the atomic.Value always stores the same
// concrete type even when Init swaps between text and JSON handlers.
type handlerBox struct {
	h slog.Handler
}

type switchableState struct {
	current atomic.Value // stores handlerBox
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	state := &switchableState{}
	state.current.Store(handlerBox{h: h})
	return &switchableHandler{state: state}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.state.current.Store(handlerBox{h: handler})
}

func (h *switchableHandler) materialize() slog.Handler {
	handler := h.state.current.Load().(handlerBox).h
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.materialize().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.materialize().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	groups := make([]string, len(h.groups))
	copy(groups, h.groups)

	return &switchableHandler{state: h.state, attrs: merged, groups: groups}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	attrs := make([]slog.Attr, len(h.attrs))
	copy(attrs, h.attrs)

	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)

	return &switchableHandler{state: h.state, attrs: attrs, groups: groups}
}

var (
	rootHandler   = newSwitchableHandler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	defaultLogger = slog.New(rootHandler)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init initializes the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stdout)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootHandler.set(handler)
	defaultLogger = slog.New(rootHandler)
	slog.SetDefault(defaultLogger)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithUser returns a child logger with the user correlation field attached.
func WithUser(logger *slog.Logger, userID string) *slog.Logger {
	return logger.With(slog.String(KeyUserID, userID))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
