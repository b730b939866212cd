// Package logging wires log/slog for the daemon: a process-wide handler that
// Init can swap after configuration is loaded, component-tagged loggers, and
// an optional Forwarder that copies records to diagnostics subscribers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field names shared across packages.
const (
	KeyComponent = "component"
	KeyMonitor   = "monitor"
	KeyClient    = "client"
	KeyHz        = "hz"
	KeyStrategy  = "strategy"
	KeyError     = "error"
)

// scope is one With or WithGroup call, replayed onto whatever handler is
// installed when a record is handled.
type scope struct {
	group string
	attrs []slog.Attr
}

type rootHandler struct {
	base   *atomic.Pointer[slog.Handler]
	scopes []scope
}

func (h *rootHandler) resolve() slog.Handler {
	out := *h.base.Load()
	for _, s := range h.scopes {
		if s.group != "" {
			out = out.WithGroup(s.group)
		} else {
			out = out.WithAttrs(s.attrs)
		}
	}
	return out
}

func (h *rootHandler) with(s scope) *rootHandler {
	scopes := make([]scope, len(h.scopes), len(h.scopes)+1)
	copy(scopes, h.scopes)
	return &rootHandler{base: h.base, scopes: append(scopes, s)}
}

func (h *rootHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*h.base.Load()).Enabled(ctx, level)
}

func (h *rootHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(scope{attrs: attrs})
}

func (h *rootHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(scope{group: name})
}

func (h *rootHandler) Handle(ctx context.Context, record slog.Record) error {
	if fwd := forwarder.Load(); fwd != nil && fwd.ShouldForward(record.Level) {
		fwd.Enqueue(h.entry(record))
	}
	return h.resolve().Handle(ctx, record)
}

// entry flattens the scoped and record attributes. Groups are not kept.
func (h *rootHandler) entry(record slog.Record) Entry {
	fields := make(map[string]any, record.NumAttrs()+2)
	for _, s := range h.scopes {
		for _, a := range s.attrs {
			fields[a.Key] = a.Value.Any()
		}
	}
	record.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	component, _ := fields[KeyComponent].(string)
	delete(fields, KeyComponent)
	if component == "" {
		component = "unknown"
	}
	return Entry{
		Timestamp: record.Time,
		Level:     record.Level.String(),
		Component: component,
		Message:   record.Message,
		Fields:    fields,
	}
}

var (
	installed atomic.Pointer[slog.Handler]
	forwarder atomic.Pointer[Forwarder]
	root      = &rootHandler{base: &installed}
)

func init() {
	install(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(slog.New(root))
}

func install(h slog.Handler) {
	installed.Store(&h)
}

// Init installs the configured handler. format is "json" or "text", level is
// one of debug, info, warn or error. A nil output logs to stderr. Loggers
// obtained from L before Init pick up the new handler.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		install(slog.NewJSONHandler(output, opts))
		return
	}
	install(slog.NewTextHandler(output, opts))
}

// SetForwarder installs the forwarder that receives a copy of every record at
// or above its minimum level. nil detaches it.
func SetForwarder(f *Forwarder) {
	forwarder.Store(f)
}

// L returns a logger tagged with a component name.
func L(component string) *slog.Logger {
	return slog.New(root).With(slog.String(KeyComponent, component))
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

// ValidLevel reports whether Init understands s.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
