package log

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
)

type slogKeyT struct{}

var slogKey slogKeyT

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a context carrying attrs, they are added to every
// record logged with it.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(slogKey).([]slog.Attr)
	// contexts derived from the same parent must not share the backing array
	a = append(slices.Clip(a), attrs...)
	return context.WithValue(ctx, slogKey, a)
}

func New(verbose bool) *slog.Logger {
	return NewWriter(os.Stderr, verbose)
}

func NewWriter(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	ctxHandler := NewContextHandler(base)
	return slog.New(ctxHandler)
}

// teeHandler sends every record to all handlers enabled for its level.
type teeHandler []slog.Handler

// Tee returns a handler duplicating records to all handlers.
func Tee(handlers ...slog.Handler) slog.Handler {
	return teeHandler(slices.Clone(handlers))
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	ret := make(teeHandler, len(t))
	for i, h := range t {
		ret[i] = h.WithAttrs(attrs)
	}
	return ret
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	ret := make(teeHandler, len(t))
	for i, h := range t {
		ret[i] = h.WithGroup(name)
	}
	return ret
}

// DebugFile is a debug level JSON log written to a file.
type DebugFile struct {
	f       *os.File
	handler slog.Handler
}

// OpenDebugFile creates or truncates path.
func OpenDebugFile(path string) (*DebugFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DebugFile{
		f: f,
		handler: NewContextHandler(slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})),
	}, nil
}

func (d *DebugFile) Handler() slog.Handler {
	return d.handler
}

// Logger returns a logger writing to both base and the file.
func (d *DebugFile) Logger(base *slog.Logger) *slog.Logger {
	return slog.New(Tee(base.Handler(), d.handler))
}

func (d *DebugFile) Close() error {
	return d.f.Close()
}
