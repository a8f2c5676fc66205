// Package tracing provides in-process spans carried on a context. A root
// span wraps one guarded unit of work; children time the provider calls made
// under it. Finished trees are written to slog.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey struct{}

type Span struct {
	Name      string
	TraceID   string
	SpanID    string
	ParentID  string
	StartTime time.Time
	Duration  time.Duration
	Err       error

	mu       sync.Mutex
	attrs    []slog.Attr
	children []*Span
	ended    bool
}

func NewTraceID() string {
	return uuid.NewString()
}

func newSpanID() string {
	id := uuid.New()
	return id.String()[:8]
}

// StartSpan opens a root span. An empty traceID gets a fresh one.
func StartSpan(ctx context.Context, name string, traceID string) (context.Context, *Span) {
	if traceID == "" {
		traceID = NewTraceID()
	}
	span := &Span{Name: name, TraceID: traceID, SpanID: newSpanID(), StartTime: time.Now()}
	return context.WithValue(ctx, contextKey{}, span), span
}

// StartChildSpan opens a span under the one in ctx, or a detached span with
// a fresh trace id when ctx carries none.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	if parent == nil {
		return StartSpan(ctx, name, "")
	}
	child := &Span{
		Name:      name,
		TraceID:   parent.TraceID,
		SpanID:    newSpanID(),
		ParentID:  parent.SpanID,
		StartTime: time.Now(),
	}
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()
	return context.WithValue(ctx, contextKey{}, child), child
}

// End fixes the span's duration. Later calls are ignored.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.Duration = time.Since(s.StartTime)
}

func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, slog.Any(key, value))
	s.mu.Unlock()
}

// SetError marks the span failed. A nil err is ignored.
func (s *Span) SetError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}

func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(contextKey{}).(*Span)
	return span
}

// Log writes the span and its children depth-first to log, or to the
// default logger when log is nil. Failed spans log at warn level.
func (s *Span) Log(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	s.log(context.Background(), log, 0)
}

func (s *Span) log(ctx context.Context, log *slog.Logger, depth int) {
	s.mu.Lock()
	attrs := []slog.Attr{
		slog.String("trace_id", s.TraceID),
		slog.String("span_id", s.SpanID),
		slog.String("span", s.Name),
		slog.Int64("duration_ms", s.Duration.Milliseconds()),
		slog.Int("depth", depth),
	}
	if s.ParentID != "" {
		attrs = append(attrs, slog.String("parent_id", s.ParentID))
	}
	attrs = append(attrs, s.attrs...)
	level := slog.LevelInfo
	if s.Err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", s.Err.Error()))
	}
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	log.LogAttrs(ctx, level, "span", attrs...)
	for _, child := range children {
		child.log(ctx, log, depth+1)
	}
}
