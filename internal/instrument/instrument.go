package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Instrumenter starts spans and emits one-shot business events. The engine
// pulls it out of the request context, so code that runs outside a traced
// request transparently gets the no-op variant.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

// Span is one timed operation inside a trace.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

// Event is one row bound for the _events table.
type Event struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id"`
	EventType    string         `json:"event_type"`
	Source       string         `json:"source"`
	Component    string         `json:"component"`
	Action       string         `json:"action"`
	Entity       *string        `json:"entity"`
	RecordID     *string        `json:"record_id"`
	UserID       *string        `json:"user_id"`
	DurationMs   *float64       `json:"duration_ms"`
	Status       *string        `json:"status"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

type ctxKey int

const (
	traceIDKey ctxKey = iota
	parentSpanIDKey
	instrumenterKey
	userIDKey
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

func WithParentSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, parentSpanIDKey, spanID)
}

func parentSpanID(ctx context.Context) string {
	v, _ := ctx.Value(parentSpanIDKey).(string)
	return v
}

func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the request's instrumenter, or a no-op one when
// tracing is off or the request was sampled out.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return nopTracer{}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func userIDFrom(ctx context.Context) *string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return &v
	}
	return nil
}

// Tracer is the live Instrumenter; finished spans land in the event buffer.
type Tracer struct {
	buffer *EventBuffer
}

func NewTracer(buffer *EventBuffer) *Tracer {
	return &Tracer{buffer: buffer}
}

// StartSpan opens a span under the context's current parent and rewires the
// context so nested spans hang off this one.
func (t *Tracer) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	s := &liveSpan{
		traceID:   GetTraceID(ctx),
		spanID:    uuid.New().String(),
		parentID:  parentSpanID(ctx),
		source:    source,
		component: component,
		action:    action,
		started:   time.Now(),
		metadata:  map[string]any{},
		userID:    userIDFrom(ctx),
		buffer:    t.buffer,
	}
	return WithParentSpanID(ctx, s.spanID), s
}

// EmitBusinessEvent records an application-level event with no duration.
func (t *Tracer) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	ev := Event{
		TraceID:   GetTraceID(ctx),
		SpanID:    uuid.New().String(),
		EventType: "business",
		Source:    "business",
		Component: "api",
		Action:    action,
		Metadata:  metadata,
		UserID:    userIDFrom(ctx),
	}
	if p := parentSpanID(ctx); p != "" {
		ev.ParentSpanID = &p
	}
	if entity != "" {
		ev.Entity = &entity
	}
	if recordID != "" {
		ev.RecordID = &recordID
	}
	t.buffer.Enqueue(ev)
}

type liveSpan struct {
	traceID   string
	spanID    string
	parentID  string
	source    string
	component string
	action    string
	started   time.Time
	buffer    *EventBuffer

	mu       sync.Mutex
	entity   *string
	recordID *string
	userID   *string
	status   *string
	metadata map[string]any
	ended    bool
}

func (s *liveSpan) TraceID() string { return s.traceID }
func (s *liveSpan) SpanID() string  { return s.spanID }

func (s *liveSpan) SetStatus(status string) {
	s.mu.Lock()
	s.status = &status
	s.mu.Unlock()
}

func (s *liveSpan) SetMetadata(key string, value any) {
	s.mu.Lock()
	if s.metadata == nil {
		s.metadata = map[string]any{}
	}
	s.metadata[key] = value
	s.mu.Unlock()
}

func (s *liveSpan) SetEntity(entity, recordID string) {
	s.mu.Lock()
	s.entity = &entity
	if recordID != "" {
		s.recordID = &recordID
	}
	s.mu.Unlock()
}

// End closes the span exactly once and hands it to the buffer.
func (s *liveSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	elapsed := float64(time.Since(s.started).Microseconds()) / 1000.0
	ev := Event{
		TraceID:    s.traceID,
		SpanID:     s.spanID,
		EventType:  "system",
		Source:     s.source,
		Component:  s.component,
		Action:     s.action,
		Entity:     s.entity,
		RecordID:   s.recordID,
		UserID:     s.userID,
		DurationMs: &elapsed,
		Status:     s.status,
		Metadata:   s.metadata,
	}
	if s.parentID != "" {
		ev.ParentSpanID = &s.parentID
	}
	s.buffer.Enqueue(ev)
}

// nopTracer and nopSpan absorb everything when tracing is disabled.
type nopTracer struct{}

func (nopTracer) StartSpan(ctx context.Context, _, _, _ string) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (nopTracer) EmitBusinessEvent(context.Context, string, string, string, map[string]any) {}

type nopSpan struct{}

func (nopSpan) End()                     {}
func (nopSpan) SetStatus(string)         {}
func (nopSpan) SetMetadata(string, any)  {}
func (nopSpan) SetEntity(string, string) {}
func (nopSpan) TraceID() string          { return "" }
func (nopSpan) SpanID() string           { return "" }
