package tracing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/logging"
	"github.com/GriffinCanCode/bundlemanager/internal/shared/id"
)

// Propagation headers.
const (
	TraceHeader = "X-Trace-ID"
	SpanHeader  = "X-Span-ID"
)

const bufferSize = 1000

// TraceID represents a unique trace identifier
type TraceID string

// SpanID represents a unique span identifier
type SpanID string

// Span represents a single operation in a trace
type Span struct {
	TraceID    TraceID
	SpanID     SpanID
	ParentID   SpanID
	Name       string
	Service    string
	StartTime  time.Time
	Duration   time.Duration
	Tags       map[string]string
	Error      error
	StatusCode int
}

// Tracer creates spans and logs them once submitted.
type Tracer struct {
	service string
	logger  *zap.Logger
	ids     *id.Generator
	now     func() time.Time

	spans chan *Span
	done  chan struct{}
	once  sync.Once
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithIDs sets the span id generator.
func WithIDs(g *id.Generator) Option { return func(t *Tracer) { t.ids = g } }

// WithClock sets the span clock.
func WithClock(now func() time.Time) Option { return func(t *Tracer) { t.now = now } }

// New creates a tracer and starts its collector.
func New(service string, logger *zap.Logger, opts ...Option) *Tracer {
	t := &Tracer{
		service: service,
		logger:  logging.OrNop(logger).Named("trace"),
		ids:     id.Default(),
		now:     time.Now,
		spans:   make(chan *Span, bufferSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.collectSpans()
	return t
}

// StartSpan creates a span that continues the trace in ctx, or starts one.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = TraceID(t.ids.GenerateString())
	}

	span := &Span{
		TraceID:   traceID,
		SpanID:    SpanID(t.ids.GenerateString()),
		ParentID:  GetSpanID(ctx),
		Name:      name,
		Service:   t.service,
		StartTime: t.now(),
		Tags:      make(map[string]string),
	}

	ctx = context.WithValue(ctx, traceIDKey, traceID)
	ctx = context.WithValue(ctx, spanIDKey, span.SpanID)
	return span, ctx
}

// Finish records the span duration and submits it.
func (t *Tracer) Finish(span *Span) {
	span.Duration = t.now().Sub(span.StartTime)
	t.submit(span)
}

// SetTag adds a tag to the span
func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError records an error in the span
func (s *Span) SetError(err error) {
	s.Error = err
}

// SetStatus sets the HTTP status code
func (s *Span) SetStatus(code int) {
	s.StatusCode = code
}

func (t *Tracer) submit(span *Span) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.spans <- span:
	default:
		t.logger.Warn("span buffer full, dropping span",
			zap.String("trace_id", string(span.TraceID)),
			zap.String("span_id", string(span.SpanID)),
		)
	}
}

// Close stops the collector after draining the buffered spans.
func (t *Tracer) Close() {
	t.once.Do(func() {
		close(t.done)
	})
}

func (t *Tracer) collectSpans() {
	for {
		select {
		case span := <-t.spans:
			t.processSpan(span)
		case <-t.done:
			for {
				select {
				case span := <-t.spans:
					t.processSpan(span)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracer) processSpan(span *Span) {
	fields := []zap.Field{
		zap.String("trace_id", string(span.TraceID)),
		zap.String("span_id", string(span.SpanID)),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
		zap.Int("status", span.StatusCode),
	}
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(span.ParentID)))
	}
	for k, v := range span.Tags {
		fields = append(fields, zap.String(k, v))
	}

	if span.Error != nil {
		fields = append(fields, zap.Error(span.Error))
		t.logger.Error("span completed with error", fields...)
		return
	}
	t.logger.Debug("span completed", fields...)
}

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// WithTrace seeds ctx with a propagated trace context.
func WithTrace(ctx context.Context, traceID TraceID, parent SpanID) context.Context {
	if traceID != "" {
		ctx = context.WithValue(ctx, traceIDKey, traceID)
	}
	if parent != "" {
		ctx = context.WithValue(ctx, spanIDKey, parent)
	}
	return ctx
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) TraceID {
	traceID, _ := ctx.Value(traceIDKey).(TraceID)
	return traceID
}

// GetSpanID retrieves the span ID from context
func GetSpanID(ctx context.Context) SpanID {
	spanID, _ := ctx.Value(spanIDKey).(SpanID)
	return spanID
}
