// Package engine implements the queue lifecycle: admission, calling the next
// customer, completion and abandonment, plus queue administration.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/telemetry"
)

const DefaultMaxCallAttempts = 5

// Publisher receives a signal after every successful mutation of a queue.
type Publisher interface {
	Publish(ctx context.Context, queueID string) error
}

type StatsRecorder interface {
	RecordCompletion(ctx context.Context, item models.QueueItem) error
	RecordAbandonment(ctx context.Context, item models.QueueItem) error
}

// EventSink accepts lifecycle events. Emit must not block.
type EventSink interface {
	Emit(event models.Event)
}

type Store interface {
	store.QueueStore
	store.ItemStore
}

type Options struct {
	MaxCallAttempts int
	Logger          *logrus.Logger
	Tracer          trace.Tracer
	Now             func() time.Time
}

type Engine struct {
	store           Store
	allocator       store.SequenceAllocator
	publisher       Publisher
	stats           StatsRecorder
	events          EventSink
	maxCallAttempts int
	logger          *logrus.Logger
	tracer          trace.Tracer
	now             func() time.Time
}

func New(st Store, allocator store.SequenceAllocator, publisher Publisher, stats StatsRecorder, events EventSink, opts Options) *Engine {
	if opts.MaxCallAttempts <= 0 {
		opts.MaxCallAttempts = DefaultMaxCallAttempts
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("qms/queue-engine/engine")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if stats == nil {
		stats = nopStats{}
	}
	if events == nil {
		events = nopEvents{}
	}
	return &Engine{
		store:           st,
		allocator:       allocator,
		publisher:       publisher,
		stats:           stats,
		events:          events,
		maxCallAttempts: opts.MaxCallAttempts,
		logger:          opts.Logger,
		tracer:          opts.Tracer,
		now:             opts.Now,
	}
}

// begin opens a span and returns the function that closes it and records the
// operation metrics.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		result := resultLabel(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("result", result))
		span.End()
		telemetry.EngineOperations.WithLabelValues(op, result).Inc()
		telemetry.EngineOperationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) notify(ctx context.Context, queueID string) {
	if err := e.publisher.Publish(ctx, queueID); err != nil {
		e.logger.WithError(err).WithField("queue_id", queueID).Warn("publish queue snapshot")
	}
}

func (e *Engine) emit(eventType string, queue models.Queue, item *models.QueueItem, at time.Time) {
	event := models.Event{
		EventID:         uuid.NewString(),
		Type:            eventType,
		QueueID:         queue.QueueID,
		EstablishmentID: queue.EstablishmentID,
		OccurredAt:      at,
	}
	if item != nil {
		cp := item.Clone()
		event.Item = &cp
		event.QueueID = item.QueueID
		event.EstablishmentID = item.EstablishmentID
	} else {
		event.QueueStatus = queue.Status
	}
	e.events.Emit(event)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrQueueNotActive):
		return "queue_not_active"
	case errors.Is(err, store.ErrInvalidCustomer):
		return "invalid_customer"
	case errors.Is(err, store.ErrQueueEmpty):
		return "queue_empty"
	case errors.Is(err, store.ErrQueueBusy):
		return "queue_busy"
	case errors.Is(err, store.ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, store.ErrStaleTransition):
		return "stale_transition"
	case errors.Is(err, store.ErrDuplicatePosition):
		return "duplicate_position"
	case errors.Is(err, store.ErrUnavailable):
		return "unavailable"
	}
	return "error"
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string) error { return nil }

type nopStats struct{}

func (nopStats) RecordCompletion(context.Context, models.QueueItem) error  { return nil }
func (nopStats) RecordAbandonment(context.Context, models.QueueItem) error { return nil }

type nopEvents struct{}

func (nopEvents) Emit(models.Event) {}
