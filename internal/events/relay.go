// Package events relays queue lifecycle events to a broker without holding up
// the operation that produced them.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/telemetry"
)

const (
	DefaultTopic      = "queue_events"
	DefaultBufferSize = 1024
	DefaultMaxTries   = 5
)

type RelayOptions struct {
	Topic      string
	BufferSize int
	MaxTries   uint
	// InitialInterval is the first retry delay; later delays grow exponentially.
	InitialInterval time.Duration
	Logger          *logrus.Logger
}

type Relay struct {
	producer Producer
	topic    string
	maxTries uint
	initial  time.Duration
	logger   *logrus.Logger
	ch       chan models.Event
	done     chan struct{}
}

func NewRelay(producer Producer, opts RelayOptions) *Relay {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = DefaultMaxTries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Relay{
		producer: producer,
		topic:    opts.Topic,
		maxTries: opts.MaxTries,
		initial:  opts.InitialInterval,
		logger:   opts.Logger,
		ch:       make(chan models.Event, opts.BufferSize),
		done:     make(chan struct{}),
	}
}

// Emit queues event for publishing. When the buffer is full the event is
// dropped and logged.
func (r *Relay) Emit(event models.Event) {
	select {
	case r.ch <- event:
	default:
		telemetry.EventsDropped.Inc()
		r.logger.WithFields(logrus.Fields{
			"queue_id": event.QueueID,
			"type":     event.Type,
		}).Warn("drop lifecycle event, relay buffer full")
	}
}

// Run publishes queued events until ctx is done, then flushes what is still
// buffered with a short deadline.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case event := <-r.ch:
			r.publish(ctx, event)
		}
	}
}

// Done is closed once Run has returned.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event := <-r.ch:
			r.publish(ctx, event)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, event models.Event) {
	value, err := json.Marshal(event)
	if err != nil {
		telemetry.EventsPublished.WithLabelValues("error").Inc()
		r.logger.WithError(err).WithField("type", event.Type).Error("encode lifecycle event")
		return
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.initial
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.producer.Publish(ctx, r.topic, event.QueueID, value)
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.WithError(err).WithField("retry_in", wait).Debug("retry lifecycle event publish")
		}),
	)
	if err != nil {
		telemetry.EventsPublished.WithLabelValues("error").Inc()
		r.logger.WithError(err).WithFields(logrus.Fields{
			"queue_id": event.QueueID,
			"type":     event.Type,
			"event_id": event.EventID,
		}).Error("publish lifecycle event")
		return
	}
	telemetry.EventsPublished.WithLabelValues("ok").Inc()
}

// LogSink writes lifecycle events to the log. It stands in for the relay when
// no broker is configured.
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) Emit(event models.Event) {
	s.Logger.WithFields(logrus.Fields{
		"queue_id": event.QueueID,
		"type":     event.Type,
		"event_id": event.EventID,
	}).Debug("lifecycle event")
}
