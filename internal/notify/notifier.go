// Package notify pushes full queue snapshots to subscribers. Each subscriber
// has its own goroutine and FIFO mailbox, so a slow handler delays only itself.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/telemetry"
)

const DefaultMaxPending = 256

var ErrClosed = errors.New("notifier closed")

type Snapshot struct {
	QueueID string             `json:"queue_id"`
	Items   []models.QueueItem `json:"items"`
	Seq     uint64             `json:"seq"`
	SentAt  time.Time          `json:"sent_at"`
}

type Handler func(Snapshot)

// Source loads the current non-terminal items of a queue ordered by position.
type Source interface {
	Snapshot(ctx context.Context, queueID string) ([]models.QueueItem, error)
}

type Options struct {
	MaxPending int
	Logger     *logrus.Logger
}

type Notifier struct {
	source     Source
	logger     *logrus.Logger
	maxPending int

	mu     sync.Mutex
	queues map[string]*queueSubs
	nextID uint64
	closed bool
}

type queueSubs struct {
	publishMu sync.Mutex
	seq       uint64
	subs      map[uint64]*subscriber
}

func New(source Source, opts Options) *Notifier {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Notifier{
		source:     source,
		logger:     opts.Logger,
		maxPending: opts.MaxPending,
		queues:     make(map[string]*queueSubs),
	}
}

// Subscribe registers handler for queueID and delivers the current snapshot
// before any later one. The returned function unsubscribes; it is idempotent
// and waits for an in-flight handler call, so it must not be called from
// inside the handler itself.
func (n *Notifier) Subscribe(ctx context.Context, queueID string, handler Handler) (func(), error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	q := n.queueLocked(queueID)
	n.nextID++
	id := n.nextID
	n.mu.Unlock()

	sub := newSubscriber(id, queueID, handler, n.maxPending, n.logger)

	q.publishMu.Lock()
	items, err := n.source.Snapshot(ctx, queueID)
	if err != nil {
		q.publishMu.Unlock()
		return nil, err
	}
	q.seq++
	sub.enqueue(Snapshot{QueueID: queueID, Items: items, Seq: q.seq, SentAt: time.Now().UTC()})
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		q.publishMu.Unlock()
		return nil, ErrClosed
	}
	q.subs[id] = sub
	n.mu.Unlock()
	q.publishMu.Unlock()

	go sub.run()
	telemetry.NotifierSubscribers.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(q.subs, id)
			n.mu.Unlock()
			sub.stop()
			telemetry.NotifierSubscribers.Dec()
		})
	}, nil
}

// Publish loads one snapshot and enqueues it to every current subscriber of
// queueID. Publishes of one queue are serialized, so every subscriber sees
// snapshots in the order the publishes happened.
func (n *Notifier) Publish(ctx context.Context, queueID string) error {
	n.mu.Lock()
	q, ok := n.queues[queueID]
	n.mu.Unlock()
	if !ok {
		return nil
	}

	q.publishMu.Lock()
	defer q.publishMu.Unlock()

	subs := n.subscribers(q)
	if len(subs) == 0 {
		return nil
	}
	items, err := n.source.Snapshot(ctx, queueID)
	if err != nil {
		n.logger.WithError(err).WithField("queue_id", queueID).Warn("load snapshot for publish")
		return err
	}
	q.seq++
	snapshot := Snapshot{QueueID: queueID, Items: items, Seq: q.seq, SentAt: time.Now().UTC()}
	for _, sub := range subs {
		sub.enqueue(snapshot.clone())
	}
	return nil
}

// Subscribers reports the number of live subscriptions for queueID.
func (n *Notifier) Subscribers(queueID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if q, ok := n.queues[queueID]; ok {
		return len(q.subs)
	}
	return 0
}

// Close stops every subscriber. Further Subscribe calls fail with ErrClosed.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	var all []*subscriber
	for _, q := range n.queues {
		for id, sub := range q.subs {
			all = append(all, sub)
			delete(q.subs, id)
		}
	}
	n.mu.Unlock()
	for _, sub := range all {
		sub.stop()
		telemetry.NotifierSubscribers.Dec()
	}
}

func (n *Notifier) queueLocked(queueID string) *queueSubs {
	q, ok := n.queues[queueID]
	if !ok {
		q = &queueSubs{subs: make(map[uint64]*subscriber)}
		n.queues[queueID] = q
	}
	return q
}

func (n *Notifier) subscribers(q *queueSubs) []*subscriber {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*subscriber, 0, len(q.subs))
	for _, sub := range q.subs {
		out = append(out, sub)
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	items := make([]models.QueueItem, len(s.Items))
	for i, item := range s.Items {
		items[i] = item.Clone()
	}
	s.Items = items
	return s
}
