package notify

import (
	"sync"

	"github.com/sirupsen/logrus"

	"qms/queue-engine/internal/telemetry"
)

type subscriber struct {
	id         uint64
	queueID    string
	handler    Handler
	maxPending int
	logger     *logrus.Logger

	mu      sync.Mutex
	pending []Snapshot
	stopped bool

	// held for the duration of a handler call
	callMu sync.Mutex
	signal chan struct{}
	done   chan struct{}
}

func newSubscriber(id uint64, queueID string, handler Handler, maxPending int, logger *logrus.Logger) *subscriber {
	return &subscriber{
		id:         id,
		queueID:    queueID,
		handler:    handler,
		maxPending: maxPending,
		logger:     logger,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (s *subscriber) enqueue(snapshot Snapshot) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if len(s.pending) >= s.maxPending {
		s.pending = s.pending[1:]
		telemetry.NotifierDropped.Inc()
		s.logger.WithFields(logrus.Fields{
			"queue_id":   s.queueID,
			"subscriber": s.id,
		}).Warn("drop pending snapshot for slow subscriber")
	}
	s.pending = append(s.pending, snapshot)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.pending) == 0 {
		return Snapshot{}, false
	}
	snapshot := s.pending[0]
	s.pending[0] = Snapshot{}
	s.pending = s.pending[1:]
	return snapshot, true
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			snapshot, ok := s.next()
			if !ok {
				break
			}
			if !s.deliver(snapshot) {
				return
			}
		}
	}
}

func (s *subscriber) deliver(snapshot Snapshot) (ok bool) {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"queue_id":   s.queueID,
				"subscriber": s.id,
				"panic":      r,
			}).Error("subscriber handler panicked")
			ok = true
		}
	}()
	s.handler(snapshot)
	telemetry.NotifierDeliveries.Inc()
	return true
}

// stop prevents further deliveries and waits for an in-flight handler call.
func (s *subscriber) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.pending = nil
	s.mu.Unlock()
	close(s.done)

	s.callMu.Lock()
	s.callMu.Unlock()
}
