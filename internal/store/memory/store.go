// Package memory is an in-process Store guarded by a single mutex. It backs
// tests and single-node deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

type Store struct {
	mu        sync.Mutex
	queues    map[string]*models.Queue
	items     map[string]*models.QueueItem
	byQueue   map[string][]string
	positions map[string]map[int64]string
	called    map[string]string
	events    map[string][]store.ItemEvent
	snapshots map[string]models.StatSnapshot
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		queues:    make(map[string]*models.Queue),
		items:     make(map[string]*models.QueueItem),
		byQueue:   make(map[string][]string),
		positions: make(map[string]map[int64]string),
		called:    make(map[string]string),
		events:    make(map[string][]store.ItemEvent),
		snapshots: make(map[string]models.StatSnapshot),
	}
}

func (s *Store) CreateQueue(ctx context.Context, input store.CreateQueueInput) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queueID := input.QueueID
	if queueID == "" {
		queueID = uuid.NewString()
	}
	if _, exists := s.queues[queueID]; exists {
		return models.Queue{}, fmt.Errorf("queue %s already exists", queueID)
	}
	minutes := input.EstimatedMinutesPerCustomer
	if minutes <= 0 {
		minutes = models.DefaultMinutesPerCustomer
	}
	queue := &models.Queue{
		QueueID:                     queueID,
		EstablishmentID:             input.EstablishmentID,
		Name:                        input.Name,
		Description:                 input.Description,
		EstimatedMinutesPerCustomer: minutes,
		Status:                      models.QueueActive,
		CreatedAt:                   input.CreatedAt,
		UpdatedAt:                   input.CreatedAt,
	}
	s.queues[queueID] = queue
	s.positions[queueID] = make(map[int64]string)
	return *queue, nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[queueID]
	if !ok {
		return models.Queue{}, fmt.Errorf("%w: queue %s", store.ErrNotFound, queueID)
	}
	return *queue, nil
}

func (s *Store) UpdateQueueStatus(ctx context.Context, queueID string, status models.QueueStatus, at time.Time) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[queueID]
	if !ok {
		return models.Queue{}, fmt.Errorf("%w: queue %s", store.ErrNotFound, queueID)
	}
	queue.Status = status
	queue.UpdatedAt = at
	return *queue, nil
}

// FindActiveQueue returns the most recently created active queue of the establishment.
func (s *Store) FindActiveQueue(ctx context.Context, establishmentID string) (models.Queue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Queue
	for _, queue := range s.queues {
		if queue.EstablishmentID != establishmentID || queue.Status != models.QueueActive {
			continue
		}
		if found == nil || queue.CreatedAt.After(found.CreatedAt) {
			found = queue
		}
	}
	if found == nil {
		return models.Queue{}, false, nil
	}
	return *found, true, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Queue, 0, len(s.queues))
	for _, queue := range s.queues {
		out = append(out, *queue)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].QueueID < out[j].QueueID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) NextPosition(ctx context.Context, queueID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[queueID]
	if !ok {
		return 0, fmt.Errorf("%w: queue %s", store.ErrNotFound, queueID)
	}
	queue.CurrentSequence++
	return queue.CurrentSequence, nil
}

func (s *Store) Insert(ctx context.Context, item models.QueueItem) (models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.Status != models.StatusWaiting {
		return models.QueueItem{}, fmt.Errorf("%w: insert requires waiting, got %s", store.ErrInvalidStatus, item.Status)
	}
	queue, ok := s.queues[item.QueueID]
	if !ok {
		return models.QueueItem{}, fmt.Errorf("%w: queue %s", store.ErrNotFound, item.QueueID)
	}
	if queue.Status != models.QueueActive {
		return models.QueueItem{}, fmt.Errorf("%w: queue %s is %s", store.ErrQueueNotActive, item.QueueID, queue.Status)
	}
	if item.ItemID == "" {
		item.ItemID = uuid.NewString()
	}
	if _, exists := s.items[item.ItemID]; exists {
		return models.QueueItem{}, fmt.Errorf("%w: item %s already exists", store.ErrDuplicatePosition, item.ItemID)
	}
	if _, used := s.positions[item.QueueID][item.Position]; used {
		return models.QueueItem{}, fmt.Errorf("%w: position %d in queue %s", store.ErrDuplicatePosition, item.Position, item.QueueID)
	}

	event, err := store.NextItemEvent(nil, item, models.EventItemAdmitted, item.EnqueuedAt)
	if err != nil {
		return models.QueueItem{}, err
	}

	stored := item.Clone()
	s.items[item.ItemID] = &stored
	s.byQueue[item.QueueID] = append(s.byQueue[item.QueueID], item.ItemID)
	s.positions[item.QueueID][item.Position] = item.ItemID
	s.events[item.ItemID] = []store.ItemEvent{event}
	queue.CustomersWaiting++
	if item.Position > queue.CurrentSequence {
		queue.CurrentSequence = item.Position
	}
	queue.UpdatedAt = item.EnqueuedAt
	return stored.Clone(), nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return models.QueueItem{}, fmt.Errorf("%w: item %s", store.ErrNotFound, itemID)
	}
	return item.Clone(), nil
}

func (s *Store) FindOldestWaiting(ctx context.Context, queueID string) (models.QueueItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *models.QueueItem
	for _, id := range s.byQueue[queueID] {
		item := s.items[id]
		if item.Status != models.StatusWaiting {
			continue
		}
		if oldest == nil || item.Position < oldest.Position {
			oldest = item
		}
	}
	if oldest == nil {
		return models.QueueItem{}, false, nil
	}
	return oldest.Clone(), true, nil
}

func (s *Store) FindCalled(ctx context.Context, queueID string) (models.QueueItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.called[queueID]
	if !ok {
		return models.QueueItem{}, false, nil
	}
	return s.items[id].Clone(), true, nil
}

func (s *Store) Transition(ctx context.Context, input store.TransitionInput) (models.QueueItem, error) {
	if !store.ValidTransition(input.From, input.To) {
		return models.QueueItem{}, fmt.Errorf("%w: %s -> %s", store.ErrInvalidStatus, input.From, input.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[input.ItemID]
	if !ok {
		return models.QueueItem{}, fmt.Errorf("%w: item %s", store.ErrNotFound, input.ItemID)
	}
	if item.Status != input.From {
		return models.QueueItem{}, fmt.Errorf("%w: item %s is %s, expected %s", store.ErrStaleTransition, item.ItemID, item.Status, input.From)
	}
	if input.To == models.StatusCalled {
		if current, busy := s.called[item.QueueID]; busy && current != item.ItemID {
			return models.QueueItem{}, fmt.Errorf("%w: item %s already called", store.ErrQueueBusy, current)
		}
	}

	next := item.Clone()
	store.ApplyTransition(&next, input.To, input.At)
	history := s.events[item.ItemID]
	var prev *store.ItemEvent
	if len(history) > 0 {
		prev = &history[len(history)-1]
	}
	event, err := store.NextItemEvent(prev, next, eventType(input.To), input.At)
	if err != nil {
		return models.QueueItem{}, err
	}

	*item = next
	s.events[item.ItemID] = append(history, event)
	queue := s.queues[item.QueueID]
	switch input.To {
	case models.StatusCalled:
		s.called[item.QueueID] = item.ItemID
		queue.CustomersWaiting--
	case models.StatusCompleted:
		delete(s.called, item.QueueID)
		queue.CustomersAttended++
	case models.StatusAbandoned:
		queue.CustomersWaiting--
		queue.CustomersAbandoned++
	}
	queue.UpdatedAt = input.At
	return item.Clone(), nil
}

func (s *Store) ListByStatus(ctx context.Context, queueID string, status models.ItemStatus) ([]models.QueueItem, error) {
	return s.list(queueID, func(item *models.QueueItem) bool { return item.Status == status }), nil
}

func (s *Store) ListActive(ctx context.Context, queueID string) ([]models.QueueItem, error) {
	return s.list(queueID, func(item *models.QueueItem) bool { return !item.Status.IsTerminal() }), nil
}

func (s *Store) ListItemEvents(ctx context.Context, itemID string) ([]store.ItemEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, ok := s.events[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: item %s", store.ErrNotFound, itemID)
	}
	out := make([]store.ItemEvent, len(history))
	copy(out, history)
	return out, nil
}

func (s *Store) ListCompletedBetween(ctx context.Context, queueID string, from, to time.Time) ([]models.QueueItem, error) {
	return s.list(queueID, func(item *models.QueueItem) bool {
		return item.Status == models.StatusCompleted && within(item.CompletedAt, from, to)
	}), nil
}

func (s *Store) ListAbandonedBetween(ctx context.Context, queueID string, from, to time.Time) ([]models.QueueItem, error) {
	return s.list(queueID, func(item *models.QueueItem) bool {
		return item.Status == models.StatusAbandoned && within(item.AbandonedAt, from, to)
	}), nil
}

func (s *Store) list(queueID string, match func(*models.QueueItem) bool) []models.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.QueueItem, 0)
	for _, id := range s.byQueue[queueID] {
		item := s.items[id]
		if match(item) {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func within(t *time.Time, from, to time.Time) bool {
	return t != nil && !t.Before(from) && t.Before(to)
}

func eventType(to models.ItemStatus) string {
	switch to {
	case models.StatusCalled:
		return models.EventItemCalled
	case models.StatusCompleted:
		return models.EventItemCompleted
	case models.StatusAbandoned:
		return models.EventItemAbandoned
	}
	return string(to)
}
