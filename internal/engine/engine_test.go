package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/telemetry"
)

type recordingPublisher struct {
	mu     sync.Mutex
	queues []string
}

func (p *recordingPublisher) Publish(ctx context.Context, queueID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues = append(p.queues, queueID)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Emit(event models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Type)
	}
	return out
}

type fakeStats struct {
	completionFn  func(models.QueueItem) error
	abandonmentFn func(models.QueueItem) error
}

func (f fakeStats) RecordCompletion(ctx context.Context, item models.QueueItem) error {
	if f.completionFn == nil {
		return nil
	}
	return f.completionFn(item)
}

func (f fakeStats) RecordAbandonment(ctx context.Context, item models.QueueItem) error {
	if f.abandonmentFn == nil {
		return nil
	}
	return f.abandonmentFn(item)
}

// flakyStore lets a test intercept transitions before they reach the memory store.
type flakyStore struct {
	*memory.Store
	transitionFn func(store.TransitionInput) (models.QueueItem, bool, error)
}

func (f *flakyStore) Transition(ctx context.Context, input store.TransitionInput) (models.QueueItem, error) {
	if f.transitionFn != nil {
		if item, handled, err := f.transitionFn(input); handled {
			return item, err
		}
	}
	return f.Store.Transition(ctx, input)
}

type harness struct {
	engine    *engine.Engine
	store     *memory.Store
	publisher *recordingPublisher
	sink      *recordingSink
	queue     models.Queue
}

func newHarness(t *testing.T, st engine.Store, mem *memory.Store, stats engine.StatsRecorder) *harness {
	t.Helper()
	pub := &recordingPublisher{}
	sink := &recordingSink{}
	clock := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	eng := engine.New(st, mem, pub, stats, sink, engine.Options{Logger: telemetry.NopLogger(), Now: now})
	queue, err := eng.CreateQueue(context.Background(), engine.CreateQueueInput{EstablishmentID: "est-1", Name: "Front desk"})
	require.NoError(t, err)
	return &harness{engine: eng, store: mem, publisher: pub, sink: sink, queue: queue}
}

func newMemoryHarness(t *testing.T) *harness {
	mem := memory.New()
	return newHarness(t, mem, mem, nil)
}

func TestLifecycleScenario(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	q := h.queue.QueueID

	ana, err := h.engine.Admit(ctx, q, engine.CustomerInfo{DisplayName: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ana.Position)
	assert.Equal(t, models.StatusWaiting, ana.Status)

	bia, err := h.engine.Admit(ctx, q, engine.CustomerInfo{DisplayName: "Bia"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), bia.Position)

	called, err := h.engine.CallNext(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, ana.ItemID, called.ItemID)
	assert.Equal(t, models.StatusCalled, called.Status)

	_, err = h.engine.CallNext(ctx, q)
	assert.ErrorIs(t, err, store.ErrQueueBusy)

	done, err := h.engine.Complete(ctx, ana.ItemID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	queue, err := h.engine.GetQueue(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queue.CustomersAttended)

	next, err := h.engine.CallNext(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, bia.ItemID, next.ItemID)

	snapshot, err := h.engine.Snapshot(ctx, q)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, bia.ItemID, snapshot[0].ItemID)
	assert.Equal(t, models.StatusCalled, snapshot[0].Status)

	assert.Equal(t, 5, h.publisher.count())
	assert.Equal(t, []string{
		models.EventQueueCreated,
		models.EventItemAdmitted,
		models.EventItemAdmitted,
		models.EventItemCalled,
		models.EventItemCompleted,
		models.EventItemCalled,
	}, h.sink.types())
}

func TestAdmitValidation(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	_, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "   "})
	assert.ErrorIs(t, err, store.ErrInvalidCustomer)

	_, err = h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana", Phone: "12-34"})
	assert.ErrorIs(t, err, store.ErrInvalidCustomer)

	_, err = h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana", Email: "not an email"})
	assert.ErrorIs(t, err, store.ErrInvalidCustomer)

	_, err = h.engine.Admit(ctx, "missing", engine.CustomerInfo{DisplayName: "Ana"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	item, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "  Ana  ", Phone: "+55 (11) 99999-0000"})
	require.NoError(t, err)
	assert.Equal(t, "Ana", item.DisplayName)
	require.NotNil(t, item.Contact)
	assert.Equal(t, "5511999990000", item.Contact.Phone)

	queue, err := h.engine.GetQueue(ctx, h.queue.QueueID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queue.CustomersWaiting)
}

func TestAdmitRequiresActiveQueue(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	_, err := h.engine.SetQueueStatus(ctx, h.queue.QueueID, models.QueuePaused)
	require.NoError(t, err)
	_, err = h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana"})
	assert.ErrorIs(t, err, store.ErrQueueNotActive)

	_, err = h.engine.SetQueueStatus(ctx, h.queue.QueueID, models.QueueActive)
	require.NoError(t, err)
	_, err = h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana"})
	assert.NoError(t, err)

	_, err = h.engine.SetQueueStatus(ctx, h.queue.QueueID, "sleeping")
	assert.ErrorIs(t, err, engine.ErrInvalidQueue)
}

// pausingStore pauses the queue right after Admit has read it as active.
type pausingStore struct {
	*memory.Store
	armed bool
}

func (p *pausingStore) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	queue, err := p.Store.GetQueue(ctx, queueID)
	if err == nil && p.armed {
		p.armed = false
		_, err = p.Store.UpdateQueueStatus(ctx, queueID, models.QueuePaused, time.Now())
	}
	return queue, err
}

func TestAdmitRejectsQueuePausedBeforeInsert(t *testing.T) {
	mem := memory.New()
	st := &pausingStore{Store: mem}
	h := newHarness(t, st, mem, nil)
	ctx := context.Background()

	st.armed = true
	_, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana"})
	require.ErrorIs(t, err, store.ErrQueueNotActive)

	items, err := mem.ListActive(ctx, h.queue.QueueID)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Zero(t, h.publisher.count())
}

func TestConcurrentAdmitPositionsUnique(t *testing.T) {
	h := newMemoryHarness(t)
	const n = 100
	var wg sync.WaitGroup
	positions := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := h.engine.Admit(context.Background(), h.queue.QueueID, engine.CustomerInfo{DisplayName: "c"})
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			positions <- item.Position
		}()
	}
	wg.Wait()
	close(positions)

	seen := make(map[int64]bool)
	for pos := range positions {
		assert.False(t, seen[pos], "duplicate position %d", pos)
		seen[pos] = true
	}
	assert.Len(t, seen, n)
}

func TestConcurrentCallNextSingleWinner(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	for _, name := range []string{"Ana", "Bia", "Caio"} {
		_, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: name})
		require.NoError(t, err)
	}

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	winners := make(chan models.QueueItem, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := h.engine.CallNext(ctx, h.queue.QueueID)
			if err == nil {
				winners <- item
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	close(winners)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, store.ErrQueueBusy)
	}
	assert.Equal(t, 1, wins)
	winner := <-winners
	assert.Equal(t, int64(1), winner.Position)
}

func TestCallNextEmptyQueue(t *testing.T) {
	h := newMemoryHarness(t)
	_, err := h.engine.CallNext(context.Background(), h.queue.QueueID)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)
}

func TestCallNextRetriesStaleTransition(t *testing.T) {
	mem := memory.New()
	st := &flakyStore{Store: mem}
	h := newHarness(t, st, mem, nil)
	ctx := context.Background()

	ana, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana"})
	require.NoError(t, err)
	bia, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Bia"})
	require.NoError(t, err)

	// A competing caller claims Ana between lookup and transition, then
	// finishes with her before our retry runs.
	raced := false
	st.transitionFn = func(input store.TransitionInput) (models.QueueItem, bool, error) {
		if raced || input.ItemID != ana.ItemID {
			return models.QueueItem{}, false, nil
		}
		raced = true
		_, err := mem.Transition(ctx, store.TransitionInput{ItemID: ana.ItemID, From: models.StatusWaiting, To: models.StatusAbandoned, At: time.Now()})
		require.NoError(t, err)
		return models.QueueItem{}, true, store.ErrStaleTransition
	}

	called, err := h.engine.CallNext(ctx, h.queue.QueueID)
	require.NoError(t, err)
	assert.Equal(t, bia.ItemID, called.ItemID)
}

func TestCallNextGivesUpAfterMaxAttempts(t *testing.T) {
	mem := memory.New()
	st := &flakyStore{Store: mem}
	h := newHarness(t, st, mem, nil)
	ctx := context.Background()

	_, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana"})
	require.NoError(t, err)

	attempts := 0
	st.transitionFn = func(store.TransitionInput) (models.QueueItem, bool, error) {
		attempts++
		return models.QueueItem{}, true, store.ErrStaleTransition
	}

	_, err = h.engine.CallNext(ctx, h.queue.QueueID)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, engine.DefaultMaxCallAttempts, attempts)
}

func TestCompleteTwiceFails(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	ana, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana"})
	require.NoError(t, err)

	_, err = h.engine.Complete(ctx, ana.ItemID)
	assert.ErrorIs(t, err, store.ErrInvalidStatus)

	_, err = h.engine.CallNext(ctx, h.queue.QueueID)
	require.NoError(t, err)
	first, err := h.engine.Complete(ctx, ana.ItemID)
	require.NoError(t, err)

	_, err = h.engine.Complete(ctx, ana.ItemID)
	assert.ErrorIs(t, err, store.ErrInvalidStatus)

	after, err := h.engine.Item(ctx, ana.ItemID)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt, after.CompletedAt)

	_, err = h.engine.Complete(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteSurvivesStatsFailure(t *testing.T) {
	mem := memory.New()
	var recorded []models.QueueItem
	stats := fakeStats{completionFn: func(item models.QueueItem) error {
		recorded = append(recorded, item)
		return errors.New("snapshot store down")
	}}
	h := newHarness(t, mem, mem, stats)
	ctx := context.Background()

	ana, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana"})
	require.NoError(t, err)
	_, err = h.engine.CallNext(ctx, h.queue.QueueID)
	require.NoError(t, err)

	done, err := h.engine.Complete(ctx, ana.ItemID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.Len(t, recorded, 1)
	require.NotNil(t, recorded[0].WaitMS)
	assert.Positive(t, *recorded[0].WaitMS)
}

func TestAbandon(t *testing.T) {
	mem := memory.New()
	var abandoned int
	stats := fakeStats{abandonmentFn: func(models.QueueItem) error { abandoned++; return nil }}
	h := newHarness(t, mem, mem, stats)
	ctx := context.Background()

	ana, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana"})
	require.NoError(t, err)
	bia, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Bia"})
	require.NoError(t, err)

	left, err := h.engine.Abandon(ctx, ana.ItemID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAbandoned, left.Status)
	assert.NotNil(t, left.AbandonedAt)
	assert.Equal(t, 1, abandoned)

	_, err = h.engine.Abandon(ctx, ana.ItemID)
	assert.ErrorIs(t, err, store.ErrInvalidStatus)

	called, err := h.engine.CallNext(ctx, h.queue.QueueID)
	require.NoError(t, err)
	assert.Equal(t, bia.ItemID, called.ItemID)
	_, err = h.engine.Abandon(ctx, bia.ItemID)
	assert.ErrorIs(t, err, store.ErrInvalidStatus)

	queue, err := h.engine.GetQueue(ctx, h.queue.QueueID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queue.CustomersAbandoned)
	assert.Zero(t, queue.CustomersWaiting)
}

func TestLookupPeopleAhead(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	var items []models.QueueItem
	for _, name := range []string{"Ana", "Bia", "Caio"} {
		item, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: name})
		require.NoError(t, err)
		items = append(items, item)
	}
	_, err := h.engine.CallNext(ctx, h.queue.QueueID)
	require.NoError(t, err)

	view, err := h.engine.Lookup(ctx, items[2].ItemID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.PeopleAhead)
	assert.Equal(t, models.DefaultMinutesPerCustomer, view.EstimatedWaitMinutes)
	assert.Equal(t, "Front desk", view.QueueName)

	first, err := h.engine.Lookup(ctx, items[0].ItemID)
	require.NoError(t, err)
	assert.Zero(t, first.PeopleAhead)
}

func TestActiveQueueAndHistory(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	active, err := h.engine.ActiveQueue(ctx, "est-1")
	require.NoError(t, err)
	assert.Equal(t, h.queue.QueueID, active.QueueID)

	_, err = h.engine.ActiveQueue(ctx, "est-unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)

	item, err := h.engine.Admit(ctx, h.queue.QueueID, engine.CustomerInfo{DisplayName: "Ana"})
	require.NoError(t, err)
	_, err = h.engine.Abandon(ctx, item.ItemID)
	require.NoError(t, err)

	history, err := h.engine.ItemHistory(ctx, item.ItemID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.EventItemAbandoned, history[1].Type)
	rehydrated, err := store.RehydrateItem(history)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAbandoned, rehydrated.Status)
}

func TestCreateQueueValidation(t *testing.T) {
	h := newMemoryHarness(t)
	_, err := h.engine.CreateQueue(context.Background(), engine.CreateQueueInput{EstablishmentID: "est-1"})
	assert.ErrorIs(t, err, engine.ErrInvalidQueue)
	_, err = h.engine.CreateQueue(context.Background(), engine.CreateQueueInput{Name: "x"})
	assert.ErrorIs(t, err, engine.ErrInvalidQueue)
}
