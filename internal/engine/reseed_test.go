package engine_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/telemetry"
)

// laggingAllocator hands out positions from its own counter, like an external
// allocator whose keyspace was lost.
type laggingAllocator struct {
	mu     sync.Mutex
	next   int64
	seeded []int64
}

func (a *laggingAllocator) NextPosition(ctx context.Context, queueID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next, nil
}

func (a *laggingAllocator) Seed(ctx context.Context, queueID string, floor int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seeded = append(a.seeded, floor)
	if a.next < floor {
		a.next = floor
	}
	return nil
}

func TestDuplicatePositionReseedsAllocator(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	alloc := &laggingAllocator{}
	eng := engine.New(mem, alloc, nil, nil, nil, engine.Options{Logger: telemetry.NopLogger()})
	queue, err := eng.CreateQueue(ctx, engine.CreateQueueInput{EstablishmentID: "est", Name: "Main"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := eng.Admit(ctx, queue.QueueID, engine.CustomerInfo{DisplayName: "c"})
		require.NoError(t, err)
	}

	alloc.mu.Lock()
	alloc.next = 1
	alloc.mu.Unlock()

	_, err = eng.Admit(ctx, queue.QueueID, engine.CustomerInfo{DisplayName: "late"})
	assert.ErrorIs(t, err, store.ErrDuplicatePosition)
	assert.Equal(t, []int64{3}, alloc.seeded)

	item, err := eng.Admit(ctx, queue.QueueID, engine.CustomerInfo{DisplayName: "late"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), item.Position)
}
