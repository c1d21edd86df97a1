// Package redis allocates queue positions from Redis counters.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"qms/queue-engine/internal/store"
)

const seqKeyPrefix = "qms:seq:"

// seedScript raises the counter to at least ARGV[1] and never lowers it.
const seedScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if current < floor then
	redis.call('SET', KEYS[1], floor)
	return floor
end
return current
`

type Allocator struct {
	client redis.Cmdable
}

var (
	_ store.SequenceAllocator = (*Allocator)(nil)
	_ store.Seeder            = (*Allocator)(nil)
)

func NewAllocator(client redis.Cmdable) *Allocator {
	return &Allocator{client: client}
}

func SeqKey(queueID string) string {
	return seqKeyPrefix + queueID
}

func (a *Allocator) NextPosition(ctx context.Context, queueID string) (int64, error) {
	next, err := a.client.Incr(ctx, SeqKey(queueID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis incr %s: %v", store.ErrUnavailable, queueID, err)
	}
	return next, nil
}

// Seed repairs a counter that fell behind the item store, for example after
// the Redis keyspace was flushed.
func (a *Allocator) Seed(ctx context.Context, queueID string, floor int64) error {
	if err := a.client.Eval(ctx, seedScript, []string{SeqKey(queueID)}, floor).Err(); err != nil {
		return fmt.Errorf("%w: redis seed %s: %v", store.ErrUnavailable, queueID, err)
	}
	return nil
}

// SeedAll seeds the counter of every queue from its stored sequence.
func SeedAll(ctx context.Context, seeder store.Seeder, queues store.QueueStore) error {
	list, err := queues.ListQueues(ctx)
	if err != nil {
		return err
	}
	for _, queue := range list {
		if err := seeder.Seed(ctx, queue.QueueID, queue.CurrentSequence); err != nil {
			return err
		}
	}
	return nil
}
