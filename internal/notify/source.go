package notify

import (
	"context"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

type storeSource struct {
	items store.ItemStore
}

// NewStoreSource builds snapshots from the called and waiting items of a queue.
func NewStoreSource(items store.ItemStore) Source {
	return storeSource{items: items}
}

func (s storeSource) Snapshot(ctx context.Context, queueID string) ([]models.QueueItem, error) {
	return s.items.ListActive(ctx, queueID)
}
