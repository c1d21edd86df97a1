package engine

import (
	"context"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

type ItemView struct {
	Item                 models.QueueItem   `json:"item"`
	QueueName            string             `json:"queue_name"`
	QueueStatus          models.QueueStatus `json:"queue_status"`
	PeopleAhead          int                `json:"people_ahead"`
	EstimatedWait        time.Duration      `json:"-"`
	EstimatedWaitMinutes int                `json:"estimated_wait_minutes"`
}

func (e *Engine) Item(ctx context.Context, itemID string) (models.QueueItem, error) {
	return e.store.GetItem(ctx, itemID)
}

// Lookup returns an item with the number of waiting customers ahead of it and
// the wait that implies at the queue's estimated pace.
func (e *Engine) Lookup(ctx context.Context, itemID string) (ItemView, error) {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return ItemView{}, err
	}
	queue, err := e.store.GetQueue(ctx, item.QueueID)
	if err != nil {
		return ItemView{}, err
	}
	view := ItemView{Item: item, QueueName: queue.Name, QueueStatus: queue.Status}
	if item.Status != models.StatusWaiting {
		return view, nil
	}
	waiting, err := e.store.ListByStatus(ctx, item.QueueID, models.StatusWaiting)
	if err != nil {
		return ItemView{}, err
	}
	for _, other := range waiting {
		if other.Position < item.Position {
			view.PeopleAhead++
		}
	}
	view.EstimatedWaitMinutes = view.PeopleAhead * queue.EstimatedMinutesPerCustomer
	view.EstimatedWait = time.Duration(view.EstimatedWaitMinutes) * time.Minute
	return view, nil
}

// Snapshot returns the called and waiting items of a queue ordered by position.
func (e *Engine) Snapshot(ctx context.Context, queueID string) ([]models.QueueItem, error) {
	if _, err := e.store.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}
	return e.store.ListActive(ctx, queueID)
}

func (e *Engine) ItemHistory(ctx context.Context, itemID string) ([]store.ItemEvent, error) {
	return e.store.ListItemEvents(ctx, itemID)
}
