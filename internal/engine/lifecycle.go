package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/telemetry"
)

// Admit appends a customer to the end of an active queue.
func (e *Engine) Admit(ctx context.Context, queueID string, info CustomerInfo) (item models.QueueItem, err error) {
	ctx, end := e.begin(ctx, "admit", attribute.String("queue_id", queueID))
	defer end(&err)

	queue, err := e.store.GetQueue(ctx, queueID)
	if err != nil {
		return models.QueueItem{}, err
	}
	if queue.Status != models.QueueActive {
		return models.QueueItem{}, fmt.Errorf("%w: queue %s is %s", store.ErrQueueNotActive, queueID, queue.Status)
	}
	name, contact, err := info.normalize()
	if err != nil {
		return models.QueueItem{}, err
	}

	position, err := e.allocator.NextPosition(ctx, queueID)
	if err != nil {
		return models.QueueItem{}, err
	}
	item, err = e.store.Insert(ctx, models.QueueItem{
		ItemID:          uuid.NewString(),
		QueueID:         queueID,
		EstablishmentID: queue.EstablishmentID,
		DisplayName:     name,
		Contact:         contact,
		Position:        position,
		Status:          models.StatusWaiting,
		EnqueuedAt:      e.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicatePosition) {
			e.reseed(ctx, queueID)
		}
		return models.QueueItem{}, err
	}

	e.logger.WithField("queue_id", queueID).WithField("item_id", item.ItemID).WithField("position", item.Position).Info("customer admitted")
	e.notify(ctx, queueID)
	e.emit(models.EventItemAdmitted, queue, &item, item.EnqueuedAt)
	return item, nil
}

// reseed moves an external allocator past the positions the store already
// holds. The failed admission is still reported to the caller.
func (e *Engine) reseed(ctx context.Context, queueID string) {
	seeder, ok := e.allocator.(store.Seeder)
	if !ok {
		return
	}
	queue, err := e.store.GetQueue(ctx, queueID)
	if err != nil {
		e.logger.WithError(err).WithField("queue_id", queueID).Warn("reload queue for allocator seed")
		return
	}
	if err := seeder.Seed(ctx, queueID, queue.CurrentSequence); err != nil {
		e.logger.WithError(err).WithField("queue_id", queueID).Warn("seed allocator")
		return
	}
	e.logger.WithField("queue_id", queueID).WithField("floor", queue.CurrentSequence).Warn("allocator reseeded after duplicate position")
}

// CallNext moves the lowest-positioned waiting item to called. It refuses
// while another item of the queue is called, and retries when a concurrent
// caller claims the candidate first.
func (e *Engine) CallNext(ctx context.Context, queueID string) (item models.QueueItem, err error) {
	ctx, end := e.begin(ctx, "call_next", attribute.String("queue_id", queueID))
	defer end(&err)

	queue, err := e.store.GetQueue(ctx, queueID)
	if err != nil {
		return models.QueueItem{}, err
	}
	if called, found, err := e.store.FindCalled(ctx, queueID); err != nil {
		return models.QueueItem{}, err
	} else if found {
		return models.QueueItem{}, fmt.Errorf("%w: item %s is being served", store.ErrQueueBusy, called.ItemID)
	}

	for attempt := 1; attempt <= e.maxCallAttempts; attempt++ {
		candidate, found, err := e.store.FindOldestWaiting(ctx, queueID)
		if err != nil {
			return models.QueueItem{}, err
		}
		if !found {
			return models.QueueItem{}, fmt.Errorf("%w: queue %s", store.ErrQueueEmpty, queueID)
		}
		item, err = e.store.Transition(ctx, store.TransitionInput{
			ItemID: candidate.ItemID,
			From:   models.StatusWaiting,
			To:     models.StatusCalled,
			At:     e.now(),
		})
		if err == nil {
			e.logger.WithField("queue_id", queueID).WithField("item_id", item.ItemID).WithField("attempt", attempt).Info("customer called")
			e.notify(ctx, queueID)
			e.emit(models.EventItemCalled, queue, &item, *item.CalledAt)
			return item, nil
		}
		if !errors.Is(err, store.ErrStaleTransition) {
			return models.QueueItem{}, err
		}
		telemetry.CallNextRetries.Inc()
		e.logger.WithField("queue_id", queueID).WithField("item_id", candidate.ItemID).WithField("attempt", attempt).Debug("call next lost race, retrying")
	}
	return models.QueueItem{}, fmt.Errorf("%w: call next on queue %s gave up after %d attempts", store.ErrUnavailable, queueID, e.maxCallAttempts)
}

// Complete finishes service of a called item and feeds the statistics.
func (e *Engine) Complete(ctx context.Context, itemID string) (item models.QueueItem, err error) {
	ctx, end := e.begin(ctx, "complete", attribute.String("item_id", itemID))
	defer end(&err)

	item, err = e.finish(ctx, itemID, models.StatusCalled, models.StatusCompleted)
	if err != nil {
		return models.QueueItem{}, err
	}
	if err := e.stats.RecordCompletion(ctx, item); err != nil {
		e.logger.WithError(err).WithField("queue_id", item.QueueID).WithField("item_id", item.ItemID).Warn("record completion statistics")
	}
	e.logger.WithField("queue_id", item.QueueID).WithField("item_id", item.ItemID).Info("customer completed")
	e.notify(ctx, item.QueueID)
	e.emit(models.EventItemCompleted, models.Queue{}, &item, *item.CompletedAt)
	return item, nil
}

// Abandon removes a waiting customer who left the line.
func (e *Engine) Abandon(ctx context.Context, itemID string) (item models.QueueItem, err error) {
	ctx, end := e.begin(ctx, "abandon", attribute.String("item_id", itemID))
	defer end(&err)

	item, err = e.finish(ctx, itemID, models.StatusWaiting, models.StatusAbandoned)
	if err != nil {
		return models.QueueItem{}, err
	}
	if err := e.stats.RecordAbandonment(ctx, item); err != nil {
		e.logger.WithError(err).WithField("queue_id", item.QueueID).WithField("item_id", item.ItemID).Warn("record abandonment statistics")
	}
	e.logger.WithField("queue_id", item.QueueID).WithField("item_id", item.ItemID).Info("customer abandoned")
	e.notify(ctx, item.QueueID)
	e.emit(models.EventItemAbandoned, models.Queue{}, &item, *item.AbandonedAt)
	return item, nil
}

// finish applies a transition that is only legal from one status. Losing the
// compare-and-swap to a concurrent caller is reported as ErrInvalidStatus,
// since the item has already left the required status.
func (e *Engine) finish(ctx context.Context, itemID string, from, to models.ItemStatus) (models.QueueItem, error) {
	current, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return models.QueueItem{}, err
	}
	if current.Status != from {
		return models.QueueItem{}, fmt.Errorf("%w: item %s is %s, expected %s", store.ErrInvalidStatus, itemID, current.Status, from)
	}
	item, err := e.store.Transition(ctx, store.TransitionInput{ItemID: itemID, From: from, To: to, At: e.now()})
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return models.QueueItem{}, fmt.Errorf("%w: %v", store.ErrInvalidStatus, err)
		}
		return models.QueueItem{}, err
	}
	return item, nil
}
