package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

type CreateQueueInput struct {
	EstablishmentID             string
	Name                        string
	Description                 string
	EstimatedMinutesPerCustomer int
}

var ErrInvalidQueue = errors.New("invalid queue")

func (e *Engine) CreateQueue(ctx context.Context, input CreateQueueInput) (queue models.Queue, err error) {
	ctx, end := e.begin(ctx, "create_queue", attribute.String("establishment_id", input.EstablishmentID))
	defer end(&err)

	name := strings.TrimSpace(input.Name)
	establishmentID := strings.TrimSpace(input.EstablishmentID)
	switch {
	case establishmentID == "":
		return models.Queue{}, fmt.Errorf("%w: establishment is required", ErrInvalidQueue)
	case name == "":
		return models.Queue{}, fmt.Errorf("%w: name is required", ErrInvalidQueue)
	case utf8.RuneCountInString(name) > maxQueueNameLen:
		return models.Queue{}, fmt.Errorf("%w: name longer than %d characters", ErrInvalidQueue, maxQueueNameLen)
	case input.EstimatedMinutesPerCustomer < 0:
		return models.Queue{}, fmt.Errorf("%w: estimated minutes per customer must not be negative", ErrInvalidQueue)
	}

	queue, err = e.store.CreateQueue(ctx, store.CreateQueueInput{
		EstablishmentID:             establishmentID,
		Name:                        name,
		Description:                 strings.TrimSpace(input.Description),
		EstimatedMinutesPerCustomer: input.EstimatedMinutesPerCustomer,
		CreatedAt:                   e.now(),
	})
	if err != nil {
		return models.Queue{}, err
	}
	e.logger.WithField("queue_id", queue.QueueID).WithField("establishment_id", queue.EstablishmentID).Info("queue created")
	e.emit(models.EventQueueCreated, queue, nil, queue.CreatedAt)
	return queue, nil
}

// SetQueueStatus pauses, closes or reopens a queue. Items already in the
// queue are untouched; only admission depends on the status.
func (e *Engine) SetQueueStatus(ctx context.Context, queueID string, status models.QueueStatus) (queue models.Queue, err error) {
	ctx, end := e.begin(ctx, "set_queue_status", attribute.String("queue_id", queueID), attribute.String("status", string(status)))
	defer end(&err)

	if !status.Valid() {
		return models.Queue{}, fmt.Errorf("%w: unknown queue status %q", ErrInvalidQueue, status)
	}
	queue, err = e.store.UpdateQueueStatus(ctx, queueID, status, e.now())
	if err != nil {
		return models.Queue{}, err
	}
	e.logger.WithField("queue_id", queueID).WithField("status", status).Info("queue status changed")
	e.notify(ctx, queueID)
	e.emit(models.EventQueueStatusChanged, queue, nil, queue.UpdatedAt)
	return queue, nil
}

func (e *Engine) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return e.store.GetQueue(ctx, queueID)
}

func (e *Engine) ListQueues(ctx context.Context) ([]models.Queue, error) {
	return e.store.ListQueues(ctx)
}

// ActiveQueue returns the queue customers of an establishment are admitted to.
func (e *Engine) ActiveQueue(ctx context.Context, establishmentID string) (models.Queue, error) {
	queue, found, err := e.store.FindActiveQueue(ctx, establishmentID)
	if err != nil {
		return models.Queue{}, err
	}
	if !found {
		return models.Queue{}, fmt.Errorf("%w: no active queue for establishment %s", store.ErrNotFound, establishmentID)
	}
	return queue, nil
}
