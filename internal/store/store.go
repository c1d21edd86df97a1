package store

import (
	"context"
	"time"

	"qms/queue-engine/internal/models"
)

type CreateQueueInput struct {
	QueueID                     string
	EstablishmentID             string
	Name                        string
	Description                 string
	EstimatedMinutesPerCustomer int
	CreatedAt                   time.Time
}

type TransitionInput struct {
	ItemID string
	From   models.ItemStatus
	To     models.ItemStatus
	At     time.Time
}

type QueueStore interface {
	CreateQueue(ctx context.Context, input CreateQueueInput) (models.Queue, error)
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	UpdateQueueStatus(ctx context.Context, queueID string, status models.QueueStatus, at time.Time) (models.Queue, error)
	FindActiveQueue(ctx context.Context, establishmentID string) (models.Queue, bool, error)
	ListQueues(ctx context.Context) ([]models.Queue, error)
}

// ItemStore holds queue items. Transition is a compare-and-swap on status and
// is the only way an item changes after Insert.
type ItemStore interface {
	Insert(ctx context.Context, item models.QueueItem) (models.QueueItem, error)
	GetItem(ctx context.Context, itemID string) (models.QueueItem, error)
	FindOldestWaiting(ctx context.Context, queueID string) (models.QueueItem, bool, error)
	FindCalled(ctx context.Context, queueID string) (models.QueueItem, bool, error)
	Transition(ctx context.Context, input TransitionInput) (models.QueueItem, error)
	ListByStatus(ctx context.Context, queueID string, status models.ItemStatus) ([]models.QueueItem, error)
	// ListActive returns the called and waiting items of a queue ordered by
	// position, read in one consistent view.
	ListActive(ctx context.Context, queueID string) ([]models.QueueItem, error)
	ListItemEvents(ctx context.Context, itemID string) ([]ItemEvent, error)
	ListCompletedBetween(ctx context.Context, queueID string, from, to time.Time) ([]models.QueueItem, error)
	ListAbandonedBetween(ctx context.Context, queueID string, from, to time.Time) ([]models.QueueItem, error)
}

type SequenceAllocator interface {
	NextPosition(ctx context.Context, queueID string) (int64, error)
}

// Seeder is implemented by allocators whose counter lives outside the item
// store and may fall behind it.
type Seeder interface {
	Seed(ctx context.Context, queueID string, floor int64) error
}

type SnapshotStore interface {
	ApplyCompletion(ctx context.Context, queueID, bucket string, waitSeconds, serviceSeconds float64, at time.Time) (models.StatSnapshot, error)
	ApplyAbandonment(ctx context.Context, queueID, bucket string, at time.Time) (models.StatSnapshot, error)
	GetSnapshot(ctx context.Context, queueID, bucket string) (models.StatSnapshot, bool, error)
	// ReplaceSnapshot stores snapshot only if the bucket is still at
	// snapshot.Version (0 when absent) and reports whether it did.
	ReplaceSnapshot(ctx context.Context, snapshot models.StatSnapshot) (bool, error)
	ListSnapshots(ctx context.Context, queueID, fromBucket, toBucket string) ([]models.StatSnapshot, error)
}

// Store is the full persistence surface one backend provides.
type Store interface {
	QueueStore
	ItemStore
	SequenceAllocator
	SnapshotStore
}
