package store

import (
	"time"

	"qms/queue-engine/internal/models"
)

var transitionMap = map[models.ItemStatus][]models.ItemStatus{
	models.StatusCalled:    {models.StatusWaiting},
	models.StatusCompleted: {models.StatusCalled},
	models.StatusAbandoned: {models.StatusWaiting},
}

// ValidTransition reports whether an item may move from one status to the other.
func ValidTransition(from, to models.ItemStatus) bool {
	allowed, ok := transitionMap[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// ApplyTransition sets the new status on item and stamps the timestamp owned
// by that status. Timestamps already set are never overwritten.
func ApplyTransition(item *models.QueueItem, to models.ItemStatus, at time.Time) {
	item.Status = to
	switch to {
	case models.StatusCalled:
		if item.CalledAt == nil {
			item.CalledAt = &at
		}
	case models.StatusCompleted:
		if item.CompletedAt == nil {
			item.CompletedAt = &at
		}
		item.FinalizeDurations()
	case models.StatusAbandoned:
		if item.AbandonedAt == nil {
			item.AbandonedAt = &at
		}
	}
}
