package models

import "time"

const (
	EventItemAdmitted       = "item.admitted"
	EventItemCalled         = "item.called"
	EventItemCompleted      = "item.completed"
	EventItemAbandoned      = "item.abandoned"
	EventQueueCreated       = "queue.created"
	EventQueueStatusChanged = "queue.status_changed"
)

// Event is a lifecycle change emitted after a successful engine mutation.
type Event struct {
	EventID         string      `json:"event_id"`
	Type            string      `json:"type"`
	QueueID         string      `json:"queue_id"`
	EstablishmentID string      `json:"establishment_id"`
	Item            *QueueItem  `json:"item,omitempty"`
	QueueStatus     QueueStatus `json:"queue_status,omitempty"`
	OccurredAt      time.Time   `json:"occurred_at"`
}
