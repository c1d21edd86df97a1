package models

import "time"

type QueueStatus string

const (
	QueueActive QueueStatus = "active"
	QueuePaused QueueStatus = "paused"
	QueueClosed QueueStatus = "closed"
)

const DefaultMinutesPerCustomer = 10

type Queue struct {
	QueueID                     string      `json:"queue_id"`
	EstablishmentID             string      `json:"establishment_id"`
	Name                        string      `json:"name"`
	Description                 string      `json:"description,omitempty"`
	EstimatedMinutesPerCustomer int         `json:"estimated_minutes_per_customer"`
	Status                      QueueStatus `json:"status"`
	CurrentSequence             int64       `json:"current_sequence"`
	CustomersWaiting            int64       `json:"customers_waiting"`
	CustomersAttended           int64       `json:"customers_attended"`
	CustomersAbandoned          int64       `json:"customers_abandoned"`
	CreatedAt                   time.Time   `json:"created_at"`
	UpdatedAt                   time.Time   `json:"updated_at"`
}

func (s QueueStatus) Valid() bool {
	switch s {
	case QueueActive, QueuePaused, QueueClosed:
		return true
	}
	return false
}
