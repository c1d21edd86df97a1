package models

import "time"

const DateBucketLayout = "2006-01-02"

type StatSnapshot struct {
	QueueID            string    `json:"queue_id"`
	DateBucket         string    `json:"date_bucket"`
	CustomersAttended  int64     `json:"customers_attended"`
	CustomersAbandoned int64     `json:"customers_abandoned"`
	AvgWaitSeconds     float64   `json:"avg_wait_seconds"`
	AvgServiceSeconds  float64   `json:"avg_service_seconds"`
	UpdatedAt          time.Time `json:"updated_at"`
	// Version counts writes to the bucket. Rebuild uses it to detect
	// completions recorded while it was recomputing.
	Version int64 `json:"-"`
}

// AddCompletion folds one completed item into the running means using the
// incremental form avg' = avg + (x - avg) / n'.
func (s *StatSnapshot) AddCompletion(waitSeconds, serviceSeconds float64) {
	s.CustomersAttended++
	n := float64(s.CustomersAttended)
	s.AvgWaitSeconds += (waitSeconds - s.AvgWaitSeconds) / n
	s.AvgServiceSeconds += (serviceSeconds - s.AvgServiceSeconds) / n
}

type PeriodSummary struct {
	QueueID            string         `json:"queue_id"`
	Period             string         `json:"period"`
	From               string         `json:"from"`
	To                 string         `json:"to"`
	CustomersAttended  int64          `json:"customers_attended"`
	CustomersAbandoned int64          `json:"customers_abandoned"`
	AvgWaitSeconds     float64        `json:"avg_wait_seconds"`
	AvgServiceSeconds  float64        `json:"avg_service_seconds"`
	Days               []StatSnapshot `json:"days"`
}
