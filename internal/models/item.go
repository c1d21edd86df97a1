package models

import "time"

type ItemStatus string

const (
	StatusWaiting   ItemStatus = "waiting"
	StatusCalled    ItemStatus = "called"
	StatusCompleted ItemStatus = "completed"
	StatusAbandoned ItemStatus = "abandoned"
)

// IsTerminal reports whether no further transition can leave the status.
func (s ItemStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

func (s ItemStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusCalled, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

type Contact struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
	Notes string `json:"notes,omitempty"`
}

func (c Contact) IsZero() bool {
	return c.Phone == "" && c.Email == "" && c.Notes == ""
}

type QueueItem struct {
	ItemID          string     `json:"item_id"`
	QueueID         string     `json:"queue_id"`
	EstablishmentID string     `json:"establishment_id"`
	DisplayName     string     `json:"display_name"`
	Contact         *Contact   `json:"contact,omitempty"`
	Position        int64      `json:"position"`
	Status          ItemStatus `json:"status"`
	EnqueuedAt      time.Time  `json:"enqueued_at"`
	CalledAt        *time.Time `json:"called_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	AbandonedAt     *time.Time `json:"abandoned_at,omitempty"`
	WaitMS          *int64     `json:"wait_ms,omitempty"`
	ServiceMS       *int64     `json:"service_ms,omitempty"`
}

// WaitDuration is calledAt - enqueuedAt. ok is false until the item has been called.
func (i QueueItem) WaitDuration() (time.Duration, bool) {
	if i.WaitMS != nil {
		return time.Duration(*i.WaitMS) * time.Millisecond, true
	}
	if i.CalledAt == nil {
		return 0, false
	}
	return i.CalledAt.Sub(i.EnqueuedAt), true
}

// ServiceDuration is completedAt - calledAt. ok is false until the item has been completed.
func (i QueueItem) ServiceDuration() (time.Duration, bool) {
	if i.ServiceMS != nil {
		return time.Duration(*i.ServiceMS) * time.Millisecond, true
	}
	if i.CalledAt == nil || i.CompletedAt == nil {
		return 0, false
	}
	return i.CompletedAt.Sub(*i.CalledAt), true
}

// FinalizeDurations stores the millisecond durations once the item is completed.
func (i *QueueItem) FinalizeDurations() {
	if i.CalledAt == nil || i.CompletedAt == nil {
		return
	}
	wait := i.CalledAt.Sub(i.EnqueuedAt).Milliseconds()
	service := i.CompletedAt.Sub(*i.CalledAt).Milliseconds()
	i.WaitMS = &wait
	i.ServiceMS = &service
}

// Clone returns a deep copy so callers never share pointers with a store.
func (i QueueItem) Clone() QueueItem {
	out := i
	if i.Contact != nil {
		c := *i.Contact
		out.Contact = &c
	}
	out.CalledAt = cloneTime(i.CalledAt)
	out.CompletedAt = cloneTime(i.CompletedAt)
	out.AbandonedAt = cloneTime(i.AbandonedAt)
	out.WaitMS = cloneInt(i.WaitMS)
	out.ServiceMS = cloneInt(i.ServiceMS)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
