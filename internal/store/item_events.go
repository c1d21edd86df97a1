package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
)

type ItemEvent struct {
	ItemID    string          `json:"item_id"`
	ItemSeq   int             `json:"item_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type itemEventPayload struct {
	ItemID          string            `json:"item_id"`
	QueueID         string            `json:"queue_id"`
	EstablishmentID string            `json:"establishment_id"`
	DisplayName     string            `json:"display_name"`
	Contact         *models.Contact   `json:"contact,omitempty"`
	Position        int64             `json:"position"`
	Status          models.ItemStatus `json:"status"`
	EnqueuedAt      *time.Time        `json:"enqueued_at,omitempty"`
	CalledAt        *time.Time        `json:"called_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	AbandonedAt     *time.Time        `json:"abandoned_at,omitempty"`
}

func ComputeItemEventHash(prevHash, itemID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, itemID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// ItemEventPayload serializes the item state recorded with an event.
func ItemEventPayload(item models.QueueItem) (json.RawMessage, error) {
	enqueued := item.EnqueuedAt
	payload := itemEventPayload{
		ItemID:          item.ItemID,
		QueueID:         item.QueueID,
		EstablishmentID: item.EstablishmentID,
		DisplayName:     item.DisplayName,
		Contact:         item.Contact,
		Position:        item.Position,
		Status:          item.Status,
		EnqueuedAt:      &enqueued,
		CalledAt:        item.CalledAt,
		CompletedAt:     item.CompletedAt,
		AbandonedAt:     item.AbandonedAt,
	}
	return json.Marshal(payload)
}

// NextItemEvent builds the event that follows prev in the chain. prev is nil
// for the first event of an item.
func NextItemEvent(prev *ItemEvent, item models.QueueItem, eventType string, at time.Time) (ItemEvent, error) {
	payload, err := ItemEventPayload(item)
	if err != nil {
		return ItemEvent{}, err
	}
	event := ItemEvent{
		ItemID:    item.ItemID,
		ItemSeq:   1,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: at,
	}
	if prev != nil {
		event.ItemSeq = prev.ItemSeq + 1
		event.PrevHash = prev.Hash
	}
	event.Hash = ComputeItemEventHash(event.PrevHash, event.ItemID, event.Type, event.Payload, event.CreatedAt, event.ItemSeq)
	return event, nil
}

// VerifyItemEvents checks sequence numbers and the hash chain.
func VerifyItemEvents(events []ItemEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.ItemSeq != i+1 {
			return fmt.Errorf("event %d: unexpected seq %d", i, event.ItemSeq)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("event %d: prev hash mismatch", event.ItemSeq)
		}
		want := ComputeItemEventHash(event.PrevHash, event.ItemID, event.Type, event.Payload, event.CreatedAt, event.ItemSeq)
		if event.Hash != want {
			return fmt.Errorf("event %d: hash mismatch", event.ItemSeq)
		}
		prevHash = event.Hash
	}
	return nil
}

func RehydrateItem(events []ItemEvent) (models.QueueItem, error) {
	var item models.QueueItem
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload itemEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.QueueItem{}, err
		}
		if payload.ItemID != "" {
			item.ItemID = payload.ItemID
		}
		if payload.QueueID != "" {
			item.QueueID = payload.QueueID
		}
		if payload.EstablishmentID != "" {
			item.EstablishmentID = payload.EstablishmentID
		}
		if payload.DisplayName != "" {
			item.DisplayName = payload.DisplayName
		}
		if payload.Contact != nil {
			item.Contact = payload.Contact
		}
		if payload.Position != 0 {
			item.Position = payload.Position
		}
		if payload.Status != "" {
			item.Status = payload.Status
		}
		if payload.EnqueuedAt != nil {
			item.EnqueuedAt = *payload.EnqueuedAt
		}
		if payload.CalledAt != nil {
			item.CalledAt = payload.CalledAt
		}
		if payload.CompletedAt != nil {
			item.CompletedAt = payload.CompletedAt
		}
		if payload.AbandonedAt != nil {
			item.AbandonedAt = payload.AbandonedAt
		}
	}
	item.FinalizeDurations()
	return item, nil
}
