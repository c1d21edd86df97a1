package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/queue-engine/internal/models"
)

func TestItemEventChainRehydrates(t *testing.T) {
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	item := models.QueueItem{
		ItemID:          "item-1",
		QueueID:         "queue-1",
		EstablishmentID: "est-1",
		DisplayName:     "Ana",
		Contact:         &models.Contact{Phone: "5511999990000"},
		Position:        1,
		Status:          models.StatusWaiting,
		EnqueuedAt:      base,
	}

	first, err := NextItemEvent(nil, item, models.EventItemAdmitted, base)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ItemSeq)
	assert.Empty(t, first.PrevHash)

	ApplyTransition(&item, models.StatusCalled, base.Add(time.Minute))
	second, err := NextItemEvent(&first, item, models.EventItemCalled, base.Add(time.Minute))
	require.NoError(t, err)

	ApplyTransition(&item, models.StatusCompleted, base.Add(3*time.Minute))
	third, err := NextItemEvent(&second, item, models.EventItemCompleted, base.Add(3*time.Minute))
	require.NoError(t, err)

	events := []ItemEvent{first, second, third}
	require.NoError(t, VerifyItemEvents(events))

	got, err := RehydrateItem(events)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(1), got.Position)
	assert.Equal(t, "Ana", got.DisplayName)
	require.NotNil(t, got.WaitMS)
	assert.Equal(t, int64(60_000), *got.WaitMS)
	require.NotNil(t, got.ServiceMS)
	assert.Equal(t, int64(120_000), *got.ServiceMS)
}

func TestVerifyItemEventsDetectsTampering(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	item := models.QueueItem{ItemID: "item-1", Status: models.StatusWaiting, EnqueuedAt: at}
	first, err := NextItemEvent(nil, item, models.EventItemAdmitted, at)
	require.NoError(t, err)
	item.Status = models.StatusAbandoned
	second, err := NextItemEvent(&first, item, models.EventItemAbandoned, at.Add(time.Second))
	require.NoError(t, err)

	second.Payload = []byte(`{"status":"completed"}`)
	assert.Error(t, VerifyItemEvents([]ItemEvent{first, second}))
}
