package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"qms/queue-engine/internal/models"
)

func TestRenderSummary(t *testing.T) {
	out := renderSummary(models.PeriodSummary{
		QueueID:           "q1",
		From:              "2026-07-12",
		To:                "2026-07-13",
		CustomersAttended: 3,
		AvgWaitSeconds:    90,
		Days: []models.StatSnapshot{
			{DateBucket: "2026-07-12", CustomersAttended: 1, AvgWaitSeconds: 30},
			{DateBucket: "2026-07-13", CustomersAttended: 2, CustomersAbandoned: 1, AvgWaitSeconds: 120},
		},
	})

	assert.Contains(t, out, "2026-07-12")
	assert.Contains(t, out, "2026-07-13")
	assert.Contains(t, out, "1m30s")
	assert.Equal(t, 1, strings.Count(out, "2m0s"))
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "0s", formatSeconds(0))
	assert.Equal(t, "2s", formatSeconds(1.6))
	assert.Equal(t, "1h1m1s", formatSeconds(3661))
}
