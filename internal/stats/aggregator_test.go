package stats_test

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/stats"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/telemetry"
)

var day = time.Date(2026, 7, 15, 8, 0, 0, 0, time.UTC)

func newAggregator(st *memory.Store) *stats.Aggregator {
	return stats.New(st, st, stats.Options{Logger: telemetry.NopLogger()})
}

func completeItem(t *testing.T, st *memory.Store, queueID string, enqueued time.Time, wait, service time.Duration) models.QueueItem {
	t.Helper()
	ctx := context.Background()
	pos, err := st.NextPosition(ctx, queueID)
	require.NoError(t, err)
	item, err := st.Insert(ctx, models.QueueItem{QueueID: queueID, DisplayName: "c", Position: pos, Status: models.StatusWaiting, EnqueuedAt: enqueued})
	require.NoError(t, err)
	_, err = st.Transition(ctx, store.TransitionInput{ItemID: item.ItemID, From: models.StatusWaiting, To: models.StatusCalled, At: enqueued.Add(wait)})
	require.NoError(t, err)
	done, err := st.Transition(ctx, store.TransitionInput{ItemID: item.ItemID, From: models.StatusCalled, To: models.StatusCompleted, At: enqueued.Add(wait + service)})
	require.NoError(t, err)
	return done
}

func seedSnapshot(t *testing.T, st *memory.Store, snapshot models.StatSnapshot) {
	t.Helper()
	replaced, err := st.ReplaceSnapshot(context.Background(), snapshot)
	require.NoError(t, err)
	require.True(t, replaced)
}

func newQueueID(t *testing.T, st *memory.Store) string {
	t.Helper()
	queue, err := st.CreateQueue(context.Background(), store.CreateQueueInput{EstablishmentID: "est", Name: "Main", CreatedAt: day})
	require.NoError(t, err)
	return queue.QueueID
}

func TestRecordCompletionIncrementalMean(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)
	queueID := newQueueID(t, st)
	ctx := context.Background()

	first := completeItem(t, st, queueID, day, 2*time.Minute, 4*time.Minute)
	second := completeItem(t, st, queueID, day.Add(time.Minute), 4*time.Minute, 2*time.Minute)
	require.NoError(t, agg.RecordCompletion(ctx, first))
	require.NoError(t, agg.RecordCompletion(ctx, second))

	snap, err := agg.GetSnapshot(ctx, queueID, "2026-07-15")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.CustomersAttended)
	assert.InDelta(t, 180, snap.AvgWaitSeconds, 1e-9)
	assert.InDelta(t, 180, snap.AvgServiceSeconds, 1e-9)
}

func TestRecordCompletionRejectsUnfinishedItem(t *testing.T) {
	agg := newAggregator(memory.New())
	err := agg.RecordCompletion(context.Background(), models.QueueItem{ItemID: "x", Status: models.StatusCalled})
	assert.ErrorIs(t, err, store.ErrInvalidStatus)
}

func TestGetSnapshotZeroWhenMissing(t *testing.T) {
	agg := newAggregator(memory.New())
	snap, err := agg.GetSnapshot(context.Background(), "q1", "2026-07-15")
	require.NoError(t, err)
	assert.Equal(t, "q1", snap.QueueID)
	assert.Equal(t, "2026-07-15", snap.DateBucket)
	assert.Zero(t, snap.CustomersAttended)

	_, err = agg.GetSnapshot(context.Background(), "q1", "15/07/2026")
	assert.ErrorIs(t, err, stats.ErrInvalidBucket)
}

func TestRebuildMatchesIncremental(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)
	queueID := newQueueID(t, st)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		wait := time.Duration(rng.Intn(3600)) * time.Second
		service := time.Duration(rng.Intn(900)+1) * time.Second
		item := completeItem(t, st, queueID, day.Add(time.Duration(i)*time.Second), wait, service)
		require.NoError(t, agg.RecordCompletion(ctx, item))
	}
	incremental, err := agg.GetSnapshot(ctx, queueID, "2026-07-15")
	require.NoError(t, err)

	rebuilt, err := agg.Rebuild(ctx, queueID, "2026-07-15")
	require.NoError(t, err)

	assert.Equal(t, incremental.CustomersAttended, rebuilt.CustomersAttended)
	assert.LessOrEqual(t, relErr(incremental.AvgWaitSeconds, rebuilt.AvgWaitSeconds), 1e-9)
	assert.LessOrEqual(t, relErr(incremental.AvgServiceSeconds, rebuilt.AvgServiceSeconds), 1e-9)
}

func TestRebuildRepairsMissedUpdatesAndCountsAbandoned(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)
	queueID := newQueueID(t, st)
	ctx := context.Background()

	completeItem(t, st, queueID, day, time.Minute, time.Minute)
	pos, err := st.NextPosition(ctx, queueID)
	require.NoError(t, err)
	left, err := st.Insert(ctx, models.QueueItem{QueueID: queueID, Position: pos, Status: models.StatusWaiting, EnqueuedAt: day})
	require.NoError(t, err)
	_, err = st.Transition(ctx, store.TransitionInput{ItemID: left.ItemID, From: models.StatusWaiting, To: models.StatusAbandoned, At: day.Add(time.Hour)})
	require.NoError(t, err)

	rebuilt, err := agg.Rebuild(ctx, queueID, "2026-07-15")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rebuilt.CustomersAttended)
	assert.Equal(t, int64(1), rebuilt.CustomersAbandoned)
	assert.InDelta(t, 60, rebuilt.AvgWaitSeconds, 1e-9)

	stored, err := agg.GetSnapshot(ctx, queueID, "2026-07-15")
	require.NoError(t, err)
	assert.Equal(t, rebuilt.CustomersAttended, stored.CustomersAttended)
}

// liveItems records a completion into the bucket right after Rebuild lists
// completed items, the way a concurrent Complete would.
type liveItems struct {
	*memory.Store
	onList func()
}

func (l *liveItems) ListCompletedBetween(ctx context.Context, queueID string, from, to time.Time) ([]models.QueueItem, error) {
	items, err := l.Store.ListCompletedBetween(ctx, queueID, from, to)
	if l.onList != nil {
		l.onList()
	}
	return items, err
}

func TestRebuildKeepsCompletionRecordedDuringRebuild(t *testing.T) {
	st := memory.New()
	queueID := newQueueID(t, st)
	ctx := context.Background()
	completeItem(t, st, queueID, day, time.Minute, time.Minute)

	items := &liveItems{Store: st}
	agg := stats.New(st, items, stats.Options{Logger: telemetry.NopLogger()})
	raced := false
	items.onList = func() {
		if raced {
			return
		}
		raced = true
		late := completeItem(t, st, queueID, day.Add(time.Hour), 3*time.Minute, time.Minute)
		require.NoError(t, agg.RecordCompletion(ctx, late))
	}

	rebuilt, err := agg.Rebuild(ctx, queueID, "2026-07-15")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rebuilt.CustomersAttended)
	assert.InDelta(t, 120, rebuilt.AvgWaitSeconds, 1e-9)

	stored, err := agg.GetSnapshot(ctx, queueID, "2026-07-15")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.CustomersAttended)
}

func TestRebuildGivesUpWhenBucketNeverSettles(t *testing.T) {
	st := memory.New()
	queueID := newQueueID(t, st)
	ctx := context.Background()

	items := &liveItems{Store: st, onList: func() {
		_, err := st.ApplyAbandonment(ctx, queueID, "2026-07-15", day)
		require.NoError(t, err)
	}}
	agg := stats.New(st, items, stats.Options{Logger: telemetry.NopLogger()})

	_, err := agg.Rebuild(ctx, queueID, "2026-07-15")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestRecordAbandonment(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)
	at := day.Add(2 * time.Hour)
	require.NoError(t, agg.RecordAbandonment(context.Background(), models.QueueItem{QueueID: "q1", Status: models.StatusAbandoned, AbandonedAt: &at}))

	snap, err := agg.GetSnapshot(context.Background(), "q1", "2026-07-15")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.CustomersAbandoned)
}

func TestDateBucketUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	agg := stats.New(memory.New(), memory.New(), stats.Options{Location: loc, Logger: telemetry.NopLogger()})
	late := time.Date(2026, 7, 16, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-07-15", agg.DateBucket(late))
	assert.Equal(t, "2026-07-16", newAggregator(memory.New()).DateBucket(late))
}

func TestSummaryWeightsByCount(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)
	ctx := context.Background()

	seedSnapshot(t, st, models.StatSnapshot{QueueID: "q1", DateBucket: "2026-07-13", CustomersAttended: 1, AvgWaitSeconds: 100, AvgServiceSeconds: 10})
	seedSnapshot(t, st, models.StatSnapshot{QueueID: "q1", DateBucket: "2026-07-14", CustomersAttended: 3, AvgWaitSeconds: 20, AvgServiceSeconds: 50, CustomersAbandoned: 2})
	seedSnapshot(t, st, models.StatSnapshot{QueueID: "q1", DateBucket: "2026-06-30", CustomersAttended: 9, AvgWaitSeconds: 999})

	summary, err := agg.Summary(ctx, "q1", stats.PeriodWeek, day)
	require.NoError(t, err)
	assert.Equal(t, "2026-07-12", summary.From)
	assert.Equal(t, "2026-07-15", summary.To)
	assert.Equal(t, int64(4), summary.CustomersAttended)
	assert.Equal(t, int64(2), summary.CustomersAbandoned)
	assert.InDelta(t, 40, summary.AvgWaitSeconds, 1e-9)
	assert.InDelta(t, 40, summary.AvgServiceSeconds, 1e-9)
	assert.Len(t, summary.Days, 2)

	month, err := agg.Summary(ctx, "q1", stats.PeriodMonth, day)
	require.NoError(t, err)
	assert.Equal(t, "2026-07-01", month.From)

	year, err := agg.Summary(ctx, "q1", stats.PeriodYear, day)
	require.NoError(t, err)
	assert.Equal(t, int64(13), year.CustomersAttended)

	_, err = agg.Summary(ctx, "q1", "fortnight", day)
	assert.ErrorIs(t, err, stats.ErrInvalidPeriod)
}

func relErr(a, b float64) float64 {
	if a == b {
		return 0
	}
	return math.Abs(a-b) / math.Max(math.Abs(a), math.Abs(b))
}
