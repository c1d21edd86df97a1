// Package stats keeps per-queue daily statistics. Completions fold into the
// stored bucket incrementally; Rebuild recomputes a bucket from item history.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/telemetry"
)

var (
	ErrInvalidBucket = errors.New("invalid date bucket")
	ErrInvalidPeriod = errors.New("invalid period")
)

const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodYear  = "year"
)

type Options struct {
	Location *time.Location
	Logger   *logrus.Logger
	Now      func() time.Time
}

type Aggregator struct {
	snapshots store.SnapshotStore
	items     store.ItemStore
	loc       *time.Location
	logger    *logrus.Logger
	now       func() time.Time
}

func New(snapshots store.SnapshotStore, items store.ItemStore, opts Options) *Aggregator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		snapshots: snapshots,
		items:     items,
		loc:       opts.Location,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// DateBucket formats t as YYYY-MM-DD in the aggregator's location.
func (a *Aggregator) DateBucket(t time.Time) string {
	return t.In(a.loc).Format(models.DateBucketLayout)
}

func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// RecordCompletion folds a completed item into the bucket of its completion day.
func (a *Aggregator) RecordCompletion(ctx context.Context, item models.QueueItem) error {
	if item.Status != models.StatusCompleted || item.CalledAt == nil || item.CompletedAt == nil {
		return fmt.Errorf("%w: item %s is not a finished completion", store.ErrInvalidStatus, item.ItemID)
	}
	wait, service := durationsSeconds(item)
	bucket := a.DateBucket(*item.CompletedAt)
	if _, err := a.snapshots.ApplyCompletion(ctx, item.QueueID, bucket, wait, service, a.now().UTC()); err != nil {
		telemetry.StatsUpdateFailures.WithLabelValues("completion").Inc()
		return err
	}
	return nil
}

func (a *Aggregator) RecordAbandonment(ctx context.Context, item models.QueueItem) error {
	if item.Status != models.StatusAbandoned || item.AbandonedAt == nil {
		return fmt.Errorf("%w: item %s is not abandoned", store.ErrInvalidStatus, item.ItemID)
	}
	bucket := a.DateBucket(*item.AbandonedAt)
	if _, err := a.snapshots.ApplyAbandonment(ctx, item.QueueID, bucket, a.now().UTC()); err != nil {
		telemetry.StatsUpdateFailures.WithLabelValues("abandonment").Inc()
		return err
	}
	return nil
}

// GetSnapshot returns the stored bucket, or a zero-valued one if nothing was
// recorded for that day.
func (a *Aggregator) GetSnapshot(ctx context.Context, queueID, bucket string) (models.StatSnapshot, error) {
	if _, err := a.parseBucket(bucket); err != nil {
		return models.StatSnapshot{}, err
	}
	snapshot, ok, err := a.snapshots.GetSnapshot(ctx, queueID, bucket)
	if err != nil {
		return models.StatSnapshot{}, err
	}
	if !ok {
		return models.StatSnapshot{QueueID: queueID, DateBucket: bucket}, nil
	}
	return snapshot, nil
}

// maxRebuildAttempts bounds how often Rebuild recomputes a bucket that keeps
// receiving completions while it runs.
const maxRebuildAttempts = 5

// Rebuild recomputes the bucket from the queue's completed and abandoned items
// and replaces the stored snapshot. The bucket version is read before the
// items, so a completion folded in after that read fails the replace and the
// bucket is recomputed with it included.
func (a *Aggregator) Rebuild(ctx context.Context, queueID, bucket string) (models.StatSnapshot, error) {
	start, err := a.parseBucket(bucket)
	if err != nil {
		return models.StatSnapshot{}, err
	}
	end := start.AddDate(0, 0, 1)

	for attempt := 1; attempt <= maxRebuildAttempts; attempt++ {
		current, _, err := a.snapshots.GetSnapshot(ctx, queueID, bucket)
		if err != nil {
			telemetry.StatsRebuilds.WithLabelValues("error").Inc()
			return models.StatSnapshot{}, err
		}
		snapshot, err := a.recompute(ctx, queueID, bucket, start, end)
		if err != nil {
			telemetry.StatsRebuilds.WithLabelValues("error").Inc()
			return models.StatSnapshot{}, err
		}
		snapshot.Version = current.Version

		replaced, err := a.snapshots.ReplaceSnapshot(ctx, snapshot)
		if err != nil {
			telemetry.StatsRebuilds.WithLabelValues("error").Inc()
			return models.StatSnapshot{}, err
		}
		if !replaced {
			a.logger.WithFields(logrus.Fields{
				"queue_id": queueID,
				"bucket":   bucket,
				"attempt":  attempt,
			}).Debug("statistics bucket changed during rebuild, retrying")
			continue
		}
		snapshot.Version++
		telemetry.StatsRebuilds.WithLabelValues("ok").Inc()
		a.logger.WithFields(logrus.Fields{
			"queue_id":  queueID,
			"bucket":    bucket,
			"attended":  snapshot.CustomersAttended,
			"abandoned": snapshot.CustomersAbandoned,
		}).Debug("statistics bucket rebuilt")
		return snapshot, nil
	}
	telemetry.StatsRebuilds.WithLabelValues("error").Inc()
	return models.StatSnapshot{}, fmt.Errorf("%w: rebuild %s/%s kept racing with live updates after %d attempts",
		store.ErrUnavailable, queueID, bucket, maxRebuildAttempts)
}

func (a *Aggregator) recompute(ctx context.Context, queueID, bucket string, start, end time.Time) (models.StatSnapshot, error) {
	completed, err := a.items.ListCompletedBetween(ctx, queueID, start, end)
	if err != nil {
		return models.StatSnapshot{}, err
	}
	abandoned, err := a.items.ListAbandonedBetween(ctx, queueID, start, end)
	if err != nil {
		return models.StatSnapshot{}, err
	}

	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].CompletedAt.Before(*completed[j].CompletedAt)
	})
	snapshot := models.StatSnapshot{QueueID: queueID, DateBucket: bucket}
	for _, item := range completed {
		wait, service := durationsSeconds(item)
		snapshot.AddCompletion(wait, service)
	}
	snapshot.CustomersAbandoned = int64(len(abandoned))
	snapshot.UpdatedAt = a.now().UTC()
	return snapshot, nil
}

// Summary aggregates the buckets of the period that contains now. Averages
// are weighted by each day's attended count.
func (a *Aggregator) Summary(ctx context.Context, queueID, period string, now time.Time) (models.PeriodSummary, error) {
	start, err := PeriodStart(period, now.In(a.loc))
	if err != nil {
		return models.PeriodSummary{}, err
	}
	from := start.Format(models.DateBucketLayout)
	to := a.DateBucket(now)
	days, err := a.snapshots.ListSnapshots(ctx, queueID, from, to)
	if err != nil {
		return models.PeriodSummary{}, err
	}

	summary := models.PeriodSummary{QueueID: queueID, Period: period, From: from, To: to, Days: days}
	var waitSum, serviceSum float64
	for _, day := range days {
		summary.CustomersAttended += day.CustomersAttended
		summary.CustomersAbandoned += day.CustomersAbandoned
		waitSum += day.AvgWaitSeconds * float64(day.CustomersAttended)
		serviceSum += day.AvgServiceSeconds * float64(day.CustomersAttended)
	}
	if summary.CustomersAttended > 0 {
		summary.AvgWaitSeconds = waitSum / float64(summary.CustomersAttended)
		summary.AvgServiceSeconds = serviceSum / float64(summary.CustomersAttended)
	}
	return summary, nil
}

// PeriodStart returns midnight of the first day of the period containing now.
// Weeks start on Sunday.
func PeriodStart(period string, now time.Time) (time.Time, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch period {
	case PeriodDay, "":
		return midnight, nil
	case PeriodWeek:
		return midnight.AddDate(0, 0, -int(midnight.Weekday())), nil
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), nil
	case PeriodYear:
		return time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location()), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
}

func (a *Aggregator) parseBucket(bucket string) (time.Time, error) {
	start, err := time.ParseInLocation(models.DateBucketLayout, bucket, a.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidBucket, bucket)
	}
	return start, nil
}

func durationsSeconds(item models.QueueItem) (float64, float64) {
	wait, _ := item.WaitDuration()
	service, _ := item.ServiceDuration()
	return wait.Seconds(), service.Seconds()
}
