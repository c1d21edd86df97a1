package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"qms/queue-engine/internal/store"
)

const DefaultRebuildSpec = "10 0 * * *"

// Leader reports whether this instance should run cluster-wide jobs. A nil
// Leader means the instance always runs them.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
}

type Scheduler struct {
	agg    *Aggregator
	queues store.QueueStore
	leader Leader
	spec   string
	logger *logrus.Logger
	cron   *cron.Cron
}

func NewScheduler(agg *Aggregator, queues store.QueueStore, leader Leader, spec string, logger *logrus.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultRebuildSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse rebuild schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		agg:    agg,
		queues: queues,
		leader: leader,
		spec:   spec,
		logger: logger,
		cron:   cron.New(cron.WithLocation(agg.Location())),
	}, nil
}

// Start schedules the nightly repair of yesterday's buckets and stops it when
// ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		if s.leader != nil {
			lead, err := s.leader.TryLead(ctx)
			if err != nil {
				s.logger.WithError(err).Warn("statistics leader election failed")
				return
			}
			if !lead {
				return
			}
		}
		yesterday := s.agg.DateBucket(time.Now().AddDate(0, 0, -1))
		if _, err := s.RebuildDay(ctx, yesterday); err != nil {
			s.logger.WithError(err).WithField("bucket", yesterday).Error("nightly statistics rebuild failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.WithField("schedule", s.spec).Info("statistics rebuild scheduled")
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
	return nil
}

// RebuildDay rebuilds bucket for every queue. It keeps going past failures
// and returns the number of queues rebuilt with the first error seen.
func (s *Scheduler) RebuildDay(ctx context.Context, bucket string) (int, error) {
	return RebuildAll(ctx, s.agg, s.queues, bucket, s.logger)
}

func RebuildAll(ctx context.Context, agg *Aggregator, queues store.QueueStore, bucket string, logger *logrus.Logger) (int, error) {
	list, err := queues.ListQueues(ctx)
	if err != nil {
		return 0, err
	}
	var firstErr error
	rebuilt := 0
	for _, queue := range list {
		if ctx.Err() != nil {
			return rebuilt, ctx.Err()
		}
		if _, err := agg.Rebuild(ctx, queue.QueueID, bucket); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{"queue_id": queue.QueueID, "bucket": bucket}).Warn("rebuild statistics bucket")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rebuilt++
	}
	return rebuilt, firstErr
}
