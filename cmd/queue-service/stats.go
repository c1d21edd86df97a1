package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/stats"
	"qms/queue-engine/internal/telemetry"
)

var (
	statsQueueID string
	statsPeriod  string
	rebuildDate  string
	rebuildQueue string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print daily statistics of a queue for a period",
	RunE:  runStats,
}

var rebuildStatsCmd = &cobra.Command{
	Use:   "rebuild-stats",
	Short: "Recompute statistics buckets from item history",
	Long: `Recompute one day's statistics from completed and abandoned items.

Without --queue every queue is rebuilt. Without --date yesterday is rebuilt.`,
	RunE: runRebuildStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsQueueID, "queue", "", "queue ID (required)")
	statsCmd.Flags().StringVar(&statsPeriod, "period", stats.PeriodWeek, "day | week | month | year")
	_ = statsCmd.MarkFlagRequired("queue")

	rebuildStatsCmd.Flags().StringVar(&rebuildDate, "date", "", "bucket to rebuild (YYYY-MM-DD)")
	rebuildStatsCmd.Flags().StringVar(&rebuildQueue, "queue", "", "rebuild a single queue")
}

func runStats(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := telemetry.NewLogger(cfg.LogLevel, "text")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	agg := stats.New(be.store, be.store, stats.Options{Location: cfg.Location(), Logger: logger})
	summary, err := agg.Summary(ctx, statsQueueID, statsPeriod, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(renderSummary(summary))
	return nil
}

func renderSummary(summary models.PeriodSummary) string {
	headers := []string{"Day", "Attended", "Abandoned", "Avg wait", "Avg service"}
	rows := make([][]string, 0, len(summary.Days))
	for _, day := range summary.Days {
		rows = append(rows, []string{
			day.DateBucket,
			strconv.FormatInt(day.CustomersAttended, 10),
			strconv.FormatInt(day.CustomersAbandoned, 10),
			formatSeconds(day.AvgWaitSeconds),
			formatSeconds(day.AvgServiceSeconds),
		})
	}
	footer := []string{
		summary.From + " → " + summary.To,
		strconv.FormatInt(summary.CustomersAttended, 10),
		strconv.FormatInt(summary.CustomersAbandoned, 10),
		formatSeconds(summary.AvgWaitSeconds),
		formatSeconds(summary.AvgServiceSeconds),
	}
	aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight}
	return renderTable(headers, rows, footer, aligns)
}

func formatSeconds(seconds float64) string {
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}

func runRebuildStats(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := telemetry.NewLogger(cfg.LogLevel, "text")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	agg := stats.New(be.store, be.store, stats.Options{Location: cfg.Location(), Logger: logger})
	bucket := rebuildDate
	if bucket == "" {
		bucket = agg.DateBucket(time.Now().AddDate(0, 0, -1))
	}

	if rebuildQueue != "" {
		snapshot, err := agg.Rebuild(ctx, rebuildQueue, bucket)
		if err != nil {
			return err
		}
		fmt.Println(renderSummary(models.PeriodSummary{
			QueueID:            rebuildQueue,
			From:               bucket,
			To:                 bucket,
			CustomersAttended:  snapshot.CustomersAttended,
			CustomersAbandoned: snapshot.CustomersAbandoned,
			AvgWaitSeconds:     snapshot.AvgWaitSeconds,
			AvgServiceSeconds:  snapshot.AvgServiceSeconds,
			Days:               []models.StatSnapshot{snapshot},
		}))
		return nil
	}

	rebuilt, err := stats.RebuildAll(ctx, agg, be.store, bucket, logger)
	fmt.Printf("rebuilt %s for %d queue(s)\n", bucket, rebuilt)
	return err
}
