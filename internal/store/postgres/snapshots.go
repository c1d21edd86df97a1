package postgres

import (
	"context"
	"errors"
	"time"

	"qms/queue-engine/internal/models"

	"github.com/jackc/pgx/v5"
)

const snapshotColumns = `queue_id, date_bucket, customers_attended, customers_abandoned, avg_wait_seconds, avg_service_seconds, updated_at, version`

// ApplyCompletion folds one completion into the bucket's running means in a
// single upsert, so concurrent completions never lose an update.
func (s *Store) ApplyCompletion(ctx context.Context, queueID, bucket string, waitSeconds, serviceSeconds float64, at time.Time) (models.StatSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO stat_snapshots (queue_id, date_bucket, customers_attended, customers_abandoned, avg_wait_seconds, avg_service_seconds, updated_at, version)
		VALUES ($1, $2, 1, 0, $3::double precision, $4::double precision, $5, 1)
		ON CONFLICT (queue_id, date_bucket) DO UPDATE SET
			customers_attended = stat_snapshots.customers_attended + 1,
			avg_wait_seconds = stat_snapshots.avg_wait_seconds
				+ ($3::double precision - stat_snapshots.avg_wait_seconds) / (stat_snapshots.customers_attended + 1),
			avg_service_seconds = stat_snapshots.avg_service_seconds
				+ ($4::double precision - stat_snapshots.avg_service_seconds) / (stat_snapshots.customers_attended + 1),
			updated_at = $5,
			version = stat_snapshots.version + 1
		RETURNING `+snapshotColumns, queueID, bucket, waitSeconds, serviceSeconds, at)
	snapshot, err := scanSnapshot(row)
	if err != nil {
		return models.StatSnapshot{}, unavailable("apply completion", err)
	}
	return snapshot, nil
}

func (s *Store) ApplyAbandonment(ctx context.Context, queueID, bucket string, at time.Time) (models.StatSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO stat_snapshots (queue_id, date_bucket, customers_attended, customers_abandoned, avg_wait_seconds, avg_service_seconds, updated_at, version)
		VALUES ($1, $2, 0, 1, 0, 0, $3, 1)
		ON CONFLICT (queue_id, date_bucket) DO UPDATE SET
			customers_abandoned = stat_snapshots.customers_abandoned + 1,
			updated_at = $3,
			version = stat_snapshots.version + 1
		RETURNING `+snapshotColumns, queueID, bucket, at)
	snapshot, err := scanSnapshot(row)
	if err != nil {
		return models.StatSnapshot{}, unavailable("apply abandonment", err)
	}
	return snapshot, nil
}

func (s *Store) GetSnapshot(ctx context.Context, queueID, bucket string) (models.StatSnapshot, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM stat_snapshots WHERE queue_id = $1 AND date_bucket = $2`, queueID, bucket)
	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.StatSnapshot{}, false, nil
		}
		return models.StatSnapshot{}, false, unavailable("get snapshot", err)
	}
	return snapshot, true, nil
}

// ReplaceSnapshot overwrites the bucket only while its version still matches
// the one the caller read. A bucket created concurrently conflicts on insert
// and fails the version check the same way.
func (s *Store) ReplaceSnapshot(ctx context.Context, snapshot models.StatSnapshot) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stat_snapshots (queue_id, date_bucket, customers_attended, customers_abandoned, avg_wait_seconds, avg_service_seconds, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::bigint + 1)
		ON CONFLICT (queue_id, date_bucket) DO UPDATE SET
			customers_attended = EXCLUDED.customers_attended,
			customers_abandoned = EXCLUDED.customers_abandoned,
			avg_wait_seconds = EXCLUDED.avg_wait_seconds,
			avg_service_seconds = EXCLUDED.avg_service_seconds,
			updated_at = EXCLUDED.updated_at,
			version = stat_snapshots.version + 1
		WHERE stat_snapshots.version = $8::bigint
	`, snapshot.QueueID, snapshot.DateBucket, snapshot.CustomersAttended, snapshot.CustomersAbandoned,
		snapshot.AvgWaitSeconds, snapshot.AvgServiceSeconds, snapshot.UpdatedAt, snapshot.Version)
	if err != nil {
		return false, unavailable("replace snapshot", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListSnapshots(ctx context.Context, queueID, fromBucket, toBucket string) ([]models.StatSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+`
		FROM stat_snapshots
		WHERE queue_id = $1 AND date_bucket >= $2 AND date_bucket <= $3
		ORDER BY date_bucket ASC
	`, queueID, fromBucket, toBucket)
	if err != nil {
		return nil, unavailable("list snapshots", err)
	}
	defer rows.Close()
	snapshots := make([]models.StatSnapshot, 0)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, unavailable("list snapshots", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list snapshots", err)
	}
	return snapshots, nil
}

func scanSnapshot(row pgx.Row) (models.StatSnapshot, error) {
	var snapshot models.StatSnapshot
	err := row.Scan(&snapshot.QueueID, &snapshot.DateBucket, &snapshot.CustomersAttended, &snapshot.CustomersAbandoned,
		&snapshot.AvgWaitSeconds, &snapshot.AvgServiceSeconds, &snapshot.UpdatedAt, &snapshot.Version)
	return snapshot, err
}
