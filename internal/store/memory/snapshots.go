package memory

import (
	"context"
	"sort"
	"time"

	"qms/queue-engine/internal/models"
)

func snapshotKey(queueID, bucket string) string {
	return queueID + "_" + bucket
}

func (s *Store) ApplyCompletion(ctx context.Context, queueID, bucket string, waitSeconds, serviceSeconds float64, at time.Time) (models.StatSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapshotKey(queueID, bucket)
	snapshot := s.snapshotLocked(key, queueID, bucket)
	snapshot.AddCompletion(waitSeconds, serviceSeconds)
	snapshot.UpdatedAt = at
	snapshot.Version++
	s.snapshots[key] = snapshot
	return snapshot, nil
}

func (s *Store) ApplyAbandonment(ctx context.Context, queueID, bucket string, at time.Time) (models.StatSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapshotKey(queueID, bucket)
	snapshot := s.snapshotLocked(key, queueID, bucket)
	snapshot.CustomersAbandoned++
	snapshot.UpdatedAt = at
	snapshot.Version++
	s.snapshots[key] = snapshot
	return snapshot, nil
}

func (s *Store) GetSnapshot(ctx context.Context, queueID, bucket string) (models.StatSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[snapshotKey(queueID, bucket)]
	return snapshot, ok, nil
}

func (s *Store) ReplaceSnapshot(ctx context.Context, snapshot models.StatSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapshotKey(snapshot.QueueID, snapshot.DateBucket)
	if current := s.snapshots[key]; current.Version != snapshot.Version {
		return false, nil
	}
	snapshot.Version++
	s.snapshots[key] = snapshot
	return true, nil
}

// ListSnapshots returns the buckets of queueID in [fromBucket, toBucket],
// ordered by date. Buckets compare lexically because of their layout.
func (s *Store) ListSnapshots(ctx context.Context, queueID, fromBucket, toBucket string) ([]models.StatSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StatSnapshot, 0)
	for _, snapshot := range s.snapshots {
		if snapshot.QueueID != queueID {
			continue
		}
		if snapshot.DateBucket < fromBucket || snapshot.DateBucket > toBucket {
			continue
		}
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateBucket < out[j].DateBucket })
	return out, nil
}

func (s *Store) snapshotLocked(key, queueID, bucket string) models.StatSnapshot {
	snapshot, ok := s.snapshots[key]
	if !ok {
		snapshot = models.StatSnapshot{QueueID: queueID, DateBucket: bucket}
	}
	return snapshot
}
