package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// SaveQueueState upserts the scheduling metadata for a not-yet-dispatched
// job. The queue manager calls this on enqueue and on every retry-count bump.
func (s *Store) SaveQueueState(ctx context.Context, qs *model.QueuedJobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs, err := json.Marshal(qs.ResourceRequirements)
	if err != nil {
		return fmt.Errorf("marshal resource requirements: %w", err)
	}

	return withRetry(ctx, func() error {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO queue_state (
				job_id, priority, enqueued_at, retry_count, max_retries,
				runner_type, cluster_id, user_id, resource_requirements
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				priority = excluded.priority,
				retry_count = excluded.retry_count,
				max_retries = excluded.max_retries,
				cluster_id = excluded.cluster_id,
				resource_requirements = excluded.resource_requirements
		`, qs.JobID, qs.Priority, qs.EnqueuedAt, qs.RetryCount, qs.MaxRetries,
			string(qs.RunnerType), qs.ClusterID, qs.UserID, string(reqs))
		return err
	})
}

// LoadAllQueueState returns scheduling metadata for every job still pending
// dispatch, used to rebuild the in-memory ready queue on daemon startup.
func (s *Store) LoadAllQueueState(ctx context.Context) ([]*model.QueuedJobState, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT job_id, priority, enqueued_at, retry_count, max_retries,
			runner_type, cluster_id, user_id, resource_requirements
		FROM queue_state ORDER BY job_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load queue state: %w", err)
	}
	defer rows.Close()

	var out []*model.QueuedJobState
	for rows.Next() {
		var qs model.QueuedJobState
		var runnerType string
		var clusterID sql.NullInt64
		var reqs sql.NullString
		if err := rows.Scan(
			&qs.JobID, &qs.Priority, &qs.EnqueuedAt, &qs.RetryCount, &qs.MaxRetries,
			&runnerType, &clusterID, &qs.UserID, &reqs,
		); err != nil {
			return nil, fmt.Errorf("scan queue state row: %w", err)
		}
		qs.RunnerType = model.RunnerType(runnerType)
		if clusterID.Valid {
			v := clusterID.Int64
			qs.ClusterID = &v
		}
		if reqs.Valid && reqs.String != "" {
			if err := json.Unmarshal([]byte(reqs.String), &qs.ResourceRequirements); err != nil {
				return nil, fmt.Errorf("unmarshal resource requirements: %w", err)
			}
		}
		out = append(out, &qs)
	}
	return out, rows.Err()
}

// DeleteQueueState removes a job's scheduling metadata once it has been
// dispatched (moved to Running) or reached a terminal status directly.
func (s *Store) DeleteQueueState(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withRetry(ctx, func() error {
		_, err := s.conn.ExecContext(ctx, `DELETE FROM queue_state WHERE job_id = ?`, jobID)
		return err
	})
}
