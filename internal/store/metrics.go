package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// PutSchedulerMetrics persists one tick's worth of scheduler activity. The
// table is an append-only log; trimming old rows is left to an external
// retention job since crystalmathd itself has no size-based eviction
// requirement for this table.
func (s *Store) PutSchedulerMetrics(ctx context.Context, m *model.SchedulerMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth, err := json.Marshal(m.QueueDepthByPriority)
	if err != nil {
		return fmt.Errorf("marshal queue depth: %w", err)
	}
	running, err := json.Marshal(m.RunningByCluster)
	if err != nil {
		return fmt.Errorf("marshal running by cluster: %w", err)
	}

	return withRetry(ctx, func() error {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO scheduler_metrics (
				tick_at, queue_depth_by_priority, running_by_cluster,
				dispatched, retried, permanently_failed, avg_wait_seconds
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, m.TickAt, string(depth), string(running), m.Dispatched, m.Retried,
			m.PermanentlyFailed, m.AvgWaitSeconds)
		return err
	})
}

// LatestSchedulerMetrics returns the most recently recorded tick, or nil if
// the scheduler has not ticked since the database was created.
func (s *Store) LatestSchedulerMetrics(ctx context.Context) (*model.SchedulerMetrics, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT tick_at, queue_depth_by_priority, running_by_cluster,
			dispatched, retried, permanently_failed, avg_wait_seconds
		FROM scheduler_metrics ORDER BY id DESC LIMIT 1
	`)

	var m model.SchedulerMetrics
	var depth, running string
	if err := row.Scan(&m.TickAt, &depth, &running, &m.Dispatched, &m.Retried,
		&m.PermanentlyFailed, &m.AvgWaitSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load latest scheduler metrics: %w", err)
	}
	if depth != "" {
		if err := json.Unmarshal([]byte(depth), &m.QueueDepthByPriority); err != nil {
			return nil, fmt.Errorf("unmarshal queue depth: %w", err)
		}
	}
	if running != "" {
		if err := json.Unmarshal([]byte(running), &m.RunningByCluster); err != nil {
			return nil, fmt.Errorf("unmarshal running by cluster: %w", err)
		}
	}
	return &m, nil
}
