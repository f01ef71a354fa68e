package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crystalmath/crystalmathd/internal/crystalerr"
	"github.com/crystalmath/crystalmathd/internal/model"
)

// PutRemoteJob creates or replaces the remote-execution handle for a job.
func (s *Store) PutRemoteJob(ctx context.Context, rj *model.RemoteJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := json.Marshal(rj.Metadata)
	if err != nil {
		return fmt.Errorf("marshal remote job metadata: %w", err)
	}

	return withRetry(ctx, func() error {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO remote_jobs (
				job_id, cluster_id, remote_handle, remote_work_dir,
				queue_name, node_list, stdout_path, stderr_path, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				cluster_id = excluded.cluster_id,
				remote_handle = excluded.remote_handle,
				remote_work_dir = excluded.remote_work_dir,
				queue_name = excluded.queue_name,
				node_list = excluded.node_list,
				stdout_path = excluded.stdout_path,
				stderr_path = excluded.stderr_path,
				metadata = excluded.metadata
		`, rj.JobID, rj.ClusterID, rj.RemoteHandle, rj.RemoteWorkDir,
			rj.QueueName, rj.NodeList, rj.StdoutPath, rj.StderrPath, string(meta))
		return err
	})
}

// GetRemoteJob fetches the remote-execution handle for a job, if any.
func (s *Store) GetRemoteJob(ctx context.Context, jobID int64) (*model.RemoteJob, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT job_id, cluster_id, remote_handle, remote_work_dir,
			queue_name, node_list, stdout_path, stderr_path, metadata
		FROM remote_jobs WHERE job_id = ?
	`, jobID)

	var rj model.RemoteJob
	var meta sql.NullString
	if err := row.Scan(
		&rj.JobID, &rj.ClusterID, &rj.RemoteHandle, &rj.RemoteWorkDir,
		&rj.QueueName, &rj.NodeList, &rj.StdoutPath, &rj.StderrPath, &meta,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, crystalerr.NotFound(fmt.Sprintf("remote job for job %d", jobID))
		}
		return nil, fmt.Errorf("get remote job %d: %w", jobID, err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rj.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal remote job metadata: %w", err)
		}
	}
	return &rj, nil
}

// ListRemoteJobsByCluster returns every remote job handle outstanding on a
// cluster. The daemon does not call it at startup; in-flight SSH/SLURM jobs
// are not reattached after a restart.
func (s *Store) ListRemoteJobsByCluster(ctx context.Context, clusterID int64) ([]*model.RemoteJob, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT job_id, cluster_id, remote_handle, remote_work_dir,
			queue_name, node_list, stdout_path, stderr_path, metadata
		FROM remote_jobs WHERE cluster_id = ?
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("list remote jobs for cluster %d: %w", clusterID, err)
	}
	defer rows.Close()

	var out []*model.RemoteJob
	for rows.Next() {
		var rj model.RemoteJob
		var meta sql.NullString
		if err := rows.Scan(
			&rj.JobID, &rj.ClusterID, &rj.RemoteHandle, &rj.RemoteWorkDir,
			&rj.QueueName, &rj.NodeList, &rj.StdoutPath, &rj.StderrPath, &meta,
		); err != nil {
			return nil, fmt.Errorf("scan remote job row: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &rj.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal remote job metadata: %w", err)
			}
		}
		out = append(out, &rj)
	}
	return out, rows.Err()
}

// DeleteRemoteJob removes the remote handle once a job reaches a terminal
// status and its results have been collected.
func (s *Store) DeleteRemoteJob(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withRetry(ctx, func() error {
		_, err := s.conn.ExecContext(ctx, `DELETE FROM remote_jobs WHERE job_id = ?`, jobID)
		return err
	})
}
