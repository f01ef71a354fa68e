package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crystalmath/crystalmathd/internal/crystalerr"
	"github.com/crystalmath/crystalmathd/internal/model"
)

// CreateJob inserts a new job row in JobPending status and returns its
// assigned ID.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	par, err := json.Marshal(j.Parallelism)
	if err != nil {
		return 0, fmt.Errorf("marshal parallelism: %w", err)
	}

	var id int64
	err = withRetry(ctx, func() error {
		res, err := s.conn.ExecContext(ctx, `
			INSERT INTO jobs (
				name, work_dir, status, input_blob, created_at,
				cluster_id, runner_type, parallelism_json,
				parent_workflow, parent_node
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, j.Name, j.WorkDir, model.JobPending, j.InputBlob, j.CreatedAt,
			nullInt64(j.ClusterID), string(j.RunnerType), string(par),
			nullInt64(j.ParentWorkflow), nullString(j.ParentNode))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, crystalerr.UniqueViolation("work_dir", j.WorkDir)
		}
		return 0, fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// UpdateStatus transitions job id from its current status to next, rejecting
// the update if the transition is not allowed by model.CanTransition.
func (s *Store) UpdateStatus(ctx context.Context, id int64, next model.JobStatus, fields JobUpdateFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withRetry(ctx, func() error {
		return s.withTx(func(tx *sql.Tx) error {
			var current model.JobStatus
			if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return crystalerr.InvalidJob(id)
				}
				return err
			}
			if !model.CanTransition(current, next) {
				return crystalerr.New(crystalerr.KindQueue,
					fmt.Sprintf("job %d: invalid transition %s -> %s", id, current, next))
			}

			set := []string{"status = ?"}
			args := []any{string(next)}
			if fields.StartedAt != nil {
				set = append(set, "started_at = ?")
				args = append(args, *fields.StartedAt)
			}
			if fields.EndedAt != nil {
				set = append(set, "ended_at = ?")
				args = append(args, *fields.EndedAt)
			}
			if fields.ExitCode != nil {
				set = append(set, "exit_code = ?")
				args = append(args, *fields.ExitCode)
			}
			if fields.PID != nil {
				set = append(set, "pid = ?")
				args = append(args, *fields.PID)
			}
			if fields.FinalEnergy != nil {
				set = append(set, "final_energy = ?")
				args = append(args, *fields.FinalEnergy)
			}
			if fields.ResultsBlob != nil {
				set = append(set, "results_blob = ?")
				args = append(args, *fields.ResultsBlob)
			}
			args = append(args, id)

			_, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE jobs SET %s WHERE id = ?", strings.Join(set, ", ")), args...)
			return err
		})
	})
}

// JobUpdateFields carries the optional columns UpdateStatus may set alongside
// the status transition itself.
type JobUpdateFields struct {
	StartedAt   *time.Time
	EndedAt     *time.Time
	ExitCode    *int
	PID         *int
	FinalEnergy *float64
	ResultsBlob *string
}

// GetJob fetches a single job by ID.
func (s *Store) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	row := s.conn.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, crystalerr.InvalidJob(id)
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// GetJobsByStatus returns every job currently in the given status.
func (s *Store) GetJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	rows, err := s.conn.QueryContext(ctx, jobSelectColumns+` FROM jobs WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// GetAllJobs returns every job in the store, oldest first.
func (s *Store) GetAllJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.conn.QueryContext(ctx, jobSelectColumns+` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query all jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// GetJobStatusesBatch resolves the status of every job in ids using a single
// query regardless of len(ids), satisfying the mandatory batching
// rule (no N+1 status lookups from the scheduler's readiness evaluation).
func (s *Store) GetJobStatusesBatch(ctx context.Context, ids []int64) (map[int64]model.JobStatus, error) {
	out := make(map[int64]model.JobStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT id, status FROM jobs WHERE id IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch status query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var status model.JobStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan batch status: %w", err)
		}
		out[id] = status
	}
	return out, rows.Err()
}

const jobSelectColumns = `SELECT
	id, name, work_dir, status, input_blob, created_at, started_at, ended_at,
	exit_code, pid, final_energy, results_blob, cluster_id, runner_type,
	parallelism_json, queue_time, parent_workflow, parent_node`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var runnerType string
	var parallelismJSON sql.NullString
	var clusterID, parentWorkflow sql.NullInt64
	var startedAt, endedAt, queueTime sql.NullTime
	var exitCode, pid sql.NullInt64
	var finalEnergy sql.NullFloat64
	var resultsBlob, parentNode sql.NullString

	if err := row.Scan(
		&j.ID, &j.Name, &j.WorkDir, &j.Status, &j.InputBlob, &j.CreatedAt,
		&startedAt, &endedAt, &exitCode, &pid, &finalEnergy, &resultsBlob,
		&clusterID, &runnerType, &parallelismJSON, &queueTime,
		&parentWorkflow, &parentNode,
	); err != nil {
		return nil, err
	}

	j.RunnerType = model.RunnerType(runnerType)
	if parallelismJSON.Valid && parallelismJSON.String != "" {
		if err := json.Unmarshal([]byte(parallelismJSON.String), &j.Parallelism); err != nil {
			return nil, fmt.Errorf("unmarshal parallelism: %w", err)
		}
	}
	if clusterID.Valid {
		v := clusterID.Int64
		j.ClusterID = &v
	}
	if parentWorkflow.Valid {
		v := parentWorkflow.Int64
		j.ParentWorkflow = &v
	}
	if parentNode.Valid {
		j.ParentNode = &parentNode.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		j.EndedAt = &endedAt.Time
	}
	if queueTime.Valid {
		j.QueueTime = &queueTime.Time
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		j.PID = &v
	}
	if finalEnergy.Valid {
		j.FinalEnergy = &finalEnergy.Float64
	}
	if resultsBlob.Valid {
		j.ResultsBlob = resultsBlob.String
	}
	return &j, nil
}

func scanJobRows(rows *sql.Rows) ([]*model.Job, error) {
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

// parseFloat is used by store callers that read numeric fields out of opaque
// result blobs (e.g. final_energy stored as text by older job records).
func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
