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

// CreateWorkflow inserts a new workflow and all of its nodes in a single
// transaction, keeping the multi-row write atomic.
func (s *Store) CreateWorkflow(ctx context.Context, wf *model.Workflow, nodes []*model.WorkflowNode) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := withRetry(ctx, func() error {
		return s.withTx(func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO workflows (name, spec, status, created_at, failure_policy)
				VALUES (?, ?, ?, ?, ?)
			`, wf.Name, wf.Spec, string(model.WorkflowPending), wf.CreatedAt, string(wf.FailurePolicy))
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			if err != nil {
				return err
			}

			for _, n := range nodes {
				deps, err := json.Marshal(n.Dependencies)
				if err != nil {
					return fmt.Errorf("marshal node dependencies: %w", err)
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO workflow_nodes (
						node_id, workflow_id, name, template_ref,
						parameter_template, dependencies, status, max_retries
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				`, n.NodeID, id, n.Name, n.TemplateRef, n.ParameterTemplate,
					string(deps), string(model.JobPending), n.MaxRetries)
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("create workflow: %w", err)
	}
	return id, nil
}

// UpdateWorkflowStatus sets a workflow's overall status.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id int64, status model.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withRetry(ctx, func() error {
		result, err := s.conn.ExecContext(ctx, `UPDATE workflows SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return crystalerr.InvalidWorkflow(fmt.Sprintf("workflow %d not found", id))
		}
		return nil
	})
}

// GetWorkflow fetches a workflow by ID.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	var wf model.Workflow
	var status, policy string
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, name, spec, status, created_at, failure_policy FROM workflows WHERE id = ?
	`, id).Scan(&wf.ID, &wf.Name, &wf.Spec, &status, &wf.CreatedAt, &policy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, crystalerr.InvalidWorkflow(fmt.Sprintf("workflow %d not found", id))
		}
		return nil, fmt.Errorf("get workflow %d: %w", id, err)
	}
	wf.Status = model.WorkflowStatus(status)
	wf.FailurePolicy = model.FailurePolicy(policy)
	return &wf, nil
}

// GetWorkflowNodes returns every node belonging to a workflow.
func (s *Store) GetWorkflowNodes(ctx context.Context, workflowID int64) ([]*model.WorkflowNode, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT node_id, workflow_id, name, template_ref, parameter_template,
			dependencies, job_id, status, results, retry_count, max_retries
		FROM workflow_nodes WHERE workflow_id = ? ORDER BY node_id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query workflow nodes: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowNode
	for rows.Next() {
		n, err := scanWorkflowNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateWorkflowNode persists a node's job assignment, status, results, and
// retry count.
func (s *Store) UpdateWorkflowNode(ctx context.Context, n *model.WorkflowNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	results, err := json.Marshal(n.Results)
	if err != nil {
		return fmt.Errorf("marshal node results: %w", err)
	}

	return withRetry(ctx, func() error {
		result, err := s.conn.ExecContext(ctx, `
			UPDATE workflow_nodes SET
				job_id = ?, status = ?, results = ?, retry_count = ?
			WHERE workflow_id = ? AND node_id = ?
		`, n.JobID, string(n.Status), string(results), n.RetryCount, n.WorkflowID, n.NodeID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return crystalerr.InvalidWorkflow(fmt.Sprintf("node %s in workflow %d not found", n.NodeID, n.WorkflowID))
		}
		return nil
	})
}

func scanWorkflowNode(row rowScanner) (*model.WorkflowNode, error) {
	var n model.WorkflowNode
	var status string
	var deps, results sql.NullString
	var jobID sql.NullInt64

	if err := row.Scan(
		&n.NodeID, &n.WorkflowID, &n.Name, &n.TemplateRef, &n.ParameterTemplate,
		&deps, &jobID, &status, &results, &n.RetryCount, &n.MaxRetries,
	); err != nil {
		return nil, err
	}
	n.Status = model.JobStatus(status)
	if jobID.Valid {
		v := jobID.Int64
		n.JobID = &v
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &n.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &n.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return &n, nil
}
