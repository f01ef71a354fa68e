package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/crystalmath/crystalmathd/internal/crystalerr"
	"github.com/crystalmath/crystalmathd/internal/model"
)

// AddJobDependency records that jobID depends on dependsOnJobID, rejecting
// the edge if it would close a cycle in the dependency graph: the queue
// manager must never be handed a graph it cannot schedule.
func (s *Store) AddJobDependency(ctx context.Context, dep model.JobDependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withRetry(ctx, func() error {
		return s.withTx(func(tx *sql.Tx) error {
			reachable, err := reachesFrom(ctx, tx, dep.DependsOnJobID, dep.JobID)
			if err != nil {
				return err
			}
			if reachable {
				return crystalerr.CircularDependency(
					fmt.Sprintf("job %d already (transitively) depends on job %d", dep.DependsOnJobID, dep.JobID))
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO job_dependencies (job_id, depends_on_job_id, kind)
				VALUES (?, ?, ?)
				ON CONFLICT(job_id, depends_on_job_id) DO UPDATE SET kind = excluded.kind
			`, dep.JobID, dep.DependsOnJobID, string(dep.Kind))
			return err
		})
	})
}

// reachesFrom performs a breadth-first search over the dependency edges to
// determine whether target is reachable by following "depends on" edges
// starting at start. Adding an edge start -> target is safe only when target
// cannot already reach start.
func reachesFrom(ctx context.Context, tx *sql.Tx, start, target int64) (bool, error) {
	visited := map[int64]bool{start: true}
	frontier := []int64{start}

	for len(frontier) > 0 {
		if visited[target] {
			return true, nil
		}
		next := frontier[:0]
		for _, id := range frontier {
			rows, err := tx.QueryContext(ctx, `SELECT depends_on_job_id FROM job_dependencies WHERE job_id = ?`, id)
			if err != nil {
				return false, err
			}
			for rows.Next() {
				var dep int64
				if err := rows.Scan(&dep); err != nil {
					rows.Close()
					return false, err
				}
				if !visited[dep] {
					visited[dep] = true
					next = append(next, dep)
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return false, err
			}
		}
		frontier = next
	}
	return visited[target], nil
}

// GetDependencies returns the edges jobID depends on.
func (s *Store) GetDependencies(ctx context.Context, jobID int64) ([]model.JobDependency, error) {
	return queryDependencyEdges(ctx, s.conn, `SELECT job_id, depends_on_job_id, kind FROM job_dependencies WHERE job_id = ?`, jobID)
}

// GetDependents returns the edges that depend on jobID.
func (s *Store) GetDependents(ctx context.Context, jobID int64) ([]model.JobDependency, error) {
	return queryDependencyEdges(ctx, s.conn, `SELECT job_id, depends_on_job_id, kind FROM job_dependencies WHERE depends_on_job_id = ?`, jobID)
}

func queryDependencyEdges(ctx context.Context, conn *sql.DB, query string, arg int64) ([]model.JobDependency, error) {
	rows, err := conn.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query dependency edges: %w", err)
	}
	defer rows.Close()

	var out []model.JobDependency
	for rows.Next() {
		var d model.JobDependency
		var kind string
		if err := rows.Scan(&d.JobID, &d.DependsOnJobID, &kind); err != nil {
			return nil, fmt.Errorf("scan dependency row: %w", err)
		}
		d.Kind = model.DependencyKind(kind)
		out = append(out, d)
	}
	return out, rows.Err()
}
