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

// CreateCluster registers a new remote execution target.
func (s *Store) CreateCluster(ctx context.Context, c *model.Cluster) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := json.Marshal(c.AvailableResources)
	if err != nil {
		return 0, fmt.Errorf("marshal available resources: %w", err)
	}

	var id int64
	err = withRetry(ctx, func() error {
		row, err := s.conn.ExecContext(ctx, `
			INSERT INTO clusters (
				name, type, host, port, user, connection_config,
				status, max_concurrent, available_resources
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.Name, string(c.Type), c.Host, c.Port, c.User, c.ConnectionConfig,
			string(c.Status), c.MaxConcurrent, string(res))
		if err != nil {
			return err
		}
		id, err = row.LastInsertId()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, crystalerr.UniqueViolation("name", c.Name)
		}
		return 0, fmt.Errorf("create cluster: %w", err)
	}
	return id, nil
}

// UpdateCluster overwrites the mutable fields of an existing cluster.
func (s *Store) UpdateCluster(ctx context.Context, c *model.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := json.Marshal(c.AvailableResources)
	if err != nil {
		return fmt.Errorf("marshal available resources: %w", err)
	}

	return withRetry(ctx, func() error {
		result, err := s.conn.ExecContext(ctx, `
			UPDATE clusters SET
				host = ?, port = ?, user = ?, connection_config = ?,
				status = ?, max_concurrent = ?, available_resources = ?
			WHERE id = ?
		`, c.Host, c.Port, c.User, c.ConnectionConfig, string(c.Status),
			c.MaxConcurrent, string(res), c.ID)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return crystalerr.NotFound(fmt.Sprintf("cluster %d", c.ID))
		}
		return nil
	})
}

// DeleteCluster removes a cluster, refusing if any job referencing it has not
// reached a terminal status.
func (s *Store) DeleteCluster(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withRetry(ctx, func() error {
		return s.withTx(func(tx *sql.Tx) error {
			var active int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM jobs
				WHERE cluster_id = ? AND status NOT IN (?, ?, ?)
			`, id, model.JobCompleted, model.JobFailed, model.JobCancelled).Scan(&active)
			if err != nil {
				return err
			}
			if active > 0 {
				return crystalerr.New(crystalerr.KindQueue,
					fmt.Sprintf("cluster %d has %d non-terminal job(s)", id, active))
			}

			result, err := tx.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
			if err != nil {
				return err
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return crystalerr.NotFound(fmt.Sprintf("cluster %d", id))
			}
			return nil
		})
	})
}

// GetCluster fetches a single cluster by ID.
func (s *Store) GetCluster(ctx context.Context, id int64) (*model.Cluster, error) {
	row := s.conn.QueryRowContext(ctx, clusterSelectColumns+` FROM clusters WHERE id = ?`, id)
	c, err := scanCluster(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, crystalerr.NotFound(fmt.Sprintf("cluster %d", id))
		}
		return nil, fmt.Errorf("get cluster %d: %w", id, err)
	}
	return c, nil
}

// ListClusters returns every registered cluster.
func (s *Store) ListClusters(ctx context.Context) ([]*model.Cluster, error) {
	rows, err := s.conn.QueryContext(ctx, clusterSelectColumns+` FROM clusters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var out []*model.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const clusterSelectColumns = `SELECT
	id, name, type, host, port, user, connection_config, status,
	max_concurrent, available_resources`

func scanCluster(row rowScanner) (*model.Cluster, error) {
	var c model.Cluster
	var typ, status string
	var resources sql.NullString

	if err := row.Scan(
		&c.ID, &c.Name, &typ, &c.Host, &c.Port, &c.User, &c.ConnectionConfig,
		&status, &c.MaxConcurrent, &resources,
	); err != nil {
		return nil, err
	}
	c.Type = model.ClusterType(typ)
	c.Status = model.ClusterStatus(status)
	if resources.Valid && resources.String != "" {
		if err := json.Unmarshal([]byte(resources.String), &c.AvailableResources); err != nil {
			return nil, fmt.Errorf("unmarshal available resources: %w", err)
		}
	}
	return &c, nil
}
