package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// Recover transitions every RunnerLocal job left in JobRunning status across
// an unclean shutdown into JobFailed, recording the reason as "server
// restart". A crystalmathd process never resumes a local job it did not
// itself launch: the OS process backing it is gone the moment the daemon
// exits, so there is nothing to reattach to. Remote (SSH/SLURM) jobs are
// left untouched here; the caller is expected to reconcile those against
// their clusters separately, since the remote process may still be alive.
func (s *Store) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var affected int64

	err := withRetry(ctx, func() error {
		return s.withTx(func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, `
				UPDATE jobs SET
					status = ?, ended_at = ?, results_blob = ?
				WHERE status = ? AND runner_type = ?
			`, string(model.JobFailed), now, "server restart",
				string(model.JobRunning), string(model.RunnerLocal))
			if err != nil {
				return err
			}
			affected, err = result.RowsAffected()
			return err
		})
	})
	if err != nil {
		return 0, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	return int(affected), nil
}
