package daemon

import (
	"context"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
	"github.com/crystalmath/crystalmathd/internal/runner"
	"github.com/crystalmath/crystalmathd/internal/scheduler"
	"github.com/crystalmath/crystalmathd/internal/store"
)

// schedulerStore adapts *store.Store to scheduler.Store. Every method but
// UpdateStatus forwards directly; UpdateStatus needs a field-by-field copy
// because scheduler.JobUpdateFields is declared independently of
// store.JobUpdateFields to keep the two packages decoupled.
type schedulerStore struct {
	*store.Store
}

func (a schedulerStore) UpdateStatus(ctx context.Context, id int64, next model.JobStatus, fields scheduler.JobUpdateFields) error {
	return a.Store.UpdateStatus(ctx, id, next, store.JobUpdateFields{
		StartedAt:   fields.StartedAt,
		EndedAt:     fields.EndedAt,
		ExitCode:    fields.ExitCode,
		FinalEnergy: fields.FinalEnergy,
		ResultsBlob: fields.ResultsBlob,
	})
}

// runnerStore adapts *store.Store to runner.Store, the narrow persistence
// surface the dispatcher's watch loop uses to record a job's terminal state.
type runnerStore struct {
	*store.Store
}

func (a runnerStore) UpdateStatus(ctx context.Context, id int64, next model.JobStatus, fields runner.JobUpdateFields) error {
	return a.Store.UpdateStatus(ctx, id, next, store.JobUpdateFields{
		EndedAt:     fields.EndedAt,
		ExitCode:    fields.ExitCode,
		ResultsBlob: fields.ResultsBlob,
	})
}

// parseDuration parses s, falling back to def on error. Every duration field
// in config.Config has already passed validateConfig's time.ParseDuration
// check by the time it reaches here, so the fallback only matters for a
// value changed after Load.
func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
