package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/crystalmath/crystalmathd/internal/model"
	"github.com/crystalmath/crystalmathd/internal/runner"
	"github.com/crystalmath/crystalmathd/internal/scheduler"
)

// dispatcherProxy breaks the construction-order cycle between
// scheduler.New, which needs a scheduler.Dispatcher at construction time, and
// runner.NewDispatcher, which needs a scheduler.CompletionSink (the
// *scheduler.Scheduler itself) at construction time. The daemon builds a
// dispatcherProxy first, hands it to scheduler.New, builds the real
// *runner.Dispatcher against the resulting scheduler, then calls set to
// complete the wiring.
type dispatcherProxy struct {
	mu    sync.RWMutex
	inner *runner.Dispatcher
}

func (p *dispatcherProxy) set(d *runner.Dispatcher) {
	p.mu.Lock()
	p.inner = d
	p.mu.Unlock()
}

func (p *dispatcherProxy) get() (*runner.Dispatcher, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.inner == nil {
		return nil, fmt.Errorf("dispatcher: not yet wired")
	}
	return p.inner, nil
}

// Dispatch satisfies scheduler.Dispatcher.
func (p *dispatcherProxy) Dispatch(ctx context.Context, job *model.Job) error {
	d, err := p.get()
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, job)
}

// CancelJob satisfies scheduler.RunningCanceller, letting the scheduler
// cancel an already-dispatched job without knowing about *runner.Dispatcher.
func (p *dispatcherProxy) CancelJob(ctx context.Context, job *model.Job) (bool, error) {
	d, err := p.get()
	if err != nil {
		return false, err
	}
	return d.CancelJob(ctx, job)
}

// StreamLogs satisfies the narrow interface JobService.JobLog dispatches
// through to read a running job's live output.
func (p *dispatcherProxy) StreamLogs(ctx context.Context, job *model.Job) (<-chan string, error) {
	d, err := p.get()
	if err != nil {
		return nil, err
	}
	return d.StreamLogs(ctx, job)
}

// schedulerSourceProxy breaks the same construction-order cycle for
// metrics.NewRegistry, which needs a metrics.Source (the scheduler) to
// scrape at construction time, while the scheduler needs the registry's
// Counters as its MetricsSink at its own construction time. The daemon
// builds the registry against a proxy first, then points it at the real
// scheduler once built.
type schedulerSourceProxy struct {
	mu    sync.RWMutex
	inner interface{ StatusSnapshot() scheduler.Status }
}

func (p *schedulerSourceProxy) set(s interface{ StatusSnapshot() scheduler.Status }) {
	p.mu.Lock()
	p.inner = s
	p.mu.Unlock()
}

func (p *schedulerSourceProxy) StatusSnapshot() scheduler.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.inner == nil {
		return scheduler.Status{}
	}
	return p.inner.StatusSnapshot()
}
