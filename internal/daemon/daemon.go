// Package daemon wires together the store, the queue manager, the workflow
// orchestrator, the runner dispatcher, and the IPC server into the single
// long-running crystalmathd process, and manages its lifecycle: startup,
// PID-file-based single-instance enforcement, and graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/crystalmath/crystalmathd/internal/config"
	"github.com/crystalmath/crystalmathd/internal/events"
	"github.com/crystalmath/crystalmathd/internal/ipc"
	"github.com/crystalmath/crystalmathd/internal/metrics"
	"github.com/crystalmath/crystalmathd/internal/model"
	"github.com/crystalmath/crystalmathd/internal/orchestrator"
	"github.com/crystalmath/crystalmathd/internal/runner"
	"github.com/crystalmath/crystalmathd/internal/scheduler"
	"github.com/crystalmath/crystalmathd/internal/sshpool"
	"github.com/crystalmath/crystalmathd/internal/store"
)

// Version is stamped at build time via -ldflags; it defaults to "dev" for a
// plain `go build`.
var Version = "dev"

// Daemon owns every long-lived component of crystalmathd and sequences their
// startup and shutdown.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store        *store.Store
	bus          *events.Bus
	pool         *sshpool.Pool
	scheduler    *scheduler.Scheduler
	dispatcher   *runner.Dispatcher
	orchestrator *orchestrator.Orchestrator
	metricsReg   *metrics.Registry
	ipcServer    *ipc.Server
	pidFile      *PIDFile

	listener net.Listener
	startAt  time.Time

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New builds every daemon component and wires them together, but starts
// nothing: Start begins serving.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := events.NewBus()

	dialer := newStoreClusterDialer(st)
	pool := sshpool.New(dialer, expandPath(cfg.Pool.KnownHostsPath), cfg.Pool.Size)

	local := runner.NewLocalRunner()
	sshRunner := runner.NewSSHRunner(pool, cfg.SSH.RemoteScratchBase)
	slurmRunner := runner.NewSLURMRunner(pool, runner.SLURMDirectives{
		Partition: cfg.SLURM.Partition,
		Account:   cfg.SLURM.Account,
	})

	var fairShare func(string) float64
	if cfg.FairShareEnabled {
		fairShare = defaultFairShare
	}

	// metrics.NewRegistry needs a metrics.Source (the scheduler) to scrape,
	// but the scheduler's MetricsSink can only be supplied at construction
	// time, the same construction-order cycle dispatcherProxy resolves for
	// the runner dispatcher: build the registry against a settable proxy
	// source first, then point the proxy at the real scheduler once built.
	proxy := &dispatcherProxy{}
	schedCfg := scheduler.Config{
		TickInterval: parseDuration(cfg.SchedulingInterval, time.Second),
		FairShare:    fairShare,
		Bus:          bus,
	}
	var metricsReg *metrics.Registry
	var srcProxy *schedulerSourceProxy
	if cfg.MetricsAddr != "" {
		srcProxy = &schedulerSourceProxy{}
		metricsReg = metrics.NewRegistry(srcProxy)
		schedCfg.MetricsSink = metricsReg.Counters
	}
	sched := scheduler.New(schedulerStore{st}, proxy, logger, schedCfg)
	if srcProxy != nil {
		srcProxy.set(sched)
	}

	dispatcher := runner.NewDispatcher(local, sshRunner, slurmRunner, runnerStore{st}, sched, logger)
	dispatcher.PollInterval = func(t model.RunnerType) time.Duration {
		switch t {
		case model.RunnerSSH:
			return parseDuration(cfg.SSH.PollInterval, runner.PollInterval(t))
		case model.RunnerSLURM:
			return parseDuration(cfg.SLURM.PollInterval, runner.PollInterval(t))
		default:
			return runner.PollInterval(t)
		}
	}
	proxy.set(dispatcher)

	orch := orchestrator.New(st, sched, bus, cfg.ResolveScratchBase(), logger)

	// system.shutdown needs to reach the same channel Start() selects on, so
	// an RPC-triggered shutdown and a signal-triggered one converge on the
	// identical code path.
	shutdownCh := make(chan struct{})
	svc := ipc.Services{
		System:    &systemService{version: Version, shutdownC: shutdownCh},
		Jobs:      &jobService{store: st, scheduler: sched, dispatcher: proxy},
		Clusters:  &clusterService{store: st, pool: pool},
		Workflows: &workflowService{store: st, orchestrator: orch},
	}
	ipcServer := ipc.NewServer(svc, bus, cfg.MaxWorkers, int(cfg.RPC.MaxMessageBytes), logger)

	return &Daemon{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		bus:          bus,
		pool:         pool,
		scheduler:    sched,
		dispatcher:   dispatcher,
		orchestrator: orch,
		metricsReg:   metricsReg,
		ipcServer:    ipcServer,
		pidFile:      NewPIDFile(cfg.PIDPath()),
		shutdownCh:   shutdownCh,
	}, nil
}

// Start acquires the PID file, marks local jobs interrupted by a previous
// exit as failed, recovers in-memory scheduler state, opens the IPC socket,
// and serves until ctx is cancelled or Shutdown is called.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.pidFile.Acquire(); err != nil {
		return fmt.Errorf("acquire PID file: %w", err)
	}

	if n, err := d.store.Recover(ctx); err != nil {
		d.pidFile.Release()
		return fmt.Errorf("recover interrupted jobs: %w", err)
	} else if n > 0 {
		d.logger.Info("daemon: marked interrupted local jobs failed", "count", n)
	}

	if err := d.scheduler.Recover(ctx); err != nil {
		d.pidFile.Release()
		return fmt.Errorf("recover scheduler state: %w", err)
	}

	ln, err := d.setupSocket()
	if err != nil {
		d.pidFile.Release()
		return fmt.Errorf("set up IPC socket: %w", err)
	}
	d.listener = ln

	d.scheduler.Start(ctx)

	if d.metricsReg != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricsReg.Serve(ctx, d.cfg.MetricsAddr, d.logger); err != nil {
				d.logger.Error("daemon: metrics server", "error", err)
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.ipcServer.Serve(ctx, ln); err != nil && !errors.Is(err, net.ErrClosed) {
			d.logger.Error("daemon: IPC server", "error", err)
		}
	}()

	d.startAt = time.Now()
	d.logger.Info("daemon: started",
		"socket", d.cfg.ResolveSocketPath(),
		"data_dir", d.cfg.DataDir,
		"max_message_bytes", humanize.Bytes(uint64(d.cfg.RPC.MaxMessageBytes)),
	)

	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.gracefulShutdown(shutdownCtx)
}

// Shutdown requests a graceful stop. Safe to call more than once.
func (d *Daemon) Shutdown() {
	select {
	case <-d.shutdownCh:
	default:
		close(d.shutdownCh)
	}
}

func (d *Daemon) gracefulShutdown(ctx context.Context) error {
	d.logger.Info("daemon: shutting down",
		"uptime", humanize.RelTime(d.startAt, time.Now(), "ago", "from now"),
	)

	// Serve only stops accepting on its own when ctx is cancelled; an
	// RPC-triggered shutdown closes shutdownCh without cancelling ctx, so the
	// listener needs closing explicitly to unblock the accept loop.
	if d.listener != nil {
		d.listener.Close()
	}
	d.ipcServer.Wait()
	d.scheduler.Stop()
	if err := d.pool.Close(); err != nil {
		d.logger.Warn("daemon: close SSH pool", "error", err)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("daemon: shutdown timed out waiting for background goroutines")
	}

	if err := d.store.Close(); err != nil {
		d.logger.Warn("daemon: close store", "error", err)
	}
	if err := d.pidFile.Release(); err != nil {
		d.logger.Warn("daemon: release PID file", "error", err)
	}
	if d.listener != nil {
		os.Remove(d.cfg.ResolveSocketPath())
	}
	return nil
}

// setupSocket removes a stale socket file (if any) left behind by an
// unclean exit, then listens on a fresh one restricted to the owning user.
func (d *Daemon) setupSocket() (net.Listener, error) {
	path := d.cfg.ResolveSocketPath()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", path, err)
	}
	return ln, nil
}

// expandPath expands a leading "~/" against the invoking user's home
// directory, the same convention ssh's own config files use.
func expandPath(p string) string {
	if len(p) < 2 || p[:2] != "~/" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}

// defaultFairShare gives every job that carries a user ID the same small
// bonus (0.1) and anonymous jobs none, too small to override explicit
// priority. The bonus does not depend on how recently a user last had a job
// dispatched, so it does not rotate dispatch between users.
func defaultFairShare(userID string) float64 {
	if userID == "" {
		return 0
	}
	return 0.1
}
