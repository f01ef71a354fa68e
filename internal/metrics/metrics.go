// Package metrics exposes the Queue Manager's live state as Prometheus
// gauges, scraped on demand rather than pushed, so the registry never holds
// stale data between ticks.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crystalmath/crystalmathd/internal/scheduler"
)

// Source is the subset of the scheduler this package reads at scrape time.
type Source interface {
	StatusSnapshot() scheduler.Status
}

// Counters are monotonic totals the scheduler's tick loop increments; they
// live here rather than inside scheduler.Scheduler so the queue manager
// itself carries no Prometheus import.
type Counters struct {
	Dispatched        prometheus.Counter
	Retried           prometheus.Counter
	PermanentlyFailed prometheus.Counter
}

// NewCounters registers and returns the dispatch counters against reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crystalmathd", Subsystem: "scheduler", Name: "dispatched_total",
			Help: "Jobs handed to a runner by the queue manager.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crystalmathd", Subsystem: "scheduler", Name: "retried_total",
			Help: "Jobs requeued after a failed attempt with retries remaining.",
		}),
		PermanentlyFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crystalmathd", Subsystem: "scheduler", Name: "permanently_failed_total",
			Help: "Jobs that failed with no retries remaining.",
		}),
	}
	reg.MustRegister(c.Dispatched, c.Retried, c.PermanentlyFailed)
	return c
}

// IncDispatched, IncRetried, and IncPermanentlyFailed satisfy
// scheduler.MetricsSink, so a *Counters can be handed directly to
// scheduler.Config.MetricsSink.
func (c *Counters) IncDispatched()        { c.Dispatched.Inc() }
func (c *Counters) IncRetried()           { c.Retried.Inc() }
func (c *Counters) IncPermanentlyFailed() { c.PermanentlyFailed.Inc() }

type collector struct {
	source     Source
	queueDepth *prometheus.Desc
	byPriority *prometheus.Desc
}

func newCollector(source Source) *collector {
	return &collector{
		source: source,
		queueDepth: prometheus.NewDesc(
			"crystalmathd_scheduler_queue_depth",
			"Jobs currently waiting in the ready queue.",
			nil, nil,
		),
		byPriority: prometheus.NewDesc(
			"crystalmathd_scheduler_queue_depth_by_priority",
			"Jobs currently waiting in the ready queue, broken down by priority.",
			[]string{"priority"}, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.byPriority
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.StatusSnapshot()
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(snap.QueueDepth))
	for priority, n := range snap.ByPriority {
		ch <- prometheus.MustNewConstMetric(c.byPriority, prometheus.GaugeValue, float64(n), strconv.Itoa(priority))
	}
}

// Registry bundles a Prometheus registry already carrying the scheduler
// collector and the tick-loop counters.
type Registry struct {
	reg      *prometheus.Registry
	Counters *Counters
}

// NewRegistry builds a Registry that scrapes source on demand.
func NewRegistry(source Source) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(source))
	return &Registry{reg: reg, Counters: NewCounters(reg)}
}

// Serve exposes /metrics on addr (intended to be loopback-only) until ctx is
// cancelled, then shuts the listener down gracefully.
func (r *Registry) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics: shutdown", "error", err)
		}
	}()

	logger.Info("metrics: listening", "addr", addr)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve: %w", err)
	}
	return nil
}
