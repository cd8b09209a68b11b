// Package supervisor runs the gateway's background maintenance: recovering
// expired job leases, sweeping abandoned scratch files and publishing queue
// depth gauges.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/pkg/objectstore"
	"github.com/openimagery/dicomgw/pkg/queue"
)

// Config holds the supervisor intervals.
type Config struct {
	// RecoveryInterval is how often expired leases are swept back to pending.
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	// ScratchSweepInterval is how often abandoned scratch files are removed.
	ScratchSweepInterval time.Duration `mapstructure:"scratch_sweep_interval"`
	// ScratchMaxAge is how old a scratch file must be before the sweeper
	// considers it abandoned. Must comfortably exceed the longest plausible
	// object transfer.
	ScratchMaxAge time.Duration `mapstructure:"scratch_max_age"`
	// DepthInterval is how often queue depth gauges are refreshed.
	DepthInterval time.Duration `mapstructure:"depth_interval"`
}

func (c *Config) applyDefaults() {
	if c.RecoveryInterval == 0 {
		c.RecoveryInterval = 30 * time.Second
	}
	if c.ScratchSweepInterval == 0 {
		c.ScratchSweepInterval = 10 * time.Minute
	}
	if c.ScratchMaxAge == 0 {
		c.ScratchMaxAge = time.Hour
	}
	if c.DepthInterval == 0 {
		c.DepthInterval = 15 * time.Second
	}
}

// Metrics hooks for queue observability.
type Metrics interface {
	SetQueueDepth(destination, status string, depth int64)
	LeasesRecovered(n int)
	ScratchSwept(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetQueueDepth(string, string, int64) {}
func (noopMetrics) LeasesRecovered(int)                 {}
func (noopMetrics) ScratchSwept(int)                    {}

// WorkerIdentity builds the process-unique lease holder identity:
// hostname, pid and a per-run UUID, so restarted processes never collide
// with their own stale leases.
func WorkerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Supervisor runs the maintenance loops.
type Supervisor struct {
	cfg     Config
	queue   *queue.Queue
	store   *objectstore.Store
	metrics Metrics
}

// New creates a supervisor. metrics may be nil.
func New(cfg Config, q *queue.Queue, store *objectstore.Store, metrics Metrics) *Supervisor {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Supervisor{cfg: cfg, queue: q, store: store, metrics: metrics}
}

// Run blocks until ctx is cancelled, executing each maintenance task on its
// own interval. An immediate recovery pass runs at startup so jobs orphaned
// by a previous crash become eligible before the first tick.
func (s *Supervisor) Run(ctx context.Context) error {
	logger.Info("supervisor starting",
		"recovery_interval", s.cfg.RecoveryInterval,
		"scratch_sweep_interval", s.cfg.ScratchSweepInterval,
	)

	s.recoverLeases(ctx)
	s.refreshDepths(ctx)

	recovery := time.NewTicker(s.cfg.RecoveryInterval)
	defer recovery.Stop()
	sweep := time.NewTicker(s.cfg.ScratchSweepInterval)
	defer sweep.Stop()
	depths := time.NewTicker(s.cfg.DepthInterval)
	defer depths.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("supervisor stopped")
			return nil
		case <-recovery.C:
			s.recoverLeases(ctx)
		case <-sweep.C:
			s.sweepScratch()
		case <-depths.C:
			s.refreshDepths(ctx)
		}
	}
}

func (s *Supervisor) recoverLeases(ctx context.Context) {
	n, err := s.queue.RecoverExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("lease recovery failed", logger.Err(err))
		}
		return
	}
	if n > 0 {
		logger.Info("recovered expired leases", "jobs", n)
		s.metrics.LeasesRecovered(n)
	}
}

func (s *Supervisor) sweepScratch() {
	n, err := s.store.SweepScratch(s.cfg.ScratchMaxAge)
	if err != nil {
		logger.Warn("scratch sweep failed", logger.Err(err))
		return
	}
	if n > 0 {
		logger.Info("swept abandoned scratch files", "files", n)
		s.metrics.ScratchSwept(n)
	}
}

func (s *Supervisor) refreshDepths(ctx context.Context) {
	depths, err := s.queue.Depths(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("queue depth query failed", logger.Err(err))
		}
		return
	}
	for _, d := range depths {
		s.metrics.SetQueueDepth(d.DestinationName, string(d.Status), d.Count)
	}
}
