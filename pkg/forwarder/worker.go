// Package forwarder drains the forward job queue: claiming jobs, opening
// associations to destinations and delivering stored objects with C-STORE.
//
// Each worker goroutine owns its claims end to end. A background heartbeat
// keeps the job lease alive during long transfers and observes operator
// cancellation; a per-destination circuit breaker stops hammering a peer
// that keeps failing.
package forwarder

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/pkg/catalog"
	"github.com/openimagery/dicomgw/pkg/fault"
	"github.com/openimagery/dicomgw/pkg/objectstore"
	"github.com/openimagery/dicomgw/pkg/queue"
	"github.com/openimagery/dicomgw/pkg/scu"
)

// Config holds the forwarder configuration.
type Config struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// AssociationIdle closes destination associations unused this long.
	AssociationIdle time.Duration `mapstructure:"association_idle"`
	// DrainTimeout bounds how long an in-flight delivery may keep running
	// after shutdown begins. Transfers still running when it expires are
	// aborted and their jobs released for another worker.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// VerifyBeforeSend re-hashes objects against the catalog digest before
	// forwarding, catching on-disk corruption at the cost of an extra read.
	VerifyBeforeSend bool `mapstructure:"verify_before_send"`

	SCU scu.Config `mapstructure:"scu"`

	// TLSConfig is used toward destinations with TLS enabled. Populated by
	// the caller from certificate paths.
	TLSConfig *tls.Config `mapstructure:"-"`
}

func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.LeaseDuration / 3
	}
	if c.AssociationIdle == 0 {
		c.AssociationIdle = 30 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	c.SCU.ApplyDefaults()
}

// Metrics hooks for delivery reporting.
type Metrics interface {
	JobCompleted(destination string, outcome string, duration time.Duration)
	BytesForwarded(destination string, n int64)
}

type noopMetrics struct{}

func (noopMetrics) JobCompleted(string, string, time.Duration) {}
func (noopMetrics) BytesForwarded(string, int64)               {}

// Forwarder runs the delivery worker pool.
type Forwarder struct {
	cfg      Config
	queue    *queue.Queue
	cat      *catalog.Catalog
	store    *objectstore.Store
	listener *queue.Listener
	metrics  Metrics
	workerID string

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// New creates a forwarder. workerID is the process identity used as the
// lease holder prefix. metrics may be nil.
func New(cfg Config, q *queue.Queue, cat *catalog.Catalog, store *objectstore.Store, workerID string, metrics Metrics) *Forwarder {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Forwarder{
		cfg:      cfg,
		queue:    q,
		cat:      cat,
		store:    store,
		listener: queue.NewListener(cat.Pool()),
		metrics:  metrics,
		workerID: workerID,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// Run starts the notification listener and worker pool, blocking until ctx
// is cancelled and all workers have drained their current jobs.
func (f *Forwarder) Run(ctx context.Context) error {
	logger.Info("forwarder starting",
		"workers", f.cfg.Workers,
		logger.WorkerID(f.workerID),
		"poll_interval", f.cfg.PollInterval,
	)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.listener.Run(ctx)
	}()

	for i := 0; i < f.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			f.workerLoop(ctx, fmt.Sprintf("%s/%d", f.workerID, n))
		}(i)
	}

	wg.Wait()

	// Whatever the drained workers could not finish goes back to pending so
	// another process can pick it up without waiting out the lease.
	relCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if n, err := f.queue.ReleaseWorkerLeases(relCtx, f.workerID); err != nil {
		logger.Warn("failed to release worker leases", logger.Err(err))
	} else if n > 0 {
		logger.Info("released worker leases", "jobs", n)
	}

	logger.Info("forwarder stopped")
	return nil
}

// workerLoop claims and processes jobs until ctx is cancelled. An idle worker
// blocks on the notification channel with the poll interval as fallback.
func (f *Forwarder) workerLoop(ctx context.Context, workerID string) {
	assocs := newAssocCache(f.cfg, f.cfg.TLSConfig)
	defer assocs.closeAll()

	timer := time.NewTimer(f.cfg.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := f.queue.Claim(ctx, workerID, f.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("claim failed", logger.WorkerID(workerID), logger.Err(err))
		} else if job != nil {
			f.process(ctx, workerID, job, assocs)
			continue
		}

		assocs.evictIdle()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(f.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-f.listener.C():
		case <-timer.C:
		}
	}
}

// finalizeTimeout bounds the status writes that must land even when the run
// context is already cancelled.
const finalizeTimeout = 10 * time.Second

func finalizeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), finalizeTimeout)
}

// process delivers one claimed job end to end, always resolving its state.
func (f *Forwarder) process(ctx context.Context, workerID string, job *queue.ClaimedJob, assocs *assocCache) {
	start := time.Now()
	log := logger.With(
		logger.JobID(fmt.Sprintf("%d", job.ID)),
		logger.Destination(job.DestinationName),
		logger.InstanceUID(job.SOPInstanceUID),
		logger.WorkerID(workerID),
		logger.Attempt(job.Attempts),
	)

	// Cancellation requested before we even started.
	if job.CancelRequested {
		mcCtx, cancel := finalizeContext()
		defer cancel()
		if err := f.queue.MarkCanceled(mcCtx, job.ID, workerID); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("failed to resolve canceled job", logger.Err(err))
		}
		log.Info("job canceled before delivery")
		return
	}

	// The delivery outlives a run-context cancellation up to the drain
	// deadline, so an in-flight transfer can finish during shutdown.
	jobCtx, cancelJob := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJob()
	go func() {
		select {
		case <-jobCtx.Done():
			return
		case <-ctx.Done():
		}
		t := time.NewTimer(f.cfg.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancelJob()
		case <-jobCtx.Done():
		}
	}()

	keeper := &leaseKeeper{}
	hbDone := make(chan struct{})
	go f.keepLease(jobCtx, workerID, job.ID, keeper, cancelJob, hbDone)

	outcome, kind, detail, sent := f.deliver(jobCtx, job, assocs)

	cancelJob()
	<-hbDone

	// The final status write must land even when the run context died during
	// the transfer, or the job would sit in_progress until lease recovery.
	finCtx, cancelFin := finalizeContext()
	defer cancelFin()

	switch {
	case keeper.leaseLost.Load():
		// Another worker may already own the job; touch nothing.
		log.Warn("lease lost during delivery")
		return

	case keeper.cancelRequested.Load():
		if err := f.queue.MarkCanceled(finCtx, job.ID, workerID); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("failed to resolve canceled job", logger.Err(err))
		}
		log.Info("job canceled during delivery")
		f.metrics.JobCompleted(job.DestinationName, "canceled", time.Since(start))
		return
	}

	switch outcome {
	case OutcomeDelivered, OutcomeWarning:
		if err := f.queue.Complete(finCtx, job.ID, workerID); err != nil {
			log.Warn("failed to complete job", logger.Err(err))
			return
		}
		f.metrics.BytesForwarded(job.DestinationName, sent)
		if err := f.cat.RecordDeliveryResult(finCtx, job.DestinationName, true); err != nil {
			log.Debug("failed to record delivery result", logger.Err(err))
		}
		if outcome == OutcomeWarning {
			log.Warn("object delivered with warning", "detail", detail)
			f.metrics.JobCompleted(job.DestinationName, "warning", time.Since(start))
		} else {
			log.Info("object delivered",
				logger.Bytes(sent),
				logger.DurationMs(logger.Duration(start)),
			)
			f.metrics.JobCompleted(job.DestinationName, "delivered", time.Since(start))
		}

	case OutcomeRetry, OutcomeFailed:
		if outcome == OutcomeFailed {
			// Make the kind terminal regardless of its retry default.
			if kind.Retryable() {
				kind = fault.KindPeerStatusFailure
			}
		}
		if err := f.queue.Fail(finCtx, job, workerID, kind, detail); err != nil {
			log.Warn("failed to resolve failed job", logger.Err(err))
			return
		}
		if err := f.cat.RecordDeliveryResult(finCtx, job.DestinationName, false); err != nil {
			log.Debug("failed to record delivery result", logger.Err(err))
		}
		log.Warn("delivery failed",
			"outcome", outcomeName(outcome),
			"error_kind", string(kind),
			"detail", detail,
		)
		f.metrics.JobCompleted(job.DestinationName, outcomeName(outcome), time.Since(start))
	}
}

// deliver performs the actual transfer and classifies the result.
func (f *Forwarder) deliver(ctx context.Context, job *queue.ClaimedJob, assocs *assocCache) (Outcome, fault.Kind, string, int64) {
	instance, err := f.cat.GetInstance(ctx, job.SOPInstanceUID)
	if errors.Is(err, catalog.ErrNotFound) {
		return OutcomeFailed, fault.KindValidation, "instance not in catalog", 0
	}
	if err != nil {
		o, k := ClassifyError(err)
		return o, k, fault.DetailOf(err, 512), 0
	}

	dest, err := f.cat.GetDestination(ctx, job.DestinationName)
	if errors.Is(err, catalog.ErrNotFound) {
		return OutcomeFailed, fault.KindValidation, "destination no longer configured", 0
	}
	if err != nil {
		o, k := ClassifyError(err)
		return o, k, fault.DetailOf(err, 512), 0
	}

	if f.cfg.VerifyBeforeSend {
		if err := f.store.Verify(instance.RelPath, instance.ContentSHA256); err != nil {
			o, k := ClassifyError(err)
			return o, k, fault.DetailOf(err, 512), 0
		}
	}

	obj, size, err := f.store.Open(instance.RelPath)
	if err != nil {
		o, k := ClassifyError(err)
		return o, k, fault.DetailOf(err, 512), 0
	}
	defer obj.Close()

	breaker := f.breaker(dest.Name)
	result, err := breaker.Execute(func() (any, error) {
		assoc, err := assocs.get(ctx, dest)
		if err != nil {
			return nil, err
		}
		status, err := assoc.Store(ctx, instance.SOPClassUID, instance.SOPInstanceUID,
			instance.TransferSyntaxUID, obj)
		if err != nil {
			assocs.drop(dest.Name)
			return nil, err
		}
		return status, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return OutcomeRetry, fault.KindNetworkTransient, "destination circuit open", 0
		}
		o, k := ClassifyError(err)
		return o, k, fault.DetailOf(err, 512), 0
	}

	status := result.(uint16)
	outcome, kind := ClassifyStatus(status)
	detail := ""
	if outcome != OutcomeDelivered {
		detail = fmt.Sprintf("c-store status 0x%04x", status)
	}
	return outcome, kind, detail, size
}

// keepLease heartbeats until jobCtx ends, cancelling the job context when
// the lease is lost or cancellation is requested.
func (f *Forwarder) keepLease(jobCtx context.Context, workerID string, jobID int64, keeper *leaseKeeper, cancelJob context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-jobCtx.Done():
			return
		case <-ticker.C:
		}

		// Heartbeat on the background so a dying jobCtx cannot block the
		// final observation.
		hbCtx, cancel := context.WithTimeout(context.Background(), f.cfg.HeartbeatInterval)
		cancelRequested, err := f.queue.Heartbeat(hbCtx, jobID, workerID, f.cfg.LeaseDuration)
		cancel()

		if errors.Is(err, queue.ErrLeaseLost) {
			keeper.leaseLost.Store(true)
			cancelJob()
			return
		}
		if err != nil {
			logger.Warn("heartbeat failed", logger.WorkerID(workerID), logger.Err(err))
			continue
		}
		if cancelRequested {
			keeper.cancelRequested.Store(true)
			cancelJob()
			return
		}
	}
}

type leaseKeeper struct {
	leaseLost       atomic.Bool
	cancelRequested atomic.Bool
}

// breaker returns the circuit breaker for a destination, creating it on
// first use.
func (f *Forwarder) breaker(destination string) *gobreaker.CircuitBreaker {
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()

	if b, ok := f.breakers[destination]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    destination,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("destination circuit state changed",
				logger.Destination(name), "from", from.String(), "to", to.String())
		},
	})
	f.breakers[destination] = b
	return b
}

func outcomeName(o Outcome) string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeWarning:
		return "warning"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// assocCache holds one open association per destination for a single worker
// goroutine. Not safe for concurrent use; each worker owns its own cache.
type assocCache struct {
	cfg    Config
	tls    *tls.Config
	assocs map[string]*scu.Association
}

func newAssocCache(cfg Config, tlsConfig *tls.Config) *assocCache {
	return &assocCache{cfg: cfg, tls: tlsConfig, assocs: map[string]*scu.Association{}}
}

func (c *assocCache) get(ctx context.Context, dest catalog.Destination) (*scu.Association, error) {
	if a, ok := c.assocs[dest.Name]; ok {
		if !a.Closed() {
			return a, nil
		}
		delete(c.assocs, dest.Name)
	}

	target := scu.Target{
		Host:      dest.Host,
		Port:      dest.Port,
		CalledAE:  dest.CalledAE,
		CallingAE: dest.CallingAE,
	}
	if dest.TLSEnabled {
		if c.tls == nil {
			return nil, fault.New(fault.KindValidation,
				"destination requires tls but no client tls is configured")
		}
		target.TLS = c.tls
	}

	a, err := scu.Connect(ctx, c.cfg.SCU, target)
	if err != nil {
		return nil, err
	}
	c.assocs[dest.Name] = a
	return a, nil
}

func (c *assocCache) drop(destination string) {
	if a, ok := c.assocs[destination]; ok {
		a.Abort()
		delete(c.assocs, destination)
	}
}

func (c *assocCache) evictIdle() {
	for name, a := range c.assocs {
		if a.Closed() || a.IdleSince() > c.cfg.AssociationIdle {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = a.Release(ctx)
			cancel()
			delete(c.assocs, name)
		}
	}
}

func (c *assocCache) closeAll() {
	for name, a := range c.assocs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Release(ctx)
		cancel()
		delete(c.assocs, name)
	}
}
