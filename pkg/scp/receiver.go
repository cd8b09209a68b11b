// Package scp implements the inbound DICOM side: a storage SCP accepting
// associations from modalities, streaming C-STORE objects into the object
// store and admitting them to the catalog.
//
// The receiver coordinates graceful shutdown across three layers:
//
//  1. shutdown channel closed (accept loop stops)
//  2. listener closed (no new connections)
//  3. shutdownCtx cancelled (in-flight associations drain)
//
// Associations in the middle of a C-STORE finish the current object before
// exiting; after the shutdown timeout remaining connections are force-closed.
package scp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/internal/protocol/dimse"
	"github.com/openimagery/dicomgw/pkg/catalog"
	"github.com/openimagery/dicomgw/pkg/objectstore"
)

// Timeouts groups the receiver's timing knobs.
type Timeouts struct {
	// Read bounds a single PDU read inside an active message.
	Read time.Duration `mapstructure:"read"`
	// Write bounds a single PDU write.
	Write time.Duration `mapstructure:"write"`
	// Idle bounds the wait for the next message on an open association.
	Idle time.Duration `mapstructure:"idle"`
	// Shutdown bounds the graceful drain before force-closing connections.
	Shutdown time.Duration `mapstructure:"shutdown"`
}

// Config holds the receiver configuration.
type Config struct {
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
	// AETitle is the AE title this receiver answers to. Associations naming
	// a different called AE are rejected.
	AETitle string `mapstructure:"ae_title" validate:"required"`
	// AllowedCallingAEs restricts which peers may associate; empty allows
	// any syntactically valid AE title.
	AllowedCallingAEs []string `mapstructure:"allowed_calling_aes"`
	// Labels are attached to every instance admitted through this receiver
	// and matched against destination label rules.
	Labels []string `mapstructure:"labels"`

	MaxConnections int       `mapstructure:"max_connections"`
	MaxPDULength   uint32    `mapstructure:"max_pdu_length"`
	Timeouts       Timeouts  `mapstructure:"timeouts"`

	// TLSConfig, when set, wraps the listener. Populated by the caller from
	// certificate paths; not a mapstructure field.
	TLSConfig *tls.Config `mapstructure:"-"`
}

// applyDefaults fills zero values. Port is left alone: zero asks the kernel
// for an ephemeral port, which tests rely on.
func (c *Config) applyDefaults() {
	if c.AETitle == "" {
		c.AETitle = "DICOMGW"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 64
	}
	if c.MaxPDULength == 0 {
		c.MaxPDULength = dimse.DefaultMaxPDULength
	}
	if c.Timeouts.Read == 0 {
		c.Timeouts.Read = 30 * time.Second
	}
	if c.Timeouts.Write == 0 {
		c.Timeouts.Write = 30 * time.Second
	}
	if c.Timeouts.Idle == 0 {
		c.Timeouts.Idle = 5 * time.Minute
	}
	if c.Timeouts.Shutdown == 0 {
		c.Timeouts.Shutdown = 30 * time.Second
	}
}

// Admitter is the catalog surface the receiver needs.
type Admitter interface {
	Admit(ctx context.Context, req catalog.AdmitRequest) (catalog.AdmitResult, error)
	RecordEvent(ctx context.Context, ev catalog.IngestEvent) error
}

// Metrics hooks let the receiver report without depending on a registry.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	ObjectStored(bytes int64, duration time.Duration)
	ObjectRejected(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()                 {}
func (noopMetrics) ConnectionClosed()                 {}
func (noopMetrics) ObjectStored(int64, time.Duration) {}
func (noopMetrics) ObjectRejected(string)             {}

// Receiver is the storage SCP server.
type Receiver struct {
	config  Config
	store   *objectstore.Store
	admit   Admitter
	metrics Metrics

	listener   net.Listener
	listenerMu sync.Mutex

	connSemaphore chan struct{}
	activeConns   sync.WaitGroup
	connCount     atomic.Int64
	// activeConnections maps remote address to net.Conn for forced closure.
	activeConnections sync.Map

	shutdown       chan struct{}
	shutdownOnce   sync.Once
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	// listenerReady is closed once the listener accepts connections. Tests
	// block on Ready.
	listenerReady chan struct{}
}

// New creates a receiver. metrics may be nil.
func New(config Config, store *objectstore.Store, admit Admitter, metrics Metrics) *Receiver {
	config.applyDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}

	var sem chan struct{}
	if config.MaxConnections > 0 {
		sem = make(chan struct{}, config.MaxConnections)
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())

	return &Receiver{
		config:         config,
		store:          store,
		admit:          admit,
		metrics:        metrics,
		connSemaphore:  sem,
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancel,
		listenerReady:  make(chan struct{}),
	}
}

// Ready is closed once the listener is accepting connections.
func (r *Receiver) Ready() <-chan struct{} { return r.listenerReady }

// Addr returns the bound listener address. Valid after Ready.
func (r *Receiver) Addr() net.Addr {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// ActiveConnections reports the current association count.
func (r *Receiver) ActiveConnections() int64 { return r.connCount.Load() }

// Serve accepts associations until ctx is cancelled, then drains gracefully.
func (r *Receiver) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", r.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", r.config.Port, err)
	}
	if r.config.TLSConfig != nil {
		listener = tls.NewListener(listener, r.config.TLSConfig)
	}

	r.listenerMu.Lock()
	r.listener = listener
	r.listenerMu.Unlock()
	close(r.listenerReady)

	logger.Info("storage scp listening",
		"port", r.config.Port,
		logger.CalledAE(r.config.AETitle),
		"max_connections", r.config.MaxConnections,
		"tls", r.config.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		logger.Info("storage scp shutdown signal received", logger.Err(ctx.Err()))
		r.initiateShutdown()
	}()

	for {
		if r.connSemaphore != nil {
			select {
			case r.connSemaphore <- struct{}{}:
			case <-r.shutdown:
				return r.gracefulShutdown()
			}
		}

		tcpConn, err := r.listener.Accept()
		if err != nil {
			if r.connSemaphore != nil {
				<-r.connSemaphore
			}
			select {
			case <-r.shutdown:
				return r.gracefulShutdown()
			default:
				logger.Debug("accept error", logger.Err(err))
				continue
			}
		}

		r.activeConns.Add(1)
		r.connCount.Add(1)
		r.metrics.ConnectionOpened()

		connAddr := tcpConn.RemoteAddr().String()
		r.activeConnections.Store(connAddr, tcpConn)

		logger.Debug("connection accepted",
			"peer_addr", connAddr, "active", r.connCount.Load())

		go func(addr string, conn net.Conn) {
			defer func() {
				r.activeConnections.Delete(addr)
				r.activeConns.Done()
				r.connCount.Add(-1)
				if r.connSemaphore != nil {
					<-r.connSemaphore
				}
				r.metrics.ConnectionClosed()
				logger.Debug("connection closed",
					"peer_addr", addr, "active", r.connCount.Load())
			}()

			newAssociation(r, conn).serve(r.shutdownCtx)
		}(connAddr, tcpConn)
	}
}

func (r *Receiver) initiateShutdown() {
	r.shutdownOnce.Do(func() {
		close(r.shutdown)

		r.listenerMu.Lock()
		if r.listener != nil {
			if err := r.listener.Close(); err != nil {
				logger.Debug("error closing listener", logger.Err(err))
			}
		}
		r.listenerMu.Unlock()

		// Unblock associations waiting for the next message so they notice
		// the shutdown quickly instead of sitting on the idle timeout.
		deadline := time.Now().Add(100 * time.Millisecond)
		r.activeConnections.Range(func(key, value any) bool {
			if conn, ok := value.(net.Conn); ok {
				_ = conn.SetReadDeadline(deadline)
			}
			return true
		})

		r.cancelRequests()
	})
}

func (r *Receiver) gracefulShutdown() error {
	active := r.connCount.Load()
	logger.Info("storage scp draining",
		"active", active, "timeout", r.config.Timeouts.Shutdown)

	done := make(chan struct{})
	go func() {
		r.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("storage scp drained")
		return nil
	case <-time.After(r.config.Timeouts.Shutdown):
		remaining := r.connCount.Load()
		logger.Warn("storage scp drain timeout, forcing closure", "active", remaining)
		r.activeConnections.Range(func(_, value any) bool {
			if conn, ok := value.(net.Conn); ok {
				conn.Close()
			}
			return true
		})
		return fmt.Errorf("scp shutdown timeout: %d connections force-closed", remaining)
	}
}
