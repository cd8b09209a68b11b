package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/pkg/catalog"
	"github.com/openimagery/dicomgw/pkg/config"
	"github.com/openimagery/dicomgw/pkg/forwarder"
	"github.com/openimagery/dicomgw/pkg/metrics"
	"github.com/openimagery/dicomgw/pkg/objectstore"
	"github.com/openimagery/dicomgw/pkg/queue"
	"github.com/openimagery/dicomgw/pkg/scp"
	"github.com/openimagery/dicomgw/pkg/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the DICOM gateway: the storage receiver, the forwarding workers,
the maintenance supervisor and the metrics endpoint.

Examples:
  # Start with default config location
  dicomgw start

  # Start with custom config file
  dicomgw start --config /etc/dicomgw/config.yaml

  # Override config via environment
  DICOMGW_LOGGING_LEVEL=DEBUG dicomgw start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("dicomgw starting",
		"version", Version,
		"config", getConfigSource(GetConfigFile()),
		"ae_title", cfg.SCP.AETitle,
		"port", cfg.SCP.Port,
	)

	serverTLS, err := cfg.TLS.ServerTLS()
	if err != nil {
		return err
	}
	clientTLS, err := cfg.TLS.ClientTLS()
	if err != nil {
		return err
	}
	cfg.SCP.TLSConfig = serverTLS
	cfg.Forwarder.TLSConfig = clientTLS

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, err := catalog.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to catalog: %w", err)
	}
	defer cat.Close()

	workerID := supervisor.WorkerIdentity()

	store, err := objectstore.New(cfg.DataRoot, workerID)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	q := queue.New(cat.Pool(), cfg.Backoff)
	gw := metrics.New()

	receiver := scp.New(cfg.SCP, store, cat, gw)
	fwd := forwarder.New(cfg.Forwarder, q, cat, store, workerID, gw)
	sup := supervisor.New(cfg.Supervisor, q, store, gw)
	healthCheck := func(ctx context.Context) error {
		if err := cat.Ping(ctx); err != nil {
			return err
		}
		return store.Check()
	}
	obs := metrics.NewServer(cfg.Metrics, gw, healthCheck)

	// Each component runs until ctx is cancelled. The first failure cancels
	// the rest; signal handling cancels all of them.
	errCh := make(chan error, 4)
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	run("receiver", receiver.Serve)
	run("forwarder", fwd.Run)
	run("supervisor", sup.Run)
	run("metrics", obs.Run)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("gateway is running")

	var runErr error
	select {
	case sig := <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	case runErr = <-errCh:
		signal.Stop(sigChan)
		logger.Error("component failed, shutting down", logger.Err(runErr))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("gateway stopped")
	case <-time.After(cfg.ShutdownTimeout + 5*time.Second):
		// Components carry their own drain timeouts; this is the backstop.
		logger.Error("shutdown timed out")
		if runErr == nil {
			runErr = fmt.Errorf("shutdown timed out after %s", cfg.ShutdownTimeout)
		}
	}

	return runErr
}
