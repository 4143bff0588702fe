package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jbweber/kiln/internal/callback"
	"github.com/jbweber/kiln/internal/cid"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/events"
	"github.com/jbweber/kiln/internal/ipc"
	"github.com/jbweber/kiln/internal/kvstore"
	"github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/registry"
	"github.com/jbweber/kiln/internal/service"
	"github.com/jbweber/kiln/internal/trust"
)

const metricsShutdownTimeout = 5 * time.Second

// daemon wires the orchestrator to its listeners.
type daemon struct {
	cfg    *config.DaemonConfig
	logger *slog.Logger

	wg   sync.WaitGroup
	errs chan error
}

func newDaemon(cfg *config.DaemonConfig, logger *slog.Logger) *daemon {
	return &daemon{cfg: cfg, logger: logger, errs: make(chan error, 4)}
}

// serve runs fn in the background. A failure cancels the daemon.
func (d *daemon) serve(ctx context.Context, cancel context.CancelFunc, name string, fn func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(ctx); err != nil {
			d.errs <- fmt.Errorf("%s: %w", name, err)
			cancel()
		}
	}()
}

// shutdown waits for every server and collects their errors.
func (d *daemon) shutdown(cancel context.CancelFunc) error {
	cancel()
	d.wg.Wait()
	close(d.errs)
	var errs []error
	for err := range d.errs {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *daemon) run(ctx context.Context) error {
	cfg := d.cfg

	d.logger.Info("Preparing directories...", "temp_dir", cfg.TempDir, "state_dir", cfg.StateDir)
	if err := os.MkdirAll(cfg.TempDir, 0o700); err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}

	d.logger.Info("Opening CID store...")
	store, err := kvstore.OpenBadger(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			d.logger.Warn("Failed to close CID store", "error", err)
		}
	}()
	reg := registry.New(cid.NewAllocator(store, d.logger), d.logger)

	d.logger.Info("Connecting to libvirt...", "socket", cfg.Libvirt.SocketPath)
	lv, err := libvirt.Dial(ctx, cfg.Libvirt.SocketPath, cfg.Libvirt.Timeout, d.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := lv.Close(); err != nil {
			d.logger.Warn("Failed to close libvirt connection", "error", err)
		}
	}()

	daemonID := uuid.NewString()
	d.logger.Info("Sweeping orphaned VMs...", "daemon_id", daemonID)
	if n, err := metadata.Sweep(lv.Libvirt(), daemonID, cfg.TempDir, d.logger); err != nil {
		d.logger.Warn("Orphan sweep incomplete", "removed", n, "error", err)
	} else if n > 0 {
		d.logger.Info("Removed orphaned VMs", "count", n)
	}

	if n, err := service.RemoveStaleScratchDirs(cfg.TempDir, d.logger); err != nil {
		d.logger.Warn("Stale scratch cleanup incomplete", "removed", n, "error", err)
	} else if n > 0 {
		d.logger.Info("Removed stale scratch directories", "count", n)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.New(promReg, reg.Len, d.logger)
	if err != nil {
		return err
	}

	var listeners []callback.Listener
	if cfg.NATS.URL != "" {
		d.logger.Info("Connecting to NATS...", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
		nc, err := events.Connect(cfg.NATS.URL, d.logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				d.logger.Warn("Failed to drain NATS connection", "error", err)
			}
		}()
		listeners = append(listeners, events.NewPublisher(nc, cfg.NATS.Subject, d.logger))
	}

	svc := service.New(service.Deps{
		Config:   cfg,
		Registry: reg,
		Launcher: libvirt.NewLauncher(lv.Libvirt(), libvirt.LauncherConfig{
			DaemonID:     daemonID,
			PollInterval: cfg.Libvirt.PollInterval,
			Logger:       d.logger,
		}),
		Dialer:    service.VsockDialer{},
		Assembler: disk.NewAssembler(disk.NewGPTBuilder(), d.logger),
		Validator: trust.NewValidator(trust.XattrLabelReader{}, d.logger),
		Listeners: listeners,
		Recorder:  recorder,
		Logger:    d.logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgmt, err := ipc.Listen(cfg.SocketPath)
	if err != nil {
		return errors.Join(err, d.shutdown(cancel))
	}
	defer os.Remove(cfg.SocketPath)
	d.serve(ctx, cancel, "management", func(ctx context.Context) error {
		return ipc.NewServer(svc, d.logger).Serve(ctx, mgmt)
	})

	guestLn, err := service.ListenVsock(cfg.Guest.Port)
	if err != nil {
		return errors.Join(err, d.shutdown(cancel))
	}
	d.serve(ctx, cancel, "guest", func(ctx context.Context) error {
		return service.NewGuestServer(reg, service.VsockPeerCID, d.logger).Serve(ctx, guestLn)
	})

	tombstoneLn, err := service.ListenVsock(cfg.Guest.TombstonePort)
	if err != nil {
		return errors.Join(err, d.shutdown(cancel))
	}
	d.serve(ctx, cancel, "tombstone", func(ctx context.Context) error {
		return service.NewTombstoneReceiver(cfg.TombstoneDir, service.VsockPeerCID, d.logger).Serve(ctx, tombstoneLn)
	})

	if cfg.Metrics.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return errors.Join(fmt.Errorf("failed to listen for metrics: %w", err), d.shutdown(cancel))
		}
		d.serve(ctx, cancel, "metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, ln, promReg, d.logger)
		})
	}

	d.logger.Info("kilnd ready", "socket", cfg.SocketPath, "guest_port", cfg.Guest.Port)
	<-ctx.Done()
	d.logger.Info("Shutting down...")

	err = d.shutdown(cancel)

	// Debug holds outlive sessions.
	for _, inst := range reg.List() {
		if kerr := inst.Kill(); kerr != nil {
			d.logger.Warn("Failed to kill VM", "cid", inst.CID(), "error", kerr)
		}
	}
	return err
}

func serveMetrics(ctx context.Context, ln net.Listener, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info("Serving metrics", "addr", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
