// Command blobgate serves files from object storage and records per-file
// access metrics.
//
// Usage:
//
//	blobgate [--config /etc/blobgate/config.yaml] [--listen :8080]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/blobgate/blobgate/pkg/auth"
	"github.com/blobgate/blobgate/pkg/backend"
	"github.com/blobgate/blobgate/pkg/config"
	"github.com/blobgate/blobgate/pkg/control"
	"github.com/blobgate/blobgate/pkg/metrics"
	"github.com/blobgate/blobgate/pkg/proxy"
	"github.com/blobgate/blobgate/pkg/store"
	"github.com/blobgate/blobgate/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "/etc/blobgate/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	slog.SetDefault(slog.New(newLogHandler(os.Stderr, cfg.Logging)))

	if err := run(cfg); err != nil {
		slog.Error("blobgate exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("blobgate stopped cleanly")
}

func newLogHandler(w io.Writer, lc config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: lc.SlogLevel()}
	if lc.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// ── Backend ───────────────────────────────────────────────────
	be, err := backend.New(ctx, backendConfig(cfg.Backend))
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	defer be.Close()

	// ── Access metrics engine ─────────────────────────────────────
	engineCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	engine, err := control.NewEngine(ctx, engineCfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	engine.Start(ctx)
	defer func() {
		// The signal context is already cancelled here; shutdown gets its own.
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer closeCancel()
		if err := engine.Close(closeCtx); err != nil {
			slog.Error("engine shutdown incomplete", "error", err)
		}
	}()

	metrics.RegisterHealthCheck("access_metrics", func() error {
		if s := engine.State(); s != telemetry.StateRunning {
			return fmt.Errorf("recorder is %s", s)
		}
		return nil
	})

	// ── Auth ──────────────────────────────────────────────────────
	authMgr := auth.NewManager(auth.NewAuditLogger(10000, nil), cfg.Auth.Require)
	if len(cfg.Auth.Tokens) > 0 {
		authMgr.RegisterProvider(auth.NewStaticTokenProvider(cfg.Auth.Tokens))
	}
	if cfg.Auth.UserHeader != "" {
		authMgr.RegisterProvider(auth.NewHeaderProvider(cfg.Auth.UserHeader))
	}
	slog.Info("auth manager initialized", "providers", authMgr.ProviderCount(), "require", cfg.Auth.Require)

	// ── HTTP ──────────────────────────────────────────────────────
	srv := control.NewServer(control.ServerConfig{
		Addr:            cfg.ListenAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, engine)
	proxy.New(be, engine).Register(srv.Mux())
	srv.Use(authMgr.Middleware)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.Metrics.MetricsEnabled() {
		g.Go(func() error {
			stop := make(chan struct{})
			go func() {
				<-gctx.Done()
				close(stop)
			}()
			slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
			err := metrics.MetricsServer(cfg.Metrics.Addr, stop)
			if err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	} else {
		slog.Info("metrics server disabled")
	}

	slog.Info("blobgate started",
		"environment", cfg.Environment,
		"backend", be.Name(), "type", be.Type(),
		"addr", cfg.ListenAddr,
	)

	// HTTP servers drain first; the deferred engine.Close then flushes.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func backendConfig(bc config.BackendConfig) backend.Config {
	return backend.Config{
		Name:   bc.Name,
		Type:   bc.Type,
		Root:   bc.Root,
		Params: bc.Config,
		S3: backend.S3Config{
			Region:          bc.S3.Region,
			Endpoint:        bc.S3.Endpoint,
			AccessKeyID:     bc.S3.AccessKeyID,
			SecretAccessKey: bc.S3.SecretAccessKey,
			UsePathStyle:    bc.S3.UsePathStyle,
		},
	}
}

func engineConfig(cfg *config.Config) (control.EngineConfig, error) {
	m := cfg.AccessMetrics
	ec := control.EngineConfig{
		Store: store.Options{
			Path:          m.StoragePath,
			SnapshotDir:   m.SnapshotDir,
			RetentionDays: m.RetentionDays,
			ValueLogSize:  m.ValueLogSize,
		},
		Collector: telemetry.CollectorConfig{
			BatchSize:     m.BatchSize,
			FlushInterval: m.BatchInterval,
			MaxPending:    m.MaxPendingEvents,
		},
		MaxRecentUsers:      m.MaxRecentUsers,
		MaxCacheSize:        m.MaxCacheSize,
		MaxQueryLimit:       m.MaxQueryLimit,
		MaintenanceInterval: m.MaintenanceInterval,
		SnapshotInterval:    m.SnapshotInterval,
		Production:          cfg.Production(),
	}
	if m.AuditLogPath != "" {
		fe, err := telemetry.NewFileEmitter(m.AuditLogPath)
		if err != nil {
			return ec, fmt.Errorf("open audit log: %w", err)
		}
		ec.Audit = fe
	}
	return ec, nil
}
