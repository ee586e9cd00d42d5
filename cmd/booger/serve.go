package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/alfredjeanlab/booger/internal/config"
	"github.com/alfredjeanlab/booger/internal/events"
	"github.com/alfredjeanlab/booger/internal/plugs"
	"github.com/alfredjeanlab/booger/internal/plugs/builtin"
	"github.com/alfredjeanlab/booger/internal/relay"
	"github.com/alfredjeanlab/booger/internal/server"
	"github.com/alfredjeanlab/booger/internal/store/postgres"
	boogersync "github.com/alfredjeanlab/booger/internal/sync"
	"github.com/alfredjeanlab/booger/internal/validate"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the relay",
	GroupID: "relay",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	addRelayFlags(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := postgres.New(ctx, cfg.DB, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	notifier, err := newNotifier(cfg, store, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	exts, err := builtin.Load(ctx, cfg.Plugs.Use, cfg, logger)
	if err != nil {
		return err
	}
	bus, err := startBus(ctx, exts, logger)
	if err != nil {
		return err
	}
	defer bus.Stop()

	limits := validate.DefaultLimits()
	if err := cfg.DecodePlug("validate", &limits); err != nil {
		return err
	}

	conns := server.NewConns()
	r, err := relay.New(relay.Config{
		Store:     store,
		Bus:       bus,
		Notifier:  notifier,
		Transport: conns,
		Validator: validate.New(limits),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	srv, err := server.New(server.Options{
		Relay:          r,
		Conns:          conns,
		Bus:            bus,
		AuthToken:      cfg.AuthToken,
		Version:        version,
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)
	go func() {
		if err := r.Run(ctx); err != nil {
			errCh <- fmt.Errorf("relay: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
		grpcServer = srv.NewGRPCServer()
		go func() {
			logger.Info("gRPC admin server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.NewHTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("websocket server listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	scheduler := startSync(ctx, cfg, store, logger)

	logger.Info("booger started",
		"version", version,
		"origin", r.Origin(),
		"addr", cfg.Addr(),
		"plugs", cfg.Plugs.Use,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", "err", runErr)
	}

	if scheduler != nil {
		scheduler.Stop()
		logger.Info("sync scheduler stopped")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	srv.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

// startBus applies plug schemas before the handshake, which only collects
// capabilities.
func startBus(ctx context.Context, exts []plugs.Extension, logger *slog.Logger) (*plugs.Bus, error) {
	if err := builtin.Migrate(ctx, exts); err != nil {
		builtin.Close(exts)
		return nil, err
	}
	bus := plugs.NewBus(logger, exts...)
	if err := bus.Start(ctx); err != nil {
		bus.Stop()
		return nil, err
	}
	return bus, nil
}

// newNotifier picks NATS when configured, otherwise Postgres LISTEN/NOTIFY
// on the event store.
func newNotifier(cfg *config.Config, store *postgres.PostgresStore, logger *slog.Logger) (events.Notifier, error) {
	if cfg.NATSURL != "" {
		n, err := events.NewNATSNotifier(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		logger.Info("fanout via nats", "nats_url", cfg.NATSURL)
		return n, nil
	}
	logger.Info("fanout via postgres LISTEN/NOTIFY")
	return events.NewPGNotifier(store.DB(), cfg.DB, logger), nil
}

// startSync starts the export scheduler when an interval and at least one
// destination are configured.
func startSync(ctx context.Context, cfg *config.Config, store *postgres.PostgresStore, logger *slog.Logger) *boogersync.Scheduler {
	sc := cfg.Sync
	if sc.Interval <= 0 {
		return nil
	}

	var dests []boogersync.Destination
	if sc.S3Bucket != "" {
		dest, err := boogersync.NewS3Destination(ctx, boogersync.S3Options{
			Bucket:   sc.S3Bucket,
			Key:      sc.S3Key,
			Region:   sc.S3Region,
			Endpoint: sc.S3Endpoint,
		})
		if err != nil {
			logger.Error("failed to create S3 sync destination", "err", err)
		} else {
			dests = append(dests, dest)
			logger.Info("sync S3 destination enabled", "bucket", sc.S3Bucket, "key", sc.S3Key)
		}
	}
	if sc.GitRepo != "" {
		dests = append(dests, boogersync.NewGitDestination(sc.GitRepo, sc.GitFile, sc.GitBranch))
		logger.Info("sync git destination enabled", "repo", sc.GitRepo, "file", sc.GitFile)
	}
	if len(dests) == 0 {
		logger.Warn("sync interval set but no destination configured")
		return nil
	}

	scheduler := boogersync.NewScheduler(store, dests, sc.Interval, logger)
	scheduler.Start(ctx)
	logger.Info("sync scheduler started", "interval", sc.Interval)
	return scheduler
}
