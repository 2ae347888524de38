package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabtext/realtime/internal/access"
	"collabtext/realtime/internal/config"
	"collabtext/realtime/internal/fanout"
	"collabtext/realtime/internal/gateway"
	"collabtext/realtime/internal/logging"
	"collabtext/realtime/internal/metrics"
	"collabtext/realtime/internal/persist"
	"collabtext/realtime/internal/postgres"
	"collabtext/realtime/internal/session"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a TOML config file (optional)")
	migrate := flag.Bool("migrate", false, "create the database tables before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabd: %v\n", err)
		return 1
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabd: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, cfg, *migrate, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg config.Config, migrate bool, logger *zap.Logger) error {
	processID := cfg.ProcessID
	if processID == "" {
		processID = "server-" + uuid.NewString()
	}
	logger = logger.With(zap.String("process", processID))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		store persist.StateStore
		dir   access.Directory
	)
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if migrate {
			if err := db.Migrate(ctx); err != nil {
				return err
			}
		}
		store, dir = db, db
	} else {
		logger.Warn("no database configured, documents are kept in memory",
			zap.Strings("documents", cfg.DevDocuments))
		mem := persist.NewMemoryStore()
		memDir := access.NewMemoryDirectory()
		for _, id := range cfg.DevDocuments {
			mem.Create(id)
			memDir.AddDocument(access.Document{ID: id})
			memDir.AddShare(access.Share{Token: id, DocumentID: id, Permission: access.PermissionEdit})
		}
		store, dir = mem, memDir
	}
	if cfg.CompressSnapshots {
		compressed, err := persist.NewCompressed(store)
		if err != nil {
			return err
		}
		defer compressed.Close()
		store = compressed
	}

	var broker fanout.Broker
	if cfg.RedisURL != "" {
		rb, err := fanout.NewRedisBroker(ctx, cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		broker = rb
	} else {
		logger.Info("no redis configured, fan-out stays in process")
		broker = fanout.NewMemoryHub().Broker()
	}
	defer func() { _ = broker.Close() }()

	bridge := fanout.NewBridge(processID, broker, logger, m)
	sessions := session.NewManager(store, session.Options{
		Fanout:          bridge,
		Logger:          logger,
		Metrics:         m,
		SaveDebounce:    cfg.SaveDebounce,
		PresenceTimeout: cfg.PresenceTimeout,
	})

	var tokens *access.Tokens
	if cfg.JWTSecret != "" {
		tokens = access.NewTokens(cfg.JWTSecret)
	} else {
		logger.Warn("no jwt secret configured, only share links are accepted")
	}
	resolver := access.NewResolver(dir, access.ResolverOptions{
		Tokens:        tokens,
		UserCacheSize: cfg.UserCacheSize,
		UserCacheTTL:  cfg.UserCacheTTL,
		Logger:        logger,
	})

	gw := gateway.New(sessions, resolver, gateway.Options{
		ProcessID:         processID,
		PathPrefix:        cfg.PathPrefix,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendBuffer:        cfg.SendBuffer,
		Logger:            logger,
		Metrics:           m,
		Gatherer:          reg,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(bridge.Run(gctx, sessions))
	})
	g.Go(func() error {
		return ignoreCanceled(gw.Run(gctx))
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		err = multierr.Append(err, gw.Drain(shutdownCtx))
		err = multierr.Append(err, sessions.Shutdown(shutdownCtx))
		return err
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
