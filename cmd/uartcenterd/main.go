package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dtufleet/uartcenter/internal/cache"
	"github.com/dtufleet/uartcenter/internal/config"
	"github.com/dtufleet/uartcenter/internal/entity"
	"github.com/dtufleet/uartcenter/internal/protocol"
	"github.com/dtufleet/uartcenter/internal/rpc"
	"github.com/dtufleet/uartcenter/internal/scheduler"
	"github.com/dtufleet/uartcenter/internal/store"
	"github.com/dtufleet/uartcenter/internal/tasks"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "uartcenterd",
		Short: "Central controller for a distributed UART-gateway fleet",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("listen", ":9010", "address for the /node websocket endpoint")
	f.String("mongo-uri", "mongodb://127.0.0.1:27017", "backing document store")
	f.String("node-secret", "", "shared secret for node handshakes")
	f.String("env", "production", "runtime environment (development disables the token check)")
	f.String("refresh-exclude", "", "comma-separated node names skipped by the cache refresh")
	f.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("listen", "listen")
	bindFlag("mongo_uri", "mongo-uri")
	bindFlag("node_secret", "node-secret")
	bindFlag("env", "env")
	bindFlag("refresh_exclude", "refresh-exclude")
	bindFlag("log_level", "log-level")

	// The three environment knobs keep their historical names.
	_ = viper.BindEnv("mongo_uri", "MONGODB_URI")
	_ = viper.BindEnv("node_secret", "NODE_SECRET")
	_ = viper.BindEnv("env", "NODE_ENV")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "uartcenter",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})
	logger.Info("starting", "version", config.Version, "listen", cfg.ListenAddr,
		"env", cfg.Env, "development", cfg.Development())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An unreachable store or failed index build is unrecoverable.
	st, err := store.Connect(ctx, logger, cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = st.Close(closeCtx)
	}()
	if err := st.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	builder := protocol.NewBuilder(logger)
	registry := protocol.NewRegistry(logger, st.Protocol, builder)
	terminalCache := cache.New(logger)
	sched := scheduler.New(logger, st, terminalCache, registry, builder)

	server := rpc.New(logger, rpc.Config{
		ListenAddr:  cfg.ListenAddr,
		Secret:      cfg.Secret,
		Development: cfg.Development(),
	}, st, terminalCache, sched)
	sched.SetTransport(server)

	// Warm the cache from storage; scheduling entries arrive per node as
	// each one registers and reports ready.
	err = terminalCache.Warmup(ctx, func(ctx context.Context) ([]*entity.Entity, error) {
		docs, err := st.OnlineTerminals(ctx)
		if err != nil {
			return nil, err
		}
		ents := make([]*entity.Entity, 0, len(docs))
		for i := range docs {
			ents = append(ents, entity.New(logger, docs[i], time.Now()))
		}
		return ents, nil
	})
	if err != nil {
		logger.Warn("cache warmup failed, continuing cold", "error", err)
	}

	maint := tasks.New(logger, st, terminalCache, sched, server, cfg.RefreshExclude)

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		terminalCache.Run,
		sched.Run,
		server.Run,
		maint.Run,
	} {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(loop)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			cancel()
			return fmt.Errorf("node endpoint: %w", err)
		}
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("endpoint shutdown", "error", err)
	}
	wg.Wait()
	return nil
}
