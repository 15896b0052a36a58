package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/critical-images/internal/beacon"
	"github.com/mohammed-shakir/critical-images/internal/beacon/kafkafeed"
	"github.com/mohammed-shakir/critical-images/internal/beacon/metricswrap"
	"github.com/mohammed-shakir/critical-images/internal/core/config"
	"github.com/mohammed-shakir/critical-images/internal/core/health"
	"github.com/mohammed-shakir/critical-images/internal/core/observability"
	"github.com/mohammed-shakir/critical-images/internal/core/server"
	"github.com/mohammed-shakir/critical-images/internal/finder"
	"github.com/mohammed-shakir/critical-images/internal/logger"
	"github.com/mohammed-shakir/critical-images/internal/metrics"
	"github.com/mohammed-shakir/critical-images/internal/propertystore"
	"github.com/mohammed-shakir/critical-images/internal/propertystore/backend"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "finder-server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	appLog.Info("starting critical images finder",
		"addr", cfg.Addr,
		"version", Version,
		"store", cfg.Store.Driver,
		"cohort", cfg.Cohort.Name,
		"kafka", cfg.Kafka.Enabled)

	p := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Path:    cfg.MetricsPath,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(p.Registerer(), cfg.MetricsEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closer, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		appLog.Error("property store setup failed", "driver", cfg.Store.Driver, "err", err)
		return 1
	}
	defer func() {
		if err := closer.Close(); err != nil {
			appLog.Error("property store close", "err", err)
		}
	}()

	registry := propertystore.NewRegistry()
	if err := registry.Register(propertystore.Cohort{Name: cfg.Cohort.Name, TTL: cfg.Cohort.TTL}); err != nil {
		appLog.Error("cohort registration failed", "err", err)
		return 1
	}

	agg, err := beacon.New(beacon.WithDedupeSize(cfg.Beacon.DedupeSize))
	if err != nil {
		appLog.Error("beacon aggregator setup failed", "err", err)
		return 1
	}

	rec := metricswrap.New(agg, appLog, cfg.Beacon.LogSample)

	f, err := finder.New(finder.Options{
		Logger:         appLog,
		Store:          store,
		Registry:       registry,
		Cohort:         cfg.Cohort.Name,
		Beacons:        agg,
		Policy:         cfg.Policy.Policy(),
		StoreTimeout:   cfg.Store.OpTimeout,
		ComputeTimeout: cfg.Compute.Timeout,
		Workers:        cfg.Compute.Workers,
		Queue:          cfg.Compute.Queue,
		Strict:         cfg.StrictOrdering,
	})
	if err != nil {
		appLog.Error("finder setup failed", "err", err)
		return 1
	}
	defer f.Close()

	deps := server.Deps{
		Finder:      f,
		Beacons:     rec,
		Metrics:     p.Handler(),
		MetricsPath: p.Path(),
		Ready:       health.AlwaysReady{},
	}

	var runner *kafkafeed.Runner
	if cfg.Kafka.Enabled {
		runner = kafkafeed.New(cfg.Kafka, rec, kafkafeed.Options{Logger: appLog, Register: p.Registerer()})
		if err := runner.Start(ctx); err != nil {
			appLog.Error("beacon consumer start failed", "err", err)
			return 1
		}
		defer runner.Stop()
		deps.Ready = runner

		pub, err := kafkafeed.NewPublisher(cfg.Kafka, appLog)
		if err != nil {
			appLog.Error("beacon publisher setup failed", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Error("beacon publisher close", "err", err)
			}
		}()
		deps.Publisher = pub
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.Addr, appLog, server.NewRouter(appLog, deps))
	})
	if cfg.Compute.FlushInterval > 0 {
		g.Go(func() error {
			flushLoop(gctx, appLog, f, cfg.Compute.FlushInterval)
			return nil
		})
	}
	if purger, ok := store.(propertystore.Purger); ok && cfg.Store.PurgeInterval > 0 {
		g.Go(func() error {
			purgeLoop(gctx, appLog, purger, cfg.Store.PurgeInterval)
			return nil
		})
	}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		g.Go(func() error {
			return config.Watch(gctx, path, appLog, func(next config.Config) {
				if err := f.SetPolicy(next.Policy.Policy()); err != nil {
					appLog.Error("policy reload rejected", "err", err)
					return
				}
				appLog.Info("policy reloaded")
			})
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("server exited with error", "err", err)
		return 1
	}

	// merge whatever arrived since the last tick
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := f.Flush(drainCtx); err != nil {
		appLog.Warn("final flush incomplete", "pages", n, "err", err)
	}
	appLog.Info("server stopped")
	return 0
}

func flushLoop(ctx context.Context, log *slog.Logger, f *finder.BeaconFinder, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := f.Flush(ctx)
			if err != nil {
				log.Warn("periodic flush", "pages", n, "err", err)
				continue
			}
			if n > 0 {
				log.Debug("periodic flush", "pages", n)
			}
		}
	}
}

func purgeLoop(ctx context.Context, log *slog.Logger, p propertystore.Purger, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				log.Warn("expired record purge", "err", err)
				continue
			}
			if n > 0 {
				log.Info("expired records purged", "rows", n)
			}
		}
	}
}
