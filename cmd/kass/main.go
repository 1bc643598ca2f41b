package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kasshq/kass/internal/config"
	"github.com/kasshq/kass/internal/database"
	"github.com/kasshq/kass/internal/logging"
	"github.com/kasshq/kass/internal/services"
	"github.com/kasshq/kass/internal/stream"
)

// main delegates to run and maps failure to the exit code.
func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "kass failed: %v\n", err)
		os.Exit(1)
	}
}

// run starts the selected workers (all of them by default), the aggregator's
// housekeeping when the aggregator is among them, and the health endpoint,
// then blocks until a termination signal arrives and everything drains.
func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)

	redisClient, err := database.NewRedisConnection(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// The registry is degraded-optional: without it the cross-market and
	// lifecycle processors lose sibling awareness but the rest still runs.
	var registry services.Registry
	db, err := database.NewPostgresConnection(cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Warn("Market registry database unavailable, running without sibling awareness")
	} else {
		defer db.Close()
		registry = services.NewMarketRegistry(db.Pool, redisClient.Client, logger)
	}

	publisher := stream.NewPublisher(redisClient.Client, logger)

	retryPolicy := services.DefaultRetryPolicy()
	consumerOpts := stream.DefaultConsumerOptions()
	consumerOpts.Backoff = retryPolicy

	workerOpts := services.WorkerOptions{
		GroupPrefix: cfg.Redis.GroupPrefix,
		Cooldown:    time.Duration(cfg.Signals.CooldownSec) * time.Second,
		MinDelta:    cfg.Signals.MinDelta,
		Retry:       retryPolicy,
		Consumer:    consumerOpts,
	}
	newWorker := func(proc services.Processor) *services.Worker {
		return services.NewWorker(proc, publisher, workerOpts, logger, func(poison func(string)) *stream.Consumer {
			return stream.NewConsumer(redisClient.Client, workerOpts.Consumer, logger, poison)
		})
	}

	aggregator := services.NewAggregator(cfg.Signals.Aggregator, publisher, registry, redisClient.Client, logger)

	available := map[string]*services.Worker{
		"flow_toxicity":   newWorker(services.NewToxicityProcessor(cfg.Signals.Toxicity, logger)),
		"oi_divergence":   newWorker(services.NewOIDivergenceProcessor(cfg.Signals.OIDivergence, logger)),
		"regime":          newWorker(services.NewRegimeProcessor(cfg.Signals.Regime, registry, redisClient.Client, logger)),
		"cross_market":    newWorker(services.NewCrossMarketProcessor(cfg.Signals.CrossMarket, registry, nil, logger)),
		"lifecycle_alpha": newWorker(services.NewLifecycleProcessor(cfg.Signals.Lifecycle, registry, logger)),
		"aggregator":      newWorker(aggregator),
	}

	selected, err := selectWorkers(available, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for name, worker := range selected {
		wg.Add(1)
		go func(name string, worker *services.Worker) {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).WithField("worker", name).Error("Worker exited, shutting down")
				stop()
			}
		}(name, worker)
	}

	if _, ok := selected["aggregator"]; ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			aggregator.RunHousekeeping(ctx)
		}()
	}

	if cfg.Health.Enabled {
		checks := []services.HealthCheck{
			{Name: "redis", Check: redisClient.HealthCheck},
		}
		if db != nil && registry != nil {
			checks = append(checks, services.HealthCheck{Name: "postgres", Check: db.HealthCheck})
		}
		providers := make([]services.StatsProvider, 0, len(selected))
		for _, worker := range selected {
			providers = append(providers, worker)
		}
		health := services.NewHealthServer(cfg.Health.Port, cfg.Environment, checks, providers, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := health.Run(ctx); err != nil {
				logger.WithError(err).Error("Health server exited")
			}
		}()
	}

	logger.WithField("workers", workerNames(selected)).Info("kass signal engine started")

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining")
	wg.Wait()
	logger.Info("kass signal engine stopped")
	return nil
}

// selectWorkers resolves CLI args to workers; no args means all of them.
func selectWorkers(available map[string]*services.Worker, args []string) (map[string]*services.Worker, error) {
	if len(args) == 0 {
		return available, nil
	}
	selected := make(map[string]*services.Worker, len(args))
	for _, name := range args {
		worker, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown worker %q (available: %v)", name, workerNames(available))
		}
		selected[name] = worker
	}
	return selected, nil
}

func workerNames(workers map[string]*services.Worker) []string {
	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	return names
}
