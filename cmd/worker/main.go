// Package main provides the emberq worker service: it loads
// configuration, wires a broker-backed processor with the example
// handlers, and runs until a shutdown signal arrives. Adapted from the
// teacher's cmd/worker/main.go (config load, logger bootstrap, signal
// handling, periodic metrics logging), generalized from the teacher's
// fixed priority-queue pool to SPEC_FULL.md's processor/worker model.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emberq/emberq/internal/broker"
	"github.com/emberq/emberq/internal/config"
	"github.com/emberq/emberq/internal/logger"
	"github.com/emberq/emberq/internal/metrics"
	"github.com/emberq/emberq/internal/periodic"
	"github.com/emberq/emberq/internal/processor"
	"github.com/emberq/emberq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	workerLog := log.WithComponent(logger.ComponentDispatcher).WithSource(logger.LogSourceInternal)
	workerLog.Info("emberq worker starting",
		"queues", cfg.Queues,
		"num_workers", cfg.NumWorkers,
		"balance_strategy", cfg.BalanceStrategy,
		"broker_url", cfg.BrokerURL,
		"namespace", cfg.Namespace)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		workerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			workerLog.Error("pprof server failed", "error", err)
		}
	}()

	b, err := broker.New(cfg.BrokerURL, cfg.Namespace)
	if err != nil {
		workerLog.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := b.Close(); err != nil {
			workerLog.Error("failed to close broker connection", "error", err)
		}
	}()

	queueConfigs := make(map[string]processor.QueueConfig, len(cfg.QueueConfigs))
	for name, qc := range cfg.QueueConfigs {
		queueConfigs[name] = processor.QueueConfig{NumWorkers: qc.NumWorkers}
	}
	balance := processor.BalanceRoundRobin
	if cfg.BalanceStrategy == config.BalanceStrict {
		balance = processor.BalanceStrict
	}

	proc := processor.New(b, processor.Config{
		Queues:          cfg.Queues,
		NumWorkers:      cfg.NumWorkers,
		BalanceStrategy: balance,
		QueueConfigs:    queueConfigs,
		FetchTimeout:    cfg.FetchTimeout,
		SweeperInterval: cfg.SweeperInterval,
		SweeperBatch:    int64(cfg.SweeperBatchSize),
		DeadSetSizeCap:  cfg.DeadSetSizeCap,
		DeadRetention:   cfg.DeadSetRetention,
	})

	// TODO: replace example handlers with real job classes.
	worker.RegisterTyped(proc.Registry(), "SendEmail", handleSendEmail, worker.Options{Queue: "default"})
	worker.RegisterTyped(proc.Registry(), "CountItems", handleCountItems, worker.Options{Queue: "default"})
	worker.RegisterTyped(proc.Registry(), "ProcessData", handleProcessData, worker.Options{Queue: "default", RetryCap: 10})

	// The processor's own dispatch loop already invokes the retry engine
	// on any chain failure; middleware.RetryMiddleware is for callers
	// driving the chain without a Processor and must not be installed
	// here too, or a failure would be disposed of twice.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.PeriodicEnabled {
		registry := periodic.NewRegistry()
		runner := periodic.NewRunner(registry, b, 10*time.Second)
		runner.SetLockTTL(cfg.PeriodicLockTTL)
		go runner.Run(ctx)
		workerLog.Info("periodic enqueue loop started", "schedules", registry.Count())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go proc.Run(ctx)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := metrics.GetMetrics()
				workerLog.Info("system metrics",
					"jobs_processed", m.TotalJobsProcessed,
					"jobs_completed", m.TotalJobsCompleted,
					"jobs_failed", m.TotalJobsFailed,
					"jobs_dead", m.TotalJobsDead,
					"avg_duration_ms", m.AvgJobDuration.Milliseconds(),
					"uptime", m.Uptime.String())
			}
		}
	}()

	sig := <-sigChan
	workerLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig)

	cancel()
	proc.Shutdown(30 * time.Second)

	workerLog.Info("worker shut down")
}

type emailArgs struct {
	To string `json:"to"`
}

func handleSendEmail(ctx context.Context, a emailArgs) error {
	logger.Default().Info("sending email", "to", a.To)
	return nil
}

type countItemsArgs struct {
	Items []json.RawMessage `json:"items"`
}

func handleCountItems(ctx context.Context, a countItemsArgs) error {
	logger.Default().Info("counted items", "count", len(a.Items))
	return nil
}

type processDataArgs struct {
	Payload json.RawMessage `json:"payload"`
}

func handleProcessData(ctx context.Context, a processDataArgs) error {
	logger.Default().Info("processed data", "bytes", len(a.Payload))
	return nil
}
