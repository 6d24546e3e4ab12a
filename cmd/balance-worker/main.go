package main

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sync/errgroup"

	"tgledger/internal/backend"
	"tgledger/internal/cli"
	"tgledger/internal/log"
	"tgledger/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	logger.InfoContext(context.Background(), "Starting balance-worker", log.FieldOperation, log.OpStartup)

	cfg := cli.LoadAndValidateConfig(logger)
	if cfg.AMQPURL == "" {
		logger.ErrorContext(context.Background(), "AMQP_URL is required for the balance worker")
		os.Exit(1)
	}
	ctx := cli.GracefulShutdown(logger)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.ErrorContext(ctx, "Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	b, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to create backend", log.FieldError, err)
		os.Exit(1)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.ErrorContext(context.Background(), "Backend cleanup failed", log.FieldError, err)
		}
	}()
	if b.AMQP == nil {
		logger.ErrorContext(ctx, "Broker unavailable, nothing to consume")
		os.Exit(1)
	}

	w := worker.NewBalanceWorker(b.Service, b.Journal, cfg.RetryBatch, logger)

	// Legs that failed while the worker was down are picked up first.
	if n, err := w.RetryPending(ctx); err != nil {
		logger.ErrorContext(ctx, "Startup retry failed", log.FieldError, err)
	} else if n > 0 {
		logger.InfoContext(ctx, "Startup retry done", "rows", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.AMQP.ConsumeBalanceApply(gctx, w.HandleBalanceMessage)
	})
	g.Go(func() error {
		return w.RunRetries(gctx, cfg.RetryInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorContext(context.Background(), "Worker stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.InfoContext(context.Background(), "Balance worker stopped gracefully")
}
