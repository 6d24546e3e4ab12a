package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"tgledger/internal/backend"
	"tgledger/internal/cache"
	"tgledger/internal/cli"
	apphttp "tgledger/internal/http"
	"tgledger/internal/log"
	"tgledger/internal/services"
	"tgledger/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)
	ctx := cli.GracefulShutdown(logger)

	logger.InfoContext(ctx, "Starting ledgerd",
		log.FieldOperation, log.OpStartup,
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"balance_mode", cfg.BalanceMode)

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

	cacheManager := cache.NewManager(logger)
	cacheManager.Register(b.Ledger.Cache())
	cacheManager.StartCleanup(5 * time.Minute)
	defer cacheManager.Stop()

	var checks []apphttp.Check
	if p, ok := b.Journal.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, apphttp.Check{Name: "journal", Probe: p.Ping})
	}

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Service:  b.Service,
		Ledger:   b.Ledger,
		Balances: b.Balance,
		Journal:  b.Journal,
		Checks:   checks,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.InfoContext(gctx, "HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.InfoContext(shutdownCtx, "Shutting down HTTP server", log.FieldOperation, log.OpShutdown)
		return srv.Shutdown(shutdownCtx)
	})

	// In async mode the balance worker owns retries.
	if b.Service.Mode() == services.ModeSync && cfg.RetryInterval > 0 {
		w := worker.NewBalanceWorker(b.Service, b.Journal, cfg.RetryBatch, logger)
		g.Go(func() error {
			if err := w.RunRetries(gctx, cfg.RetryInterval); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.ErrorContext(context.Background(), "Server error", log.FieldError, err)
		os.Exit(1)
	}
	logger.InfoContext(context.Background(), "Server stopped gracefully")
}
