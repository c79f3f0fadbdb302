package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/receiptio/receiptd/internal/common"
	"github.com/receiptio/receiptd/internal/export"
	"github.com/receiptio/receiptd/internal/queue"
	"github.com/receiptio/receiptd/internal/repository"
	"github.com/receiptio/receiptd/internal/server"
)

// receiptd is the upload-facing process: it accepts receipt images, creates
// placeholder records and enqueues recognition jobs. Processing happens in
// the receiptworker process; the two share only the queue database and
// Postgres.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.Open(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		DialTimeout:     cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := repository.HealthCheck(ctx, pool, cfg.Database.DialTimeout, logger); err != nil {
		logger.Error("database health check failed", "error", err)
		os.Exit(1)
	}

	q, err := queue.Open(cfg.Queue.Path,
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithBackoffBase(cfg.Queue.BackoffBase),
	)
	if err != nil {
		logger.Error("failed to open job queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	receipts := repository.NewReceiptRepository(pool, logger)
	exporter := export.NewService(receipts, logger)
	srv := server.New(server.Config{
		MaxUploadSize: cfg.Server.MaxUploadSize,
		UploadDir:     cfg.Upload.Dir,
	}, q, receipts, exporter, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
