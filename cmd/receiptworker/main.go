package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/receiptio/receiptd/internal/common"
	"github.com/receiptio/receiptd/internal/extract"
	"github.com/receiptio/receiptd/internal/queue"
	"github.com/receiptio/receiptd/internal/recognition"
	"github.com/receiptio/receiptd/internal/repository"
	"github.com/receiptio/receiptd/internal/worker"
)

// receiptworker is the job-executing process: it claims recognition jobs
// from the shared queue, drives the OCR engine and the extraction engine,
// and writes results back to the receipts database.
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

	q, err := queue.Open(cfg.Queue.Path,
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithBackoffBase(cfg.Queue.BackoffBase),
	)
	if err != nil {
		logger.Error("failed to open job queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	adapter := recognition.NewAdapter(recognition.NewTesseractFactory(recognition.Config{
		TessdataDir: cfg.OCR.TessdataDir,
		Language:    cfg.OCR.Language,
	}), logger)
	defer adapter.Terminate()

	// Warm the engine before claiming work; a cold start costs seconds.
	if err := adapter.Initialize(ctx); err != nil {
		logger.Error("recognition engine failed to start", "error", err)
		os.Exit(1)
	}

	receipts := repository.NewReceiptRepository(pool, logger)
	engine := extract.NewEngine(extract.Config{})

	w := worker.New(q, adapter, receipts, engine, worker.Config{
		Concurrency:        cfg.Worker.Concurrency,
		RateCount:          cfg.Worker.RateCount,
		RateWindow:         cfg.Worker.RateWindow,
		RecognitionTimeout: cfg.OCR.Timeout,
		UploadDir:          cfg.Upload.Dir,
		PollInterval:       cfg.Worker.PollInterval,
	}, logger)

	// Terminal jobs are retained for a bounded period, then purged.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := q.Purge(cfg.Queue.Retention)
				if err != nil {
					logger.Error("job purge failed", "error", err)
				} else if n > 0 {
					logger.Info("purged terminal jobs", "count", n)
				}
			}
		}
	}()

	logger.Info("worker starting",
		"concurrency", cfg.Worker.Concurrency,
		"rate_count", cfg.Worker.RateCount,
		"rate_window", cfg.Worker.RateWindow,
		"recognition_timeout", cfg.OCR.Timeout,
	)
	w.Run(ctx)
	logger.Info("stopped")
}
