package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/receiptio/receiptd/constants"
	"github.com/receiptio/receiptd/internal/common"
	"github.com/receiptio/receiptd/internal/extract"
	"github.com/receiptio/receiptd/internal/queue"
	"github.com/receiptio/receiptd/internal/recognition"
)

// JobQueue is the queue surface the worker drives.
type JobQueue interface {
	Claim() (*queue.Job, error)
	SetProgress(id string, progress int) error
	Complete(id string, result extract.ExtractedData) error
	Fail(id string, reason string) error
}

// Recognizer produces raw OCR output for an image file.
type Recognizer interface {
	Recognize(ctx context.Context, path string) (recognition.Result, error)
}

// RecordStore is the persistence surface the worker writes results to.
type RecordStore interface {
	ApplyExtraction(ctx context.Context, recordID uuid.UUID, data extract.ExtractedData) error
}

// Extractor derives structured fields from raw OCR output.
type Extractor interface {
	Extract(text string, words []extract.Word) extract.ExtractedData
}

// Config holds job execution limits.
type Config struct {
	// Concurrency bounds how many jobs run simultaneously.
	Concurrency int
	// RateCount per RateWindow caps job starts, protecting the shared
	// recognition engine from bursts.
	RateCount  int
	RateWindow time.Duration
	// RecognitionTimeout bounds a single recognition attempt; exceeding it
	// fails that attempt.
	RecognitionTimeout time.Duration
	// UploadDir is used to reconstruct file paths when the uploading
	// process and this process disagree on absolute paths.
	UploadDir string
	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration
}

// Worker pulls jobs from the queue, drives recognition and extraction, and
// persists results. No single job failure crashes the worker; errors flow
// into the queue's retry policy.
type Worker struct {
	queue      JobQueue
	recognizer Recognizer
	records    RecordStore
	extractor  Extractor
	cfg        Config
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// New creates a worker. Zero config fields fall back to defaults:
// concurrency 2, 5 starts per minute, 30s recognition timeout, 500ms poll.
func New(q JobQueue, r Recognizer, records RecordStore, ex Extractor, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.RateCount <= 0 {
		cfg.RateCount = 5
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.RecognitionTimeout <= 0 {
		cfg.RecognitionTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{
		queue:      q,
		recognizer: r,
		records:    records,
		extractor:  ex,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateCount)), cfg.RateCount),
		logger:     logger,
	}
}

// Run executes jobs until ctx is cancelled. It spawns Concurrency loops and
// blocks until all of them drain; in-flight jobs finish or fail naturally.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.logger.Info("worker slot started", "slot", slot)
			w.loop(ctx)
			w.logger.Info("worker slot stopped", "slot", slot)
		}(i + 1)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		did, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if did {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes a single job. It returns true when a job was
// processed, regardless of its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	// Take a start slot before claiming so jobs do not sit active while
	// this process waits out the rate limit.
	if err := w.limiter.Wait(ctx); err != nil {
		return false, nil
	}

	job, err := w.queue.Claim()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job attempt failed",
			"job_id", job.ID, "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts, "error", err)
		w.deleteUpload(job.Payload)
		if failErr := w.queue.Fail(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to record job failure", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) error {
	recordID, err := uuid.Parse(job.Payload.RecordID)
	if err != nil {
		return fmt.Errorf("invalid record id %q: %w", job.Payload.RecordID, err)
	}

	path, err := w.resolveFile(job.Payload)
	if err != nil {
		return err
	}
	w.progress(job.ID, constants.ProgressFileVerified)

	w.progress(job.ID, constants.ProgressRecognizing)
	res, err := w.recognize(ctx, path)
	if err != nil {
		return err
	}
	w.progress(job.ID, constants.ProgressRecognized)

	data := w.extractor.Extract(res.Text, res.Words)

	if err := w.records.ApplyExtraction(ctx, recordID, data); err != nil {
		return fmt.Errorf("persisting extraction: %w", err)
	}
	w.progress(job.ID, constants.ProgressPersisted)

	if err := w.queue.Complete(job.ID, data); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	w.logger.Info("job completed",
		"job_id", job.ID, "record_id", recordID,
		"store_name", data.StoreName != nil, "items", len(data.Items))
	return nil
}

// recognize bounds a single recognition attempt with a wall-clock timeout.
// The engine call itself cannot be cancelled mid-flight, so on timeout the
// attempt fails and the call's eventual result is discarded.
func (w *Worker) recognize(ctx context.Context, path string) (recognition.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RecognitionTimeout)
	defer cancel()

	type outcome struct {
		res recognition.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := w.recognizer.Recognize(ctx, path)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return recognition.Result{}, common.WrapError(common.ErrRecognition,
			fmt.Sprintf("recognition exceeded %s", w.cfg.RecognitionTimeout))
	case out := <-ch:
		return out.res, out.err
	}
}

// resolveFile tries the literal file reference, then a path rebuilt from the
// configured upload root. The two processes may not share a working
// directory, so the literal path alone is not trusted.
func (w *Worker) resolveFile(p queue.Payload) (string, error) {
	if fileExists(p.FileRef) {
		return p.FileRef, nil
	}
	if w.cfg.UploadDir != "" {
		alt := filepath.Join(w.cfg.UploadDir, filepath.Base(p.FileRef))
		if fileExists(alt) {
			return alt, nil
		}
		alt = filepath.Join(w.cfg.UploadDir, p.Filename)
		if fileExists(alt) {
			return alt, nil
		}
	}
	return "", common.WrapError(common.ErrFileNotFound, p.FileRef)
}

// deleteUpload removes the uploaded file after a failed attempt so crashed
// jobs do not leak disk. Best-effort only.
func (w *Worker) deleteUpload(p queue.Payload) {
	if path, err := w.resolveFile(p); err == nil {
		if rmErr := os.Remove(path); rmErr != nil {
			w.logger.Warn("failed to remove upload", "path", path, "error", rmErr)
		}
	}
}

func (w *Worker) progress(jobID string, milestone int) {
	if err := w.queue.SetProgress(jobID, milestone); err != nil {
		w.logger.Warn("failed to record progress", "job_id", jobID, "progress", milestone, "error", err)
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
