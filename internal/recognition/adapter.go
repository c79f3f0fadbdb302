package recognition

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/receiptio/receiptd/internal/common"
	"github.com/receiptio/receiptd/internal/extract"
)

// Result is the raw output of one recognition pass.
type Result struct {
	Text  string
	Words []extract.Word
}

// EngineClient is the stateful OCR engine surface the adapter drives. The
// production implementation wraps a gosseract client; tests inject fakes.
type EngineClient interface {
	SetImage(path string) error
	Text() (string, error)
	Words() ([]extract.Word, error)
	Close() error
}

// Config holds engine construction parameters.
type Config struct {
	TessdataDir string
	Language    string
}

// Adapter owns the lifecycle of a single long-lived OCR engine instance.
// The engine takes seconds to start and is not safe to construct per call,
// so one instance is reused behind an initialization guard. Recognize calls
// against the shared instance are serialized with a mutex; on an engine
// fault the instance is discarded so the next call starts a fresh one.
type Adapter struct {
	factory func() (EngineClient, error)
	logger  *slog.Logger

	initGroup singleflight.Group

	mu     sync.Mutex
	client EngineClient
}

// NewAdapter creates an adapter that builds engine instances with factory.
func NewAdapter(factory func() (EngineClient, error), logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{factory: factory, logger: logger}
}

// Initialize starts the engine if it is not running. It is idempotent and
// safe under concurrent callers: exactly one startup attempt is in flight at
// a time and every concurrent caller awaits that single attempt.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	ready := a.client != nil
	a.mu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := a.initGroup.Do("init", func() (interface{}, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.client != nil {
			return nil, nil
		}
		client, err := a.factory()
		if err != nil {
			a.logger.Error("engine startup failed", "error", err)
			return nil, common.WrapError(common.ErrEngineInit, err.Error())
		}
		a.client = client
		a.logger.Info("recognition engine started")
		return nil, nil
	})
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Recognize runs OCR over the image at path and returns the raw text with
// per-word boxes and confidences. A fault discards the engine instance so
// the adapter heals on the next call instead of staying broken.
func (a *Adapter) Recognize(ctx context.Context, path string) (Result, error) {
	if err := a.Initialize(ctx); err != nil {
		return Result{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		// Terminated between Initialize and the lock.
		return Result{}, common.WrapError(common.ErrRecognition, "engine not available")
	}

	if err := a.client.SetImage(path); err != nil {
		a.discardLocked()
		return Result{}, common.WrapError(common.ErrRecognition, "set image: "+err.Error())
	}
	text, err := a.client.Text()
	if err != nil {
		a.discardLocked()
		return Result{}, common.WrapError(common.ErrRecognition, "read text: "+err.Error())
	}
	words, err := a.client.Words()
	if err != nil {
		a.discardLocked()
		return Result{}, common.WrapError(common.ErrRecognition, "read word boxes: "+err.Error())
	}
	return Result{Text: text, Words: words}, nil
}

// Terminate releases engine resources. It is idempotent and safe to call
// even if the adapter was never initialized.
func (a *Adapter) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return
	}
	if err := a.client.Close(); err != nil {
		a.logger.Warn("engine close failed", "error", err)
	}
	a.client = nil
	a.logger.Info("recognition engine terminated")
}

func (a *Adapter) discardLocked() {
	if a.client == nil {
		return
	}
	_ = a.client.Close()
	a.client = nil
	a.logger.Warn("recognition engine discarded after fault; next call starts a fresh instance")
}
