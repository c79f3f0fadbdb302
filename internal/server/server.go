package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/receiptio/receiptd/internal/export"
	"github.com/receiptio/receiptd/internal/queue"
	"github.com/receiptio/receiptd/internal/repository"
)

// Config holds HTTP-layer limits.
type Config struct {
	MaxUploadSize int64
	UploadDir     string
}

// Server exposes the upload, job-status and receipt surfaces over HTTP.
type Server struct {
	cfg      Config
	queue    *queue.Store
	receipts repository.ReceiptRepository
	exporter *export.Service
	logger   *slog.Logger
}

func New(cfg Config, q *queue.Store, receipts repository.ReceiptRepository, exporter *export.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 10 << 20
	}
	return &Server{cfg: cfg, queue: q, receipts: receipts, exporter: exporter, logger: logger}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/receipts", s.handleUpload)
		r.Get("/receipts", s.handleListReceipts)
		r.Get("/receipts/export", s.handleExport)
		r.Get("/receipts/{id}", s.handleGetReceipt)
		r.Patch("/receipts/{id}", s.handleUpdateReceipt)
		r.Get("/jobs/{id}", s.handleJobStatus)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
