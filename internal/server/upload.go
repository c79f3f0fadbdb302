package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/receiptio/receiptd/constants"
	"github.com/receiptio/receiptd/internal/queue"
)

type uploadResponse struct {
	ReceiptID string `json:"receipt_id"`
	JobID     string `json:"job_id"`
}

// handleUpload accepts a multipart receipt image, stores it under the upload
// root, creates a placeholder record and enqueues a recognition job. It
// responds 202 immediately; processing happens in the worker process.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadSize); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart request: "+err.Error())
		return
	}

	file, header, err := r.FormFile("receipt")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing 'receipt' file field")
		return
	}
	defer file.Close()

	ext := filepath.Ext(header.Filename)
	if !constants.IsAllowedExt(ext) {
		s.writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported file type %q", ext))
		return
	}

	storedName := uuid.New().String() + "." + constants.NormalizeExt(ext)
	path, err := s.saveUpload(storedName, file)
	if err != nil {
		s.logger.Error("failed to store upload", "filename", header.Filename, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	rec, err := s.receipts.CreatePlaceholder(r.Context(), storedName)
	if err != nil {
		s.logger.Error("failed to create placeholder", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create receipt")
		return
	}

	job, err := s.queue.Enqueue(queue.Payload{
		Version:  queue.PayloadVersion,
		FileRef:  path,
		Filename: storedName,
		ImageRef: storedName,
		RecordID: rec.ID.String(),
	})
	if err != nil {
		s.logger.Error("failed to enqueue job", "receipt_id", rec.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue processing")
		return
	}

	s.logger.Info("receipt uploaded", "receipt_id", rec.ID, "job_id", job.ID, "filename", header.Filename)
	s.writeJSON(w, http.StatusAccepted, uploadResponse{
		ReceiptID: rec.ID.String(),
		JobID:     job.ID,
	})
}

func (s *Server) saveUpload(name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload directory: %w", err)
	}
	path := filepath.Join(s.cfg.UploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing file: %w", err)
	}
	return path, nil
}
