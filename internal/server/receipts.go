package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/receiptio/receiptd/internal/common"
	"github.com/receiptio/receiptd/internal/entity"
	"github.com/receiptio/receiptd/internal/repository"
)

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	from, err := parseDateParam(r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid 'from' date, expected YYYY-MM-DD")
		return
	}
	to, err := parseDateParam(r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid 'to' date, expected YYYY-MM-DD")
		return
	}

	recs, err := s.receipts.ListReceipts(r.Context(), from, to)
	if err != nil {
		s.logger.Error("failed to list receipts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list receipts")
		return
	}
	if recs == nil {
		recs = []*entity.Receipt{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "receipt id must be a UUID")
		return
	}

	rec, err := s.receipts.GetByID(r.Context(), id)
	if errors.Is(err, common.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load receipt", "receipt_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load receipt")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type updateReceiptRequest struct {
	StoreName    *string           `json:"store_name"`
	PurchaseDate *string           `json:"purchase_date"`
	TotalAmount  *float64          `json:"total_amount"`
	Items        []entity.LineItem `json:"items"`
}

// handleUpdateReceipt applies a hand-edit. Item replacement is
// delete-then-recreate, never a merge.
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "receipt id must be a UUID")
		return
	}

	var body updateReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	req := repository.UpdateFieldsRequest{
		StoreName:   body.StoreName,
		TotalAmount: body.TotalAmount,
		Items:       body.Items,
	}
	if body.PurchaseDate != nil {
		d, err := time.Parse("2006-01-02", *body.PurchaseDate)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "purchase_date must be YYYY-MM-DD")
			return
		}
		req.PurchaseDate = &d
	}
	for _, item := range body.Items {
		if item.Name == "" {
			s.writeError(w, http.StatusBadRequest, "item name must not be empty")
			return
		}
		if item.Quantity != nil && (*item.Quantity < 1 || *item.Quantity > 999) {
			s.writeError(w, http.StatusBadRequest, "item quantity must be in [1,999]")
			return
		}
		if item.Price != nil && (*item.Price <= 0 || *item.Price >= 1000000) {
			s.writeError(w, http.StatusBadRequest, "item price must be in (0,1000000)")
			return
		}
	}

	rec, err := s.receipts.UpdateFields(r.Context(), id, req)
	if errors.Is(err, common.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to update receipt", "receipt_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update receipt")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	from, err := parseDateParam(r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid 'from' date, expected YYYY-MM-DD")
		return
	}
	to, err := parseDateParam(r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid 'to' date, expected YYYY-MM-DD")
		return
	}

	data, err := s.exporter.ExportReceiptsXLSX(r.Context(), from, to)
	if err != nil {
		s.logger.Error("export failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseDateParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	d, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
