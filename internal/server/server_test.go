package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/receiptio/receiptd/constants"
	"github.com/receiptio/receiptd/internal/common"
	"github.com/receiptio/receiptd/internal/entity"
	"github.com/receiptio/receiptd/internal/export"
	"github.com/receiptio/receiptd/internal/extract"
	"github.com/receiptio/receiptd/internal/queue"
	"github.com/receiptio/receiptd/internal/repository"
)

type fakeRepo struct {
	receipts map[uuid.UUID]*entity.Receipt
	updated  map[uuid.UUID]repository.UpdateFieldsRequest
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		receipts: map[uuid.UUID]*entity.Receipt{},
		updated:  map[uuid.UUID]repository.UpdateFieldsRequest{},
	}
}

func (f *fakeRepo) CreatePlaceholder(_ context.Context, imageRef string) (*entity.Receipt, error) {
	rec := &entity.Receipt{
		ID:        uuid.New(),
		ImageRef:  imageRef,
		Items:     []entity.LineItem{},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	f.receipts[rec.ID] = rec
	return rec, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*entity.Receipt, error) {
	rec, ok := f.receipts[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRepo) ListReceipts(context.Context, *time.Time, *time.Time) ([]*entity.Receipt, error) {
	out := make([]*entity.Receipt, 0, len(f.receipts))
	for _, rec := range f.receipts {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRepo) ApplyExtraction(_ context.Context, id uuid.UUID, _ extract.ExtractedData) error {
	if _, ok := f.receipts[id]; !ok {
		return common.ErrNotFound
	}
	return nil
}

func (f *fakeRepo) UpdateFields(_ context.Context, id uuid.UUID, req repository.UpdateFieldsRequest) (*entity.Receipt, error) {
	rec, ok := f.receipts[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	f.updated[id] = req
	if req.StoreName != nil {
		rec.StoreName = req.StoreName
	}
	return rec, nil
}

type testEnv struct {
	srv   http.Handler
	repo  *fakeRepo
	queue *queue.Store
	dir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	q, err := queue.Open(":memory:")
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	repo := newFakeRepo()
	dir := t.TempDir()
	s := New(Config{MaxUploadSize: 1 << 20, UploadDir: dir}, q, repo, export.NewService(repo, nil), nil)
	return &testEnv{srv: s.Router(), repo: repo, queue: q, dir: dir}
}

func multipartUpload(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("writing part: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHandleUpload(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartUpload(t, "receipt", "store-receipt.JPG", []byte("fake image bytes"))
	req := httptest.NewRequest(http.MethodPost, "/v1/receipts", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		ReceiptID string `json:"receipt_id"`
		JobID     string `json:"job_id"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	recID, err := uuid.Parse(resp.ReceiptID)
	if err != nil {
		t.Fatalf("receipt_id %q is not a UUID: %v", resp.ReceiptID, err)
	}
	rec, ok := env.repo.receipts[recID]
	if !ok {
		t.Fatal("no placeholder record was created")
	}
	if rec.StoreName != nil || rec.TotalAmount != nil {
		t.Error("placeholder record already carries extracted fields")
	}

	st, err := env.queue.Status(resp.JobID)
	if err != nil {
		t.Fatalf("queue.Status: %v", err)
	}
	if st == nil {
		t.Fatal("no job was enqueued")
	}
	if st.State != constants.JobStateWaiting {
		t.Errorf("job state = %s, want waiting", st.State)
	}

	// The stored name is a fresh UUID plus the normalized extension.
	if !strings.HasSuffix(rec.ImageRef, ".jpg") {
		t.Errorf("stored name = %q, want a .jpg suffix", rec.ImageRef)
	}
	entries, err := os.ReadDir(env.dir)
	if err != nil {
		t.Fatalf("reading upload dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != rec.ImageRef {
		t.Errorf("upload dir = %v, want exactly %q", entries, rec.ImageRef)
	}
}

func TestHandleUploadRejections(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		field      string
		filename   string
		wantStatus int
	}{
		{"wrong field name", "file", "a.jpg", http.StatusBadRequest},
		{"executable extension", "receipt", "a.exe", http.StatusUnsupportedMediaType},
		{"no extension", "receipt", "receipt", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartUpload(t, tt.field, tt.filename, []byte("x"))
			req := httptest.NewRequest(http.MethodPost, "/v1/receipts", body)
			req.Header.Set("Content-Type", contentType)
			rr := httptest.NewRecorder()
			env.srv.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}

	if n, err := env.queue.CountByState(constants.JobStateWaiting); err != nil || n != 0 {
		t.Errorf("rejected uploads enqueued %d jobs (err=%v), want 0", n, err)
	}
}

func TestHandleUploadTooLarge(t *testing.T) {
	env := newTestEnv(t)

	q, err := queue.Open(":memory:")
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	small := New(Config{MaxUploadSize: 64, UploadDir: env.dir}, q, env.repo, nil, nil)

	body, contentType := multipartUpload(t, "receipt", "big.jpg", bytes.Repeat([]byte("a"), 4096))
	req := httptest.NewRequest(http.MethodPost, "/v1/receipts", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	small.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for oversize upload", rr.Code)
	}
}

func TestHandleJobStatus(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+uuid.New().String(), nil)
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown job", rr.Code)
	}

	job, err := env.queue.Enqueue(queue.Payload{
		FileRef: "/u/a.jpg", Filename: "a.jpg", ImageRef: "a.jpg", RecordID: uuid.New().String(),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID, nil)
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}

	var st queue.Status
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if st.ID != job.ID || st.State != constants.JobStateWaiting {
		t.Errorf("status = %+v, want waiting job %s", st, job.ID)
	}
}

func TestHandleGetReceipt(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/receipts/not-a-uuid", nil)
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed id", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/receipts/"+uuid.New().String(), nil)
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown receipt", rr.Code)
	}

	rec, err := env.repo.CreatePlaceholder(context.Background(), "a.jpg")
	if err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/v1/receipts/"+rec.ID.String(), nil)
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}

	var got entity.Receipt
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decoding receipt: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("receipt id = %s, want %s", got.ID, rec.ID)
	}
}

func TestHandleUpdateReceipt(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.repo.CreatePlaceholder(context.Background(), "a.jpg")
	if err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}

	patch := func(id, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPatch, "/v1/receipts/"+id, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		env.srv.ServeHTTP(rr, req)
		return rr
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid store name", `{"store_name":"ACME MARKET"}`, http.StatusOK},
		{"valid full edit", `{"store_name":"ACME","purchase_date":"2024-06-14","total_amount":14.44,"items":[{"name":"Milk","quantity":2,"price":3.99}]}`, http.StatusOK},
		{"bad date format", `{"purchase_date":"14/06/2024"}`, http.StatusBadRequest},
		{"empty item name", `{"items":[{"name":"","price":1.00}]}`, http.StatusBadRequest},
		{"zero quantity", `{"items":[{"name":"Milk","quantity":0,"price":1.00}]}`, http.StatusBadRequest},
		{"negative price", `{"items":[{"name":"Milk","price":-1.00}]}`, http.StatusBadRequest},
		{"not json", `{{{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := patch(rec.ID.String(), tt.body)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}

	if rr := patch(uuid.New().String(), `{"store_name":"X"}`); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown receipt", rr.Code)
	}

	req, ok := env.repo.updated[rec.ID]
	if !ok {
		t.Fatal("valid edit never reached the repository")
	}
	if req.PurchaseDate == nil || req.PurchaseDate.Format("2006-01-02") != "2024-06-14" {
		t.Errorf("stored purchase date = %v, want 2024-06-14", req.PurchaseDate)
	}
}

func TestHandleListReceipts(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/receipts?from=junk", nil)
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed from date", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/receipts?from=2024-01-01&to=2024-12-31", nil)
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}
	var recs []*entity.Receipt
	if err := json.NewDecoder(rr.Body).Decode(&recs); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if recs == nil {
		t.Error("empty list serialized as null, want []")
	}
}

func TestHandleExport(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.repo.CreatePlaceholder(context.Background(), "a.jpg"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/receipts/export", nil)
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("content type = %q, want an xlsx type", ct)
	}
	if rr.Body.Len() == 0 {
		t.Error("export body is empty")
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}
