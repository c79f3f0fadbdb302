package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/receiptio/receiptd/internal/extract"
	"github.com/receiptio/receiptd/internal/queue"
	"github.com/receiptio/receiptd/internal/recognition"
)

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []*queue.Job
	progress  map[string][]int
	completed map[string]extract.ExtractedData
	failed    map[string]string
}

func newFakeQueue(jobs ...*queue.Job) *fakeQueue {
	return &fakeQueue{
		jobs:      jobs,
		progress:  map[string][]int{},
		completed: map[string]extract.ExtractedData{},
		failed:    map[string]string{},
	}
}

func (q *fakeQueue) Claim() (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

func (q *fakeQueue) SetProgress(id string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress[id] = append(q.progress[id], progress)
	return nil
}

func (q *fakeQueue) Complete(id string, result extract.ExtractedData) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[id] = result
	return nil
}

func (q *fakeQueue) Fail(id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = reason
	return nil
}

func (q *fakeQueue) terminalCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed) + len(q.failed)
}

type fakeRecognizer struct {
	fn func(ctx context.Context, path string) (recognition.Result, error)
}

func (r *fakeRecognizer) Recognize(ctx context.Context, path string) (recognition.Result, error) {
	return r.fn(ctx, path)
}

type fakeRecords struct {
	mu      sync.Mutex
	applied map[uuid.UUID]extract.ExtractedData
	err     error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{applied: map[uuid.UUID]extract.ExtractedData{}}
}

func (r *fakeRecords) ApplyExtraction(_ context.Context, recordID uuid.UUID, data extract.ExtractedData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.applied[recordID] = data
	return nil
}

type stubExtractor struct {
	data extract.ExtractedData
}

func (e *stubExtractor) Extract(string, []extract.Word) extract.ExtractedData {
	return e.data
}

func writeUpload(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("not really a jpeg"), 0o644); err != nil {
		t.Fatalf("writing upload: %v", err)
	}
	return path
}

func testJob(fileRef, filename string) *queue.Job {
	return &queue.Job{
		ID: uuid.New().String(),
		Payload: queue.Payload{
			Version:  queue.PayloadVersion,
			FileRef:  fileRef,
			Filename: filename,
			ImageRef: filename,
			RecordID: uuid.New().String(),
		},
		MaxAttempts: 3,
	}
}

func testConfig(uploadDir string) Config {
	return Config{
		Concurrency:        1,
		RateCount:          1000,
		RateWindow:         time.Second,
		RecognitionTimeout: time.Second,
		UploadDir:          uploadDir,
		PollInterval:       5 * time.Millisecond,
	}
}

func TestRunOnceSuccess(t *testing.T) {
	dir := t.TempDir()
	path := writeUpload(t, dir, "receipt.jpg")
	job := testJob(path, "receipt.jpg")
	q := newFakeQueue(job)
	records := newFakeRecords()

	store := "ACME MARKET"
	want := extract.ExtractedData{StoreName: &store, Items: []extract.LineItem{}}

	rec := &fakeRecognizer{fn: func(_ context.Context, p string) (recognition.Result, error) {
		if p != path {
			t.Errorf("Recognize path = %q, want %q", p, path)
		}
		return recognition.Result{Text: "TIN: 1\nACME MARKET"}, nil
	}}

	w := New(q, rec, records, &stubExtractor{data: want}, testConfig(dir), nil)
	did, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !did {
		t.Fatal("RunOnce = false, want a processed job")
	}

	got, ok := q.completed[job.ID]
	if !ok {
		t.Fatalf("job not completed; failed=%v", q.failed)
	}
	if got.StoreName == nil || *got.StoreName != store {
		t.Errorf("completed result store = %v, want %q", got.StoreName, store)
	}

	recordID := uuid.MustParse(job.Payload.RecordID)
	if _, ok := records.applied[recordID]; !ok {
		t.Error("extraction was not persisted to the record store")
	}

	wantProgress := []int{10, 20, 70, 100}
	if gotP := q.progress[job.ID]; len(gotP) != len(wantProgress) {
		t.Errorf("progress milestones = %v, want %v", gotP, wantProgress)
	} else {
		for i := range wantProgress {
			if gotP[i] != wantProgress[i] {
				t.Errorf("progress milestones = %v, want %v", gotP, wantProgress)
				break
			}
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("upload removed after success: %v", err)
	}
}

func TestRunOnceIdleQueue(t *testing.T) {
	q := newFakeQueue()
	w := New(q, &fakeRecognizer{}, newFakeRecords(), &stubExtractor{}, testConfig(t.TempDir()), nil)

	did, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if did {
		t.Error("RunOnce = true on an empty queue")
	}
}

func TestRunOnceMissingFile(t *testing.T) {
	dir := t.TempDir()
	job := testJob(filepath.Join(dir, "gone.jpg"), "gone.jpg")
	q := newFakeQueue(job)

	recognized := false
	rec := &fakeRecognizer{fn: func(context.Context, string) (recognition.Result, error) {
		recognized = true
		return recognition.Result{}, nil
	}}

	w := New(q, rec, newFakeRecords(), &stubExtractor{}, testConfig(dir), nil)
	did, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !did {
		t.Fatal("RunOnce = false, want the job attempted")
	}
	if recognized {
		t.Error("Recognize was called for a missing file")
	}

	reason, ok := q.failed[job.ID]
	if !ok {
		t.Fatal("job was not failed")
	}
	if !strings.Contains(reason, "gone.jpg") {
		t.Errorf("failure reason = %q, want it to name the missing file", reason)
	}
}

func TestRunOnceResolvesPathFromUploadDir(t *testing.T) {
	dir := t.TempDir()
	writeUpload(t, dir, "abc123.jpg")

	// The enqueuing process stored a path that is stale here; only the base
	// name survives relocation.
	job := testJob("/srv/other-host/uploads/abc123.jpg", "receipt.jpg")
	q := newFakeQueue(job)

	var sawPath string
	rec := &fakeRecognizer{fn: func(_ context.Context, p string) (recognition.Result, error) {
		sawPath = p
		return recognition.Result{Text: "x"}, nil
	}}

	w := New(q, rec, newFakeRecords(), &stubExtractor{}, testConfig(dir), nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	want := filepath.Join(dir, "abc123.jpg")
	if sawPath != want {
		t.Errorf("Recognize path = %q, want %q", sawPath, want)
	}
	if _, ok := q.completed[job.ID]; !ok {
		t.Errorf("job not completed; failed=%v", q.failed)
	}
}

func TestRunOnceRecognitionTimeout(t *testing.T) {
	dir := t.TempDir()
	path := writeUpload(t, dir, "slow.jpg")
	job := testJob(path, "slow.jpg")
	q := newFakeQueue(job)

	rec := &fakeRecognizer{fn: func(context.Context, string) (recognition.Result, error) {
		// Deliberately ignores ctx, like a native engine call would.
		time.Sleep(500 * time.Millisecond)
		return recognition.Result{Text: "too late"}, nil
	}}

	cfg := testConfig(dir)
	cfg.RecognitionTimeout = 20 * time.Millisecond

	w := New(q, rec, newFakeRecords(), &stubExtractor{}, cfg, nil)
	did, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !did {
		t.Fatal("RunOnce = false, want the job attempted")
	}

	reason, ok := q.failed[job.ID]
	if !ok {
		t.Fatal("job was not failed after timeout")
	}
	if !strings.Contains(reason, "recognition exceeded") {
		t.Errorf("failure reason = %q, want a timeout reason", reason)
	}
	if _, ok := q.completed[job.ID]; ok {
		t.Error("timed-out job was also completed")
	}
}

func TestRunOnceDeletesUploadOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeUpload(t, dir, "bad.jpg")
	job := testJob(path, "bad.jpg")
	q := newFakeQueue(job)

	rec := &fakeRecognizer{fn: func(context.Context, string) (recognition.Result, error) {
		return recognition.Result{}, errors.New("engine fault")
	}}

	w := New(q, rec, newFakeRecords(), &stubExtractor{}, testConfig(dir), nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if _, ok := q.failed[job.ID]; !ok {
		t.Fatal("job was not failed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("upload still present after failure, stat err = %v", err)
	}
}

func TestRunOnceInvalidRecordID(t *testing.T) {
	dir := t.TempDir()
	path := writeUpload(t, dir, "r.jpg")
	job := testJob(path, "r.jpg")
	job.Payload.RecordID = "not-a-uuid"
	q := newFakeQueue(job)

	w := New(q, &fakeRecognizer{}, newFakeRecords(), &stubExtractor{}, testConfig(dir), nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	reason, ok := q.failed[job.ID]
	if !ok {
		t.Fatal("job was not failed")
	}
	if !strings.Contains(reason, "record id") {
		t.Errorf("failure reason = %q, want it to name the record id", reason)
	}
}

func TestRunOnceFailsWhenPersistenceFails(t *testing.T) {
	dir := t.TempDir()
	path := writeUpload(t, dir, "p.jpg")
	job := testJob(path, "p.jpg")
	q := newFakeQueue(job)

	records := newFakeRecords()
	records.err = errors.New("connection refused")

	rec := &fakeRecognizer{fn: func(context.Context, string) (recognition.Result, error) {
		return recognition.Result{Text: "x"}, nil
	}}

	w := New(q, rec, records, &stubExtractor{}, testConfig(dir), nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	reason, ok := q.failed[job.ID]
	if !ok {
		t.Fatal("job was not failed")
	}
	if !strings.Contains(reason, "persisting extraction") {
		t.Errorf("failure reason = %q, want a persistence failure", reason)
	}
	if _, ok := q.completed[job.ID]; ok {
		t.Error("job was completed despite persistence failure")
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	dir := t.TempDir()

	const jobCount = 6
	jobs := make([]*queue.Job, 0, jobCount)
	for i := 0; i < jobCount; i++ {
		path := writeUpload(t, dir, uuid.New().String()+".jpg")
		jobs = append(jobs, testJob(path, filepath.Base(path)))
	}
	q := newFakeQueue(jobs...)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	rec := &fakeRecognizer{fn: func(context.Context, string) (recognition.Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return recognition.Result{Text: "x"}, nil
	}}

	cfg := testConfig(dir)
	cfg.Concurrency = 2

	w := New(q, rec, newFakeRecords(), &stubExtractor{}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	deadline := time.After(3 * time.Second)
	for q.terminalCount() < jobCount {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("only %d of %d jobs finished in time", q.terminalCount(), jobCount)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak)
	}
	if len(q.completed) != jobCount {
		t.Errorf("completed %d jobs, want %d (failed: %v)", len(q.completed), jobCount, q.failed)
	}
}

func TestRunOnceRespectsRateLimit(t *testing.T) {
	dir := t.TempDir()

	jobs := make([]*queue.Job, 0, 3)
	for i := 0; i < 3; i++ {
		path := writeUpload(t, dir, uuid.New().String()+".jpg")
		jobs = append(jobs, testJob(path, filepath.Base(path)))
	}
	q := newFakeQueue(jobs...)

	rec := &fakeRecognizer{fn: func(context.Context, string) (recognition.Result, error) {
		return recognition.Result{Text: "x"}, nil
	}}

	cfg := testConfig(dir)
	cfg.RateCount = 2
	cfg.RateWindow = time.Hour

	w := New(q, rec, newFakeRecords(), &stubExtractor{}, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	processed := 0
	for {
		did, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !did {
			break
		}
		processed++
	}

	if processed != 2 {
		t.Errorf("processed %d jobs within the rate window, want 2", processed)
	}
	if len(q.jobs) != 1 {
		t.Errorf("%d jobs left unclaimed, want 1", len(q.jobs))
	}
}
