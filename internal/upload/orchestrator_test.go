package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"receiptflow/internal/api"
	"receiptflow/internal/core"
	applog "receiptflow/internal/log"
)

type fakeBackend struct {
	mu         sync.Mutex
	failSlot   map[string]error
	failPut    map[string]error
	confirmErr error
	events     []string
	confirmed  []core.ConfirmedFile
	confirms   int
	// created caps the records made per confirm; zero means one per file
	created    int
}

func (f *fakeBackend) record(ev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeBackend) PresignedURL(_ context.Context, _ core.Identity, m api.FileMeta) (core.PresignedSlot, error) {
	f.record("slot:" + m.Name)
	if err := f.failSlot[m.Name]; err != nil {
		return core.PresignedSlot{}, err
	}
	return core.PresignedSlot{PresignedURL: "http://storage/" + m.Name, FileKey: "key-" + m.Name}, nil
}

func (f *fakeBackend) PutObject(_ context.Context, slot core.PresignedSlot, _ string, body io.Reader, _ int64) error {
	name := strings.TrimPrefix(slot.FileKey, "key-")
	f.record("put:" + name)
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	return f.failPut[name]
}

func (f *fakeBackend) Confirm(_ context.Context, _ core.Identity, files []core.ConfirmedFile) (*api.ConfirmResponse, error) {
	f.record("confirm")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	f.confirmed = files
	n := len(files)
	if f.created > 0 && f.created < n {
		n = f.created
	}
	resp := &api.ConfirmResponse{Message: "ok", TotalUploaded: n}
	for i := 0; i < n; i++ {
		resp.Receipts = append(resp.Receipts, core.ProcessingRecord{ID: int64(i + 1), Status: core.StatusProcessing})
	}
	return resp, nil
}

func candidate(name, ct string, data string) core.UploadCandidate {
	return core.UploadCandidate{
		ID:          "id-" + name,
		Name:        name,
		ContentType: ct,
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(data)), nil
		},
	}
}

var anon = core.Identity{SessionID: "anon_1700000000000_abcdefghi"}

func newOrchestrator(b Backend) *Orchestrator {
	return NewOrchestrator(b, Options{MaxBytes: 1024, Concurrency: 2}, applog.Discard())
}

func TestUploadBatchSlotFailureIsIsolated(t *testing.T) {
	fb := &fakeBackend{failSlot: map[string]error{"b.jpg": core.NewHTTPError(500, "boom", nil)}}
	files := []core.UploadCandidate{
		candidate("a.jpg", "image/jpeg", "aaa"),
		candidate("b.jpg", "image/jpeg", "bbb"),
		candidate("c.jpg", "image/jpeg", "ccc"),
	}

	res, err := newOrchestrator(fb).UploadBatch(context.Background(), files, anon)
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}

	slots := 0
	for _, ev := range fb.events {
		if strings.HasPrefix(ev, "slot:") {
			slots++
		}
	}
	if slots != 3 {
		t.Errorf("slot requests = %d, want 3", slots)
	}
	if res.TotalUploaded != 2 || len(fb.confirmed) != 2 {
		t.Errorf("uploaded %d, confirmed %d, want 2", res.TotalUploaded, len(fb.confirmed))
	}
	if len(res.Failed) != 1 || res.Failed[0].Name != "b.jpg" {
		t.Fatalf("unexpected failures %+v", res.Failed)
	}
	var se *core.SlotAcquisitionError
	if !errors.As(res.Failed[0].Err, &se) {
		t.Errorf("failure is %T, want SlotAcquisitionError", res.Failed[0].Err)
	}
}

func TestUploadBatchPhasesAreBarriers(t *testing.T) {
	fb := &fakeBackend{}
	files := []core.UploadCandidate{
		candidate("a.png", "image/png", "a"),
		candidate("b.png", "image/png", "b"),
		candidate("c.png", "image/png", "c"),
		candidate("d.png", "image/png", "d"),
	}
	if _, err := newOrchestrator(fb).UploadBatch(context.Background(), files, anon); err != nil {
		t.Fatal(err)
	}

	lastSlot, firstPut, lastPut, confirm := -1, len(fb.events), -1, -1
	for i, ev := range fb.events {
		switch {
		case strings.HasPrefix(ev, "slot:"):
			lastSlot = i
		case strings.HasPrefix(ev, "put:"):
			if i < firstPut {
				firstPut = i
			}
			lastPut = i
		case ev == "confirm":
			confirm = i
		}
	}
	if lastSlot > firstPut || lastPut > confirm {
		t.Errorf("phases interleaved: %v", fb.events)
	}
	if fb.confirms != 1 {
		t.Errorf("confirm calls = %d, want 1", fb.confirms)
	}
}

func TestUploadBatchValidation(t *testing.T) {
	fb := &fakeBackend{}
	files := []core.UploadCandidate{
		candidate("notes.txt", "text/plain", "hello"),
		candidate("huge.jpg", "image/jpeg", strings.Repeat("x", 2048)),
		candidate("ok.jpg", "image/jpeg", "fine"),
	}

	res, err := newOrchestrator(fb).UploadBatch(context.Background(), files, anon)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("rejected = %+v", res.Rejected)
	}
	for _, r := range res.Rejected {
		var ve *core.ValidationError
		if !errors.As(r.Err, &ve) {
			t.Errorf("%s rejected with %T", r.Name, r.Err)
		}
	}
	for _, ev := range fb.events {
		if ev == "slot:notes.txt" || ev == "slot:huge.jpg" {
			t.Errorf("rejected file reached network: %s", ev)
		}
	}
	if res.TotalUploaded != 1 {
		t.Errorf("TotalUploaded = %d", res.TotalUploaded)
	}
}

func TestUploadBatchNamesFailingPhase(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
		files   []core.UploadCandidate
		phase   string
	}{
		{
			name:    "all rejected",
			backend: &fakeBackend{},
			files:   []core.UploadCandidate{candidate("a.pdf", "application/pdf", "x")},
			phase:   "validate",
		},
		{
			name:    "all slots fail",
			backend: &fakeBackend{failSlot: map[string]error{"a.jpg": errors.New("down")}},
			files:   []core.UploadCandidate{candidate("a.jpg", "image/jpeg", "x")},
			phase:   "slot",
		},
		{
			name:    "all writes fail",
			backend: &fakeBackend{failPut: map[string]error{"a.jpg": core.NewHTTPError(403, "", nil)}},
			files:   []core.UploadCandidate{candidate("a.jpg", "image/jpeg", "x")},
			phase:   "storage",
		},
		{
			name:    "confirm fails",
			backend: &fakeBackend{confirmErr: core.NewHTTPError(500, "db down", nil)},
			files:   []core.UploadCandidate{candidate("a.jpg", "image/jpeg", "x")},
			phase:   "confirm",
		},
		{
			name:    "quota exceeded",
			backend: &fakeBackend{confirmErr: core.AsQuotaExceeded(core.NewHTTPError(403, "You have reached the limit of 3 uploads", nil))},
			files:   []core.UploadCandidate{candidate("a.jpg", "image/jpeg", "x")},
			phase:   "quota",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newOrchestrator(tt.backend).UploadBatch(context.Background(), tt.files, anon)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := core.Phase(err); got != tt.phase {
				t.Errorf("Phase = %q, want %q (%v)", got, tt.phase, err)
			}
			if tt.phase != "confirm" && tt.phase != "quota" && tt.backend.confirms != 0 {
				t.Errorf("confirm sent although no file survived")
			}
		})
	}
}

func TestUploadBatchPartialConfirmIsBatchError(t *testing.T) {
	fb := &fakeBackend{created: 1}
	files := []core.UploadCandidate{
		candidate("a.jpg", "image/jpeg", "aaa"),
		candidate("b.jpg", "image/jpeg", "bbb"),
	}

	res, err := newOrchestrator(fb).UploadBatch(context.Background(), files, anon)
	if err == nil {
		t.Fatalf("expected error, got result %+v", res)
	}
	if !errors.Is(err, core.ErrPartialConfirm) {
		t.Errorf("err = %v, want ErrPartialConfirm", err)
	}
	var ce *core.ConfirmError
	if !errors.As(err, &ce) || ce.Files != 2 {
		t.Errorf("err = %#v, want ConfirmError for 2 files", err)
	}
	if core.Phase(err) != "confirm" {
		t.Errorf("Phase = %q", core.Phase(err))
	}
	if res.TotalUploaded != 0 || len(res.Receipts) != 0 {
		t.Errorf("partial records leaked into result: %+v", res)
	}
}

func TestUploadBatchRejectsBadInput(t *testing.T) {
	o := newOrchestrator(&fakeBackend{})
	if _, err := o.UploadBatch(context.Background(), nil, anon); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("empty batch err = %v", err)
	}
	files := []core.UploadCandidate{candidate("a.jpg", "image/jpeg", "x")}
	if _, err := o.UploadBatch(context.Background(), files, core.Identity{}); !errors.Is(err, core.ErrEmptyIdentity) {
		t.Errorf("empty identity err = %v", err)
	}
}

func TestUploadBatchReleasesCandidates(t *testing.T) {
	released := 0
	c := candidate("a.jpg", "image/jpeg", "x")
	c.Release = func() { released++ }
	if _, err := newOrchestrator(&fakeBackend{}).UploadBatch(context.Background(), []core.UploadCandidate{c}, anon); err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Errorf("released = %d, want 1", released)
	}
}

// anonBackend simulates the receipts API and the object store for a single
// anonymous session with a pool of three uploads.
type anonBackend struct {
	mu      sync.Mutex
	pool    int
	stored  map[string][]byte
	records []core.ProcessingRecord
}

func (b *anonBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/anonymous/upload/presigned-url":
		var req struct {
			Filename string `json:"filename"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		key := fmt.Sprintf("anon/%s", req.Filename)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"presigned_url": "http://" + r.Host + "/storage/" + key,
			"file_key":      key,
			"expires_in":    300,
		})
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/storage/"):
		data, _ := io.ReadAll(r.Body)
		b.stored[strings.TrimPrefix(r.URL.Path, "/storage/")] = data
	case r.Method == http.MethodPost && r.URL.Path == "/anonymous/upload/confirm":
		var req struct {
			Files []core.ConfirmedFile `json:"files"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(b.records)+len(req.Files) > b.pool {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"message":"You have reached the limit of 3 uploads"}`)
			return
		}
		var created []core.ProcessingRecord
		for _, f := range req.Files {
			if _, ok := b.stored[f.FileKey]; !ok {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = io.WriteString(w, `{"errors":{"files":["unknown file key"]}}`)
				return
			}
			rec := core.ProcessingRecord{ID: int64(len(b.records) + 1), Status: core.StatusProcessing, Items: []core.ReceiptItem{}}
			b.records = append(b.records, rec)
			created = append(created, rec)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":           "uploaded",
			"receipts":          created,
			"total_uploaded":    len(created),
			"remaining_uploads": b.pool - len(b.records),
		})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/anonymous/receipts/"):
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":              b.records,
			"remaining_uploads": b.pool - len(b.records),
			"total_count":       len(b.records),
		})
	default:
		http.NotFound(w, r)
	}
}

func TestAnonymousUploadScenario(t *testing.T) {
	backend := &anonBackend{pool: 3, stored: map[string][]byte{}}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	client := api.New(api.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, applog.Discard())
	o := NewOrchestrator(client, Options{MaxBytes: 10 << 20, Concurrency: 4}, applog.Discard())

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	var files []core.UploadCandidate
	for _, name := range []string{"one.jpg", "two.jpg"} {
		c, err := FromReader(name, bytes.NewReader(jpeg), 0)
		if err != nil {
			t.Fatal(err)
		}
		files = append(files, c)
	}

	res, err := o.UploadBatch(context.Background(), files, anon)
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	if res.TotalUploaded != 2 {
		t.Errorf("TotalUploaded = %d, want 2", res.TotalUploaded)
	}
	if res.RemainingUploads == nil || *res.RemainingUploads != 1 {
		t.Errorf("RemainingUploads = %v, want 1", res.RemainingUploads)
	}

	list, err := client.ListAnonymous(context.Background(), anon.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if list.TotalCount != 2 {
		t.Errorf("TotalCount = %d, want 2", list.TotalCount)
	}

	// a second batch of two exceeds the remaining pool
	more := []core.UploadCandidate{candidate("three.jpg", "image/jpeg", "x"), candidate("four.jpg", "image/jpeg", "y")}
	_, err = o.UploadBatch(context.Background(), more, anon)
	if !core.IsQuotaExceeded(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
}
