package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"receiptflow/internal/core"
	applog "receiptflow/internal/log"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, CacheSize: 8, CacheTTL: time.Minute}, applog.Discard())
}

func TestPresignedURLRoutesByIdentity(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody presignRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"presigned_url":"http://storage/put","file_key":"k1","expires_in":300}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	tests := []struct {
		name     string
		id       core.Identity
		wantPath string
		wantAuth string
		wantSess string
	}{
		{"authenticated", core.Identity{Token: "tok"}, "/upload/presigned-url", "Bearer tok", ""},
		{"anonymous", core.Identity{SessionID: "anon_1_abc"}, "/anonymous/upload/presigned-url", "", "anon_1_abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, err := c.PresignedURL(context.Background(), tt.id, FileMeta{Name: "a.jpg", ContentType: "image/jpeg", Size: 42})
			if err != nil {
				t.Fatalf("PresignedURL: %v", err)
			}
			if gotPath != tt.wantPath {
				t.Errorf("path = %q, want %q", gotPath, tt.wantPath)
			}
			if gotAuth != tt.wantAuth {
				t.Errorf("auth = %q, want %q", gotAuth, tt.wantAuth)
			}
			if gotBody.SessionID != tt.wantSess || gotBody.Filename != "a.jpg" || gotBody.FileSize != 42 {
				t.Errorf("unexpected body %+v", gotBody)
			}
			if slot.FileKey != "k1" || slot.ExpiresIn != 300 || slot.IssuedAt.IsZero() {
				t.Errorf("unexpected slot %+v", slot)
			}
		})
	}
}

func TestPresignedURLMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"expires_in":300}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).PresignedURL(context.Background(), core.Identity{Token: "t"}, FileMeta{Name: "a.jpg"})
	var pe *core.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestPutObjectSendsContentTypeWithoutAuth(t *testing.T) {
	var gotType, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		gotType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	slot := core.PresignedSlot{PresignedURL: srv.URL + "/bucket/k1", FileKey: "k1"}
	if err := c.PutObject(context.Background(), slot, "image/png", strings.NewReader("pixels"), 6); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if gotType != "image/png" || gotAuth != "" || gotBody != "pixels" {
		t.Errorf("type=%q auth=%q body=%q", gotType, gotAuth, gotBody)
	}
}

func TestPutObjectErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "<Error>AccessDenied</Error>")
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	slot := core.PresignedSlot{PresignedURL: srv.URL, FileKey: "k"}
	err := c.PutObject(context.Background(), slot, "image/png", strings.NewReader("x"), 1)
	var he *core.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 HTTPError, got %v", err)
	}

	expired := core.PresignedSlot{PresignedURL: srv.URL, FileKey: "k", ExpiresIn: 1, IssuedAt: time.Now().Add(-time.Minute)}
	if err := c.PutObject(context.Background(), expired, "image/png", strings.NewReader("x"), 1); !errors.Is(err, core.ErrSlotExpired) {
		t.Fatalf("expected ErrSlotExpired, got %v", err)
	}
}

func TestConfirmQuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"message":"You have reached the limit of 3 uploads. Sign up for more."}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Confirm(context.Background(), core.Identity{SessionID: "anon_1_x"}, []core.ConfirmedFile{{FileKey: "k"}})
	if !core.IsQuotaExceeded(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if !strings.Contains(err.Error(), "limit of 3 uploads") {
		t.Errorf("message lost: %v", err)
	}
}

func TestConfirmDecodesResponse(t *testing.T) {
	var got confirmRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/anonymous/upload/confirm" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"message":"ok","receipts":[{"id":1,"status":"processing","items":[]},{"id":2,"status":"processing","items":[]}],"total_uploaded":2,"remaining_uploads":1}`)
	}))
	defer srv.Close()

	files := []core.ConfirmedFile{{FileKey: "a", OriginalName: "a.jpg", FileSize: 1}, {FileKey: "b", OriginalName: "b.jpg", FileSize: 2}}
	resp, err := newTestClient(t, srv).Confirm(context.Background(), core.Identity{SessionID: "anon_1_x"}, files)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.SessionID != "anon_1_x" || len(got.Files) != 2 {
		t.Errorf("unexpected request %+v", got)
	}
	if resp.TotalUploaded != 2 || resp.RemainingUploads == nil || *resp.RemainingUploads != 1 || len(resp.Receipts) != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestValidationErrorFlattened(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"message":"invalid","errors":{"file_size":["too big"],"content_type":["not allowed"]}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).PresignedURL(context.Background(), core.Identity{Token: "t"}, FileMeta{Name: "a"})
	want := "content_type: not allowed; file_size: too big"
	if err == nil || err.Error() != want {
		t.Fatalf("err = %v, want %q", err, want)
	}
}

func TestReceiptCachesTerminalOnly(t *testing.T) {
	var calls atomic.Int32
	var status atomic.Value
	status.Store("processing")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/anonymous/receipts/anon_1_x/7" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"id":7,"status":"`+status.Load().(string)+`","store_name":"Coop","total":"12.50","items":[]}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	id := core.Identity{SessionID: "anon_1_x"}

	if _, err := c.Receipt(context.Background(), id, 7); err != nil {
		t.Fatal(err)
	}
	status.Store("completed")
	rec, err := c.Receipt(context.Background(), id, 7)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != core.StatusCompleted || rec.Total == nil || rec.Total.Cents != 1250 {
		t.Errorf("unexpected record %+v", rec)
	}
	if _, err := c.Receipt(context.Background(), id, 7); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server calls = %d, want 2", n)
	}
}

func TestReceiptRejectsUnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":7,"status":"exploded"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Receipt(context.Background(), core.Identity{Token: "t"}, 7)
	var pe *core.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestListAnonymousUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).ListAnonymous(context.Background(), "anon_1_x")
	if !core.IsUnauthorized(err) {
		t.Fatalf("expected 401, got %v", err)
	}
	if err.Error() != "Request failed with status 401" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.Usage(context.Background(), core.Identity{Token: "t"})
	var ne *core.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}
