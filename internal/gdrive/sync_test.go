package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sjawhar/ghost-scribe/internal/logging"
)

type fakeFiles struct {
	createErrs []error
	creates    int
	updates    int
	lastMeta   *drive.File
	lastBody   string
}

func (f *fakeFiles) create(ctx context.Context, meta *drive.File, media io.Reader) (string, error) {
	f.creates++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	body, _ := io.ReadAll(media)
	f.lastMeta, f.lastBody = meta, string(body)
	return "drive-1", nil
}

func (f *fakeFiles) update(ctx context.Context, id string, media io.Reader) error {
	f.updates++
	body, _ := io.ReadAll(media)
	f.lastBody = string(body)
	return nil
}

func quickSyncer(f files) *Syncer {
	s := newSyncer(f, "folder-1", logging.Nop())
	s.newBack = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return s
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestUploadCreatesThenUpdates(t *testing.T) {
	f := &fakeFiles{}
	s := quickSyncer(f)
	path := writeFile(t, "standup.json", `{"segments":[]}`)

	if err := s.Upload(context.Background(), path); err != nil {
		t.Fatalf("first Upload failed: %v", err)
	}
	if f.creates != 1 || f.lastMeta.Name != "ghost-scribe-standup.json" {
		t.Fatalf("unexpected create: creates=%d meta=%+v", f.creates, f.lastMeta)
	}
	if f.lastMeta.MimeType != "application/json" || f.lastMeta.Parents[0] != "folder-1" {
		t.Fatalf("unexpected metadata %+v", f.lastMeta)
	}

	if err := s.Upload(context.Background(), path, ""); err != nil {
		t.Fatalf("second Upload failed: %v", err)
	}
	if f.creates != 1 || f.updates != 1 {
		t.Fatalf("expected update on re-upload, creates=%d updates=%d", f.creates, f.updates)
	}
}

func TestUploadRetriesTransientErrors(t *testing.T) {
	f := &fakeFiles{createErrs: []error{
		&googleapi.Error{Code: http.StatusServiceUnavailable},
		&googleapi.Error{Code: http.StatusTooManyRequests},
	}}
	s := quickSyncer(f)

	if err := s.Upload(context.Background(), writeFile(t, "a.md", "# a")); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if f.creates != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.creates)
	}
	if f.lastBody != "# a" {
		t.Fatalf("expected file reopened for each attempt, got body %q", f.lastBody)
	}
}

func TestUploadStopsOnPermanentError(t *testing.T) {
	f := &fakeFiles{createErrs: []error{&googleapi.Error{Code: http.StatusForbidden, Message: "insufficient permissions"}}}
	s := quickSyncer(f)

	err := s.Upload(context.Background(), writeFile(t, "a.json", "{}"))
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	if f.creates != 1 {
		t.Fatalf("permanent error must not be retried, got %d attempts", f.creates)
	}
}

func TestUploadGivesUpAfterMaxTries(t *testing.T) {
	errs := make([]error, maxTries+2)
	for i := range errs {
		errs[i] = &googleapi.Error{Code: http.StatusBadGateway}
	}
	f := &fakeFiles{createErrs: errs}
	s := quickSyncer(f)

	if err := s.Upload(context.Background(), writeFile(t, "a.json", "{}")); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if f.creates != maxTries {
		t.Fatalf("expected %d attempts, got %d", maxTries, f.creates)
	}
}

func TestUploadMissingFile(t *testing.T) {
	f := &fakeFiles{}
	if err := quickSyncer(f).Upload(context.Background(), "/nonexistent/out.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
	if f.creates != 0 {
		t.Fatal("drive must not be called for missing file")
	}
}

func TestDriveServiceRoundTrip(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Method != http.MethodPost || !strings.Contains(r.URL.Path, "files") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "file-from-server"})
	}))
	defer server.Close()

	s, err := NewSyncerWithOptions(context.Background(), "folder-1", logging.Nop(),
		option.WithEndpoint(server.URL+"/"),
		option.WithHTTPClient(server.Client()),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("NewSyncerWithOptions failed: %v", err)
	}

	path := writeFile(t, "meeting.md", "# meeting")
	if err := s.Upload(context.Background(), path); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected one request, got %d", requests.Load())
	}
	if s.fileIDs[path] != "file-from-server" {
		t.Fatalf("expected drive id recorded, got %q", s.fileIDs[path])
	}
}

func TestNewSyncerMissingCredentials(t *testing.T) {
	if _, err := NewSyncer(context.Background(), "/nonexistent/creds.json", "folder", logging.Nop()); err == nil {
		t.Fatal("expected error for missing credentials file")
	}
}
