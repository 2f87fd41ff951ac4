package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blobgate/blobgate/pkg/auth"
	"github.com/blobgate/blobgate/pkg/backend"
)

type memBackend struct {
	objects map[string]string // "container/blob" -> body
	failGet bool
}

func (m *memBackend) Name() string { return "mem" }
func (m *memBackend) Type() string { return "mem" }

func (m *memBackend) Properties(_ context.Context, container, blob string) (backend.ObjectInfo, error) {
	body, ok := m.objects[container+"/"+blob]
	if !ok {
		return backend.ObjectInfo{}, backend.ErrNotFound
	}
	return backend.ObjectInfo{
		Container:   container,
		Blob:        blob,
		Size:        int64(len(body)),
		ModTime:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ETag:        "abc",
		ContentType: "text/plain",
	}, nil
}

func (m *memBackend) Download(ctx context.Context, container, blob string) (io.ReadCloser, backend.ObjectInfo, error) {
	if m.failGet {
		return nil, backend.ObjectInfo{}, errors.New("backend unavailable")
	}
	info, err := m.Properties(ctx, container, blob)
	if err != nil {
		return nil, info, err
	}
	return io.NopCloser(strings.NewReader(m.objects[container+"/"+blob])), info, nil
}

func (m *memBackend) ListAll(_ context.Context, container, prefix string) ([]backend.ObjectInfo, error) {
	var out []backend.ObjectInfo
	for k, body := range m.objects {
		c, b, _ := strings.Cut(k, "/")
		if c == container && strings.HasPrefix(b, prefix) {
			out = append(out, backend.ObjectInfo{Container: c, Blob: b, Size: int64(len(body))})
		}
	}
	return out, nil
}

func (m *memBackend) Close() error { return nil }

type access struct{ container, blob, user string }

type fakeRecorder struct {
	mu   sync.Mutex
	seen []access
}

func (f *fakeRecorder) RecordAccess(container, blob, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, access{container, blob, userID})
}

func (f *fakeRecorder) accesses() []access {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]access(nil), f.seen...)
}

func newTestProxy(t *testing.T, b backend.Backend) (*httptest.Server, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	mux := http.NewServeMux()
	New(b, rec).Register(mux)
	withUser := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := r.Header.Get("X-Test-User"); u != "" {
			r = r.WithContext(auth.WithUser(r.Context(), u))
		}
		mux.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(withUser)
	t.Cleanup(srv.Close)
	return srv, rec
}

func newMem() *memBackend {
	return &memBackend{objects: map[string]string{
		"photos/a.jpg":          "image-bytes",
		"photos/2025/jan/b.jpg": "nested",
	}}
}

func TestServeFile(t *testing.T) {
	srv, rec := newTestProxy(t, newMem())

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/files/photos/2025/jan/b.jpg", nil)
	req.Header.Set("X-Test-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "nested" {
		t.Errorf("body = %q, want nested", body)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("ETag"); got != `"abc"` {
		t.Errorf("ETag = %q", got)
	}
	if got := resp.Header.Get("Last-Modified"); got != "Wed, 01 Jan 2025 00:00:00 GMT" {
		t.Errorf("Last-Modified = %q", got)
	}

	seen := rec.accesses()
	if len(seen) != 1 {
		t.Fatalf("recorded %d accesses, want 1", len(seen))
	}
	if seen[0] != (access{"photos", "2025/jan/b.jpg", "alice"}) {
		t.Errorf("recorded %+v", seen[0])
	}
}

func TestServeFile_AnonymousIsUnknown(t *testing.T) {
	srv, rec := newTestProxy(t, newMem())

	resp, err := http.Get(srv.URL + "/api/v1/files/photos/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	seen := rec.accesses()
	if len(seen) != 1 || seen[0].user != "unknown" {
		t.Errorf("recorded %+v, want one access by unknown", seen)
	}
}

func TestServeFile_HeadDoesNotRecord(t *testing.T) {
	srv, rec := newTestProxy(t, newMem())

	resp, err := http.Head(srv.URL + "/api/v1/files/photos/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("HEAD status = %d, want 200", resp.StatusCode)
	}
	if resp.ContentLength != int64(len("image-bytes")) {
		t.Errorf("ContentLength = %d", resp.ContentLength)
	}
	if n := len(rec.accesses()); n != 0 {
		t.Errorf("HEAD recorded %d accesses, want 0", n)
	}
}

func TestServeFile_Errors(t *testing.T) {
	mem := newMem()
	srv, rec := newTestProxy(t, mem)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing object", "/api/v1/files/photos/none.jpg", http.StatusNotFound},
		{"empty blob", "/api/v1/files/photos/", http.StatusBadRequest},
		{"long container", "/api/v1/files/" + strings.Repeat("c", 64) + "/a.jpg", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	mem.failGet = true
	resp, err := http.Get(srv.URL + "/api/v1/files/photos/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("backend failure status = %d, want 502", resp.StatusCode)
	}

	if n := len(rec.accesses()); n != 0 {
		t.Errorf("failed requests recorded %d accesses, want 0", n)
	}
}

func TestListFiles(t *testing.T) {
	srv, rec := newTestProxy(t, newMem())

	resp, err := http.Get(srv.URL + "/api/v1/files/photos?prefix=2025/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var objs []backend.ObjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&objs); err != nil {
		t.Fatal(err)
	}
	if len(objs) != 1 || objs[0].Blob != "2025/jan/b.jpg" {
		t.Errorf("list = %+v", objs)
	}

	resp2, err := http.Get(srv.URL + "/api/v1/files/empty")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty list body = %q, want []", body)
	}
	if n := len(rec.accesses()); n != 0 {
		t.Errorf("listing recorded %d accesses, want 0", n)
	}
}

func TestServeFile_LocalBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := backend.New(context.Background(), backend.Config{Type: "local", Root: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	srv, rec := newTestProxy(t, b)

	resp, err := http.Get(srv.URL + "/api/v1/files/photos/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if n := len(rec.accesses()); n != 0 {
		t.Errorf("recorded %d accesses, want 0", n)
	}
}
