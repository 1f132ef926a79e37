package downloads

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// testContent returns size deterministic bytes.
func testContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	return content
}

type testSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *testSink) Push(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, text)
}

func (s *testSink) Pushf(format string, args ...any) {
	s.Push(fmt.Sprintf(format, args...))
}

func (s *testSink) contains(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

// testGetter issues plain HTTP requests, translating a resume offset into
// a range header the same way the production client does.
type testGetter struct {
	hits atomic.Int32
}

func (g *testGetter) Get(ctx context.Context, url string, offset int64) (*http.Response, error) {
	g.hits.Add(1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return http.DefaultClient.Do(req)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestTask(t *testing.T, dir, url string, hooks Hooks) (*Task, *testSink, *testGetter) {
	t.Helper()
	store := NewStore(dir)
	index := NewIndex()
	sink := &testSink{}
	getter := &testGetter{}
	info := NewDownloadInfo(FileInfo{
		FileID:   5678,
		FileName: "mod.zip",
		ModID:    1234,
		Game:     "SkyrimSE",
	}, url)
	task := NewTask(store, index, getter, sink, zerolog.Nop(), hooks, info)
	return task, sink, getter
}

func TestTask_DownloadCompletes(t *testing.T) {
	dir := t.TempDir()
	content := testContent(1000)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	completed := make(chan FileInfo, 1)
	task, _, _ := newTestTask(t, dir, server.URL+"/mod.zip", Hooks{
		OnComplete: func(fi FileInfo) { completed <- fi },
	})

	task.Start(context.Background())
	task.Wait()

	select {
	case fi := <-completed:
		if fi.FileID != 5678 {
			t.Errorf("OnComplete FileID = %d, want 5678", fi.FileID)
		}
	default:
		t.Fatal("OnComplete was not invoked")
	}

	if got := task.Info.State(); got != StateDone {
		t.Errorf("State = %v, want done", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, "mod.zip"))
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if string(data) != string(content) {
		t.Error("final file content mismatch")
	}

	for _, leftover := range []string{"mod.zip.part", "mod.zip.part.json"} {
		if _, err := os.Stat(filepath.Join(dir, leftover)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed after completion", leftover)
		}
	}

	if got := task.Info.Progress.BytesRead(); got != 1000 {
		t.Errorf("BytesRead = %d, want 1000", got)
	}
	if total, ok := task.Info.Progress.TotalSize(); !ok || total != 1000 {
		t.Errorf("TotalSize = %d,%v, want 1000,true", total, ok)
	}
}

func TestTask_ResumeFromPartial(t *testing.T) {
	dir := t.TempDir()
	content := testContent(1000)

	if err := os.WriteFile(filepath.Join(dir, "mod.zip.part"), content[:500], 0o644); err != nil {
		t.Fatalf("seeding partial file: %v", err)
	}

	var gotRange atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange.Store(r.Header.Get("Range"))
		rest := content[500:]
		w.Header().Set("Content-Length", strconv.Itoa(len(rest)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(rest)
	}))
	defer server.Close()

	task, _, _ := newTestTask(t, dir, server.URL+"/mod.zip", Hooks{})
	task.Start(context.Background())
	task.Wait()

	if got, _ := gotRange.Load().(string); got != "bytes=500-" {
		t.Errorf("Range header = %q, want bytes=500-", got)
	}
	if got := task.Info.State(); got != StateDone {
		t.Fatalf("State = %v, want done", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, "mod.zip"))
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if string(data) != string(content) {
		t.Error("resumed file is not byte-for-byte the original content")
	}
	if total, ok := task.Info.Progress.TotalSize(); !ok || total != 1000 {
		t.Errorf("TotalSize = %d,%v, want 1000,true", total, ok)
	}
}

func TestTask_FreshResponseDiscardsStalePartial(t *testing.T) {
	dir := t.TempDir()
	content := testContent(800)

	// Stale bytes that the server chooses not to honor.
	if err := os.WriteFile(filepath.Join(dir, "mod.zip.part"), []byte("stale-data"), 0o644); err != nil {
		t.Fatalf("seeding partial file: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignore the range request and answer with the full file.
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	task, _, _ := newTestTask(t, dir, server.URL+"/mod.zip", Hooks{})
	task.Start(context.Background())
	task.Wait()

	data, err := os.ReadFile(filepath.Join(dir, "mod.zip"))
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if string(data) != string(content) {
		t.Error("fresh 200 response should truncate stale partial data")
	}
	if got := task.Info.Progress.BytesRead(); got != 800 {
		t.Errorf("BytesRead = %d, want 800", got)
	}
}

func TestTask_PauseAndResume(t *testing.T) {
	dir := t.TempDir()
	content := testContent(1000)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "" {
			// First attempt: send part of the file, then hold the
			// connection open until the client goes away.
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Write(content[:300])
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		rest := content[300:]
		w.Header().Set("Content-Length", strconv.Itoa(len(rest)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(rest)
	}))
	defer server.Close()

	task, _, _ := newTestTask(t, dir, server.URL+"/mod.zip", Hooks{})
	ctx := context.Background()
	task.Start(ctx)

	waitFor(t, "first chunk", func() bool {
		return task.Info.Progress.BytesRead() == 300
	})

	task.TogglePause(ctx)
	if got := task.Info.State(); got != StatePaused {
		t.Fatalf("State after pause = %v, want paused", got)
	}

	part, err := os.ReadFile(filepath.Join(dir, "mod.zip.part"))
	if err != nil {
		t.Fatalf("reading partial file after pause: %v", err)
	}
	if string(part) != string(content[:300]) {
		t.Fatalf("partial file has %d bytes after pause, want the 300 received", len(part))
	}

	task.TogglePause(ctx)
	task.Wait()

	if got := task.Info.State(); got != StateDone {
		t.Fatalf("State after resume = %v, want done", got)
	}
	data, err := os.ReadFile(filepath.Join(dir, "mod.zip"))
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if string(data) != string(content) {
		t.Error("pause then resume lost or duplicated bytes")
	}
}

func TestTask_ExpiredLink(t *testing.T) {
	dir := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	expired := make(chan FileInfo, 1)
	task, sink, getter := newTestTask(t, dir, server.URL+"/mod.zip", Hooks{
		OnExpired: func(fi FileInfo) { expired <- fi },
	})

	task.Start(context.Background())
	task.Wait()

	if got := task.Info.State(); got != StateExpired {
		t.Fatalf("State = %v, want expired", got)
	}
	select {
	case <-expired:
	default:
		t.Error("OnExpired was not invoked")
	}
	if !sink.contains("expired") {
		t.Error("expected an expiry message for the user")
	}

	// Resuming an expired task is a no-op: no state change, no request.
	task.TogglePause(context.Background())
	task.Wait()
	if got := task.Info.State(); got != StateExpired {
		t.Errorf("State after resume attempt = %v, want expired", got)
	}
	if got := getter.hits.Load(); got != 1 {
		t.Errorf("origin hits = %d, want 1", got)
	}
}

func TestTask_UnexpectedStatus(t *testing.T) {
	dir := t.TempDir()
	content := testContent(400)

	var failing atomic.Bool
	failing.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	task, sink, _ := newTestTask(t, dir, server.URL+"/mod.zip", Hooks{})
	task.Start(context.Background())
	task.Wait()

	if got := task.Info.State(); got != StateError {
		t.Fatalf("State = %v, want error", got)
	}
	if !sink.contains("unexpected HTTP status 503") {
		t.Error("expected a protocol error message for the user")
	}

	// Resume from the error state re-attempts the transfer.
	failing.Store(false)
	task.TogglePause(context.Background())
	task.Wait()

	if got := task.Info.State(); got != StateDone {
		t.Fatalf("State after retry = %v, want done", got)
	}
}

func TestTask_MidStreamFailureKeepsFlushedBytes(t *testing.T) {
	dir := t.TempDir()
	content := testContent(1000)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "" {
			// Announce the full size but cut the stream short.
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Write(content[:400])
			return
		}
		if r.Header.Get("Range") != "bytes=400-" {
			t.Errorf("Range = %q, want bytes=400-", r.Header.Get("Range"))
		}
		rest := content[400:]
		w.Header().Set("Content-Length", strconv.Itoa(len(rest)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(rest)
	}))
	defer server.Close()

	task, sink, _ := newTestTask(t, dir, server.URL+"/mod.zip", Hooks{})
	task.Start(context.Background())
	task.Wait()

	if got := task.Info.State(); got != StateError {
		t.Fatalf("State = %v, want error", got)
	}
	if !sink.contains("Error during download") {
		t.Error("expected a transfer error message for the user")
	}

	part, err := os.ReadFile(filepath.Join(dir, "mod.zip.part"))
	if err != nil {
		t.Fatalf("reading partial file: %v", err)
	}
	if len(part) != 400 {
		t.Fatalf("partial file has %d bytes, want the 400 flushed before the failure", len(part))
	}

	task.TogglePause(context.Background())
	task.Wait()

	data, err := os.ReadFile(filepath.Join(dir, "mod.zip"))
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if string(data) != string(content) {
		t.Error("resume after mid-stream failure lost or duplicated bytes")
	}
}

func TestTask_AlreadyDownloaded(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mod.zip"), testContent(100), 0o644); err != nil {
		t.Fatalf("seeding final file: %v", err)
	}

	t.Run("missing metadata is backfilled", func(t *testing.T) {
		reconciled := make(chan FileInfo, 1)
		task, sink, getter := newTestTask(t, dir, "http://origin.invalid/mod.zip", Hooks{
			OnReconcile: func(fi FileInfo) { reconciled <- fi },
		})

		task.Start(context.Background())
		task.Wait()

		select {
		case <-reconciled:
		default:
			t.Error("OnReconcile was not invoked for the orphaned file")
		}
		if !sink.contains("missing its metadata") {
			t.Error("expected a reconciliation message for the user")
		}
		if got := getter.hits.Load(); got != 0 {
			t.Errorf("origin hits = %d, want 0: existing files must not be re-downloaded", got)
		}
	})

	t.Run("indexed file is reported as already downloaded", func(t *testing.T) {
		task, sink, getter := newTestTask(t, dir, "http://origin.invalid/mod.zip", Hooks{
			OnReconcile: func(fi FileInfo) { t.Error("OnReconcile must not run for an indexed file") },
		})
		task.index.Insert(LocalFile{FileID: 5678, FileName: "mod.zip"})

		task.Start(context.Background())
		task.Wait()

		if !sink.contains("won't be downloaded") {
			t.Error("expected an already-downloaded message for the user")
		}
		if got := getter.hits.Load(); got != 0 {
			t.Errorf("origin hits = %d, want 0", got)
		}
	})
}
