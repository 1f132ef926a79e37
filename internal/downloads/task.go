package downloads

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

const copyBufferSize = 64 * 1024

// Getter issues a GET request against the origin, resuming from the given
// byte offset when it is greater than zero.
type Getter interface {
	Get(ctx context.Context, url string, offset int64) (*http.Response, error)
}

// MessageSink receives user-facing status and error messages.
type MessageSink interface {
	Push(text string)
	Pushf(format string, args ...any)
}

// Hooks are the callbacks a task invokes on the registry that owns it.
// Passing them at construction keeps the task free of a back-reference.
type Hooks struct {
	// OnComplete runs after a transfer finished and its final file is in
	// place.
	OnComplete func(fi FileInfo)
	// OnReconcile runs when the final file turned out to already exist
	// without a matching index record.
	OnReconcile func(fi FileInfo)
	// OnExpired runs when the origin reported the link as gone.
	OnExpired func(fi FileInfo)
	// OnChange signals that user-visible transfer state changed.
	OnChange func()
}

// Task drives one resumable download: it owns the state machine over the
// transfer's HTTP request, the partial file on disk and the background
// writer goroutine. All durable state lives in Info; the task persists it
// after every state transition.
type Task struct {
	store  *Store
	index  *Index
	client Getter
	msgs   MessageSink
	logger zerolog.Logger
	hooks  Hooks

	Info *DownloadInfo

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTask creates a task for a transfer record. The record may be freshly
// queued or restored from its sidecar.
func NewTask(store *Store, index *Index, client Getter, msgs MessageSink, logger zerolog.Logger, hooks Hooks, info *DownloadInfo) *Task {
	return &Task{
		store:  store,
		index:  index,
		client: client,
		msgs:   msgs,
		logger: logger.With().Int64("fileId", info.FileInfo.FileID).Str("file", info.FileInfo.FileName).Logger(),
		hooks:  hooks,
		Info:   info,
	}
}

// Start launches the transfer attempt in the background. It is a no-op if
// an attempt is already running.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.running = true
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		defer t.clearRun()
		t.run(runCtx)
	}()
}

// Stop cancels the in-flight attempt, if any, and waits for its writer to
// flush and exit. The partial file stays resumable: no rename or delete
// happens before the stream has fully drained, so aborting at a suspension
// point only loses the chunk that was in flight.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	done := t.done
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Wait blocks until the current transfer attempt finishes.
func (t *Task) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// TogglePause flips the task between downloading and paused. Resuming from
// the error state re-attempts the transfer the same way. Expired tasks
// cannot be resumed: the origin link is gone and a new one must be
// obtained externally.
func (t *Task) TogglePause(ctx context.Context) {
	switch t.Info.State() {
	case StateDownloading:
		t.Stop()
		// The stream may have finished between the state check and the
		// cancellation taking effect; only a still-running transfer
		// becomes paused.
		if t.Info.State() == StateDownloading {
			t.Info.SetState(StatePaused)
			t.saveInfo()
		}
	case StatePaused, StateError:
		t.Info.SetState(StateDownloading)
		t.saveInfo()
		t.Start(ctx)
	case StateExpired:
		t.msgs.Pushf("Download link for %s has expired, please download again.", t.Info.FileInfo.FileName)
	case StateDone:
	}
	t.notifyChange()
}

func (t *Task) clearRun() {
	t.mu.Lock()
	t.running = false
	t.cancel = nil
	t.mu.Unlock()
}

// run performs one transfer attempt from precondition checks to the final
// rename. It executes on the task's own goroutine and suspends at network
// reads, disk writes and filesystem calls; cancellation is observed at
// each of those points through ctx.
func (t *Task) run(ctx context.Context) {
	name := t.Info.FileInfo.FileName

	if err := os.MkdirAll(t.store.Dir(), 0o755); err != nil {
		t.fail(fmt.Sprintf("Error when creating download directory: %v", err))
		return
	}

	finalPath := t.store.FinalPath(name)
	if _, err := os.Stat(finalPath); err == nil {
		// Fail fast without network I/O. A file that exists without an
		// index record gets its metadata backfilled.
		if _, indexed := t.index.Get(t.Info.FileInfo.FileID); !indexed {
			t.msgs.Pushf("%s already exists but was missing its metadata.", name)
			if t.hooks.OnReconcile != nil {
				t.hooks.OnReconcile(t.Info.FileInfo)
			}
		} else {
			t.msgs.Pushf("%s already exists and won't be downloaded.", name)
		}
		t.Info.SetState(StateDone)
		if err := t.store.RemoveDownloadInfo(name); err != nil {
			t.msgs.Pushf("Unable to remove %s%s: %v", name, infoSuffix, err)
		}
		t.notifyChange()
		return
	}

	t.Info.SetState(StateDownloading)
	t.saveInfo()
	t.notifyChange()

	partPath := t.store.PartPath(name)
	var offset int64
	if st, err := os.Stat(partPath); err == nil {
		offset = st.Size()
	}

	resp, err := t.client.Get(ctx, t.Info.URL, offset)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.fail(fmt.Sprintf("Unable to contact the origin server to start download of %s: %v", name, err))
		return
	}

	var file *os.File
	switch resp.StatusCode {
	case http.StatusOK:
		// A fresh 200 ignores any stale resume offset.
		t.Info.Progress.SetBytesRead(0)
		if resp.ContentLength >= 0 {
			t.Info.Progress.SetTotalSize(resp.ContentLength)
		}
		t.saveInfo()
		file, err = os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	case http.StatusPartialContent:
		// The server honors the range; Content-Length covers the
		// remaining bytes only.
		t.Info.Progress.SetBytesRead(offset)
		if resp.ContentLength >= 0 {
			t.Info.Progress.SetTotalSize(offset + resp.ContentLength)
		}
		t.saveInfo()
		file, err = os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	case http.StatusGone:
		resp.Body.Close()
		t.Info.SetState(StateExpired)
		t.saveInfo()
		t.msgs.Pushf("Download link for %s has expired, please download again.", name)
		t.notifyChange()
		if t.hooks.OnExpired != nil {
			t.hooks.OnExpired(t.Info.FileInfo)
		}
		return
	default:
		resp.Body.Close()
		t.fail(fmt.Sprintf("Download %s got unexpected HTTP status %d.", name, resp.StatusCode))
		return
	}
	if err != nil {
		resp.Body.Close()
		t.fail(fmt.Sprintf("Unable to open %s for writing: %v", partPath, err))
		return
	}

	t.stream(ctx, resp, file, partPath, finalPath)
}

// stream copies the response body to the partial file. Whatever was
// buffered is flushed before any error surfaces, so the resumable size on
// disk always matches real progress.
func (t *Task) stream(ctx context.Context, resp *http.Response, file *os.File, partPath, finalPath string) {
	defer resp.Body.Close()
	defer file.Close()

	name := t.Info.FileInfo.FileName
	writer := bufio.NewWriterSize(file, copyBufferSize)
	buf := make([]byte, copyBufferSize)

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				t.fail(fmt.Sprintf("IO error when writing %s to disk: %v", name, werr))
				return
			}
			t.Info.Progress.Add(int64(n))
			t.notifyChange()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ferr := writer.Flush(); ferr != nil {
				t.msgs.Pushf("IO error when flushing %s to disk: %v", name, ferr)
			}
			if ctx.Err() != nil {
				// Cancelled by pause, delete or shutdown. The caller
				// decides the next state; bytes up to the last flush
				// stay resumable.
				return
			}
			t.fail(fmt.Sprintf("Error during download of %s: %v", name, err))
			return
		}
	}

	if err := writer.Flush(); err != nil {
		t.fail(fmt.Sprintf("IO error when flushing %s to disk: %v", name, err))
		return
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		t.fail(fmt.Sprintf("Download of %s complete, but unable to remove .part extension: %v", name, err))
		return
	}
	if err := t.store.RemoveDownloadInfo(name); err != nil {
		t.msgs.Pushf("Unable to remove %s%s after download completed: %v", name, infoSuffix, err)
	}

	t.Info.SetState(StateDone)
	t.logger.Info().Int64("bytes", t.Info.Progress.BytesRead()).Msg("Download complete")
	t.notifyChange()

	if t.hooks.OnComplete != nil {
		t.hooks.OnComplete(t.Info.FileInfo)
	}
}

// fail records a user-facing message and moves the task to the error
// state. Bytes already flushed to the partial file are kept for resume.
func (t *Task) fail(msg string) {
	t.msgs.Push(msg)
	t.logger.Warn().Msg(msg)
	t.Info.SetState(StateError)
	t.saveInfo()
	t.notifyChange()
}

// saveInfo persists the transfer record. A persistence failure is reported
// but does not change the task's state: the in-memory record stays
// authoritative.
func (t *Task) saveInfo() {
	if err := t.store.SaveDownloadInfo(t.Info); err != nil {
		t.msgs.Pushf("Error when saving download state for %s: %v", t.Info.FileInfo.FileName, err)
	}
}

func (t *Task) notifyChange() {
	if t.hooks.OnChange != nil {
		t.hooks.OnChange()
	}
}
