package downloads

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/modpull/modpull/internal/nxm"
)

// Resolver turns a parsed protocol link into file identity and a direct
// download URL.
type Resolver interface {
	Resolve(ctx context.Context, link *nxm.Link) (FileInfo, string, error)
}

// Client is the origin-facing collaborator the registry needs: link
// resolution plus ranged GET requests.
type Client interface {
	Getter
	Resolver
}

// Recorder receives transfer lifecycle events for the history log.
// Recording is advisory; implementations handle their own failures.
type Recorder interface {
	Record(ctx context.Context, fi FileInfo, event, detail string)
}

// Lifecycle events passed to the Recorder.
const (
	EventQueued     = "queued"
	EventCompleted  = "completed"
	EventExpired    = "expired"
	EventDeleted    = "deleted"
	EventReconciled = "reconciled"
)

// Service is the transfer registry. It owns every task and its transfer
// record, accepts new downloads by protocol link, restores the set of
// transfers across restarts, and exposes the index-addressed operations
// the presentation layer works with. Index-based operations address the
// insertion order of the collection.
type Service struct {
	store    *Store
	index    *Index
	client   Client
	msgs     MessageSink
	notifier *Notifier
	logger   zerolog.Logger

	mu       sync.RWMutex
	order    []*Task
	byID     map[int64]*Task
	recorder Recorder
}

// NewService creates the transfer registry.
func NewService(store *Store, index *Index, client Client, msgs MessageSink, notifier *Notifier, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		index:    index,
		client:   client,
		msgs:     msgs,
		notifier: notifier,
		logger:   logger.With().Str("component", "downloads").Logger(),
		byID:     make(map[int64]*Task),
	}
}

// SetRecorder wires the history recorder. Pass nil to disable recording.
func (s *Service) SetRecorder(r Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// Queue parses a protocol link, resolves it against the origin and starts
// a new transfer at the end of the ordered collection. It fails with
// nxm.ErrMalformed for broken links and ErrDuplicate when a task for the
// file is already in the registry.
func (s *Service) Queue(ctx context.Context, rawLink string) error {
	link, err := nxm.ParseLink(rawLink)
	if err != nil {
		s.msgs.Pushf("Unable to parse link: %v", err)
		return err
	}

	s.mu.RLock()
	_, exists := s.byID[link.FileID]
	s.mu.RUnlock()
	if exists {
		s.msgs.Pushf("File %d is already queued.", link.FileID)
		return fmt.Errorf("%w: file %d", ErrDuplicate, link.FileID)
	}

	fi, url, err := s.client.Resolve(ctx, link)
	if err != nil {
		s.msgs.Pushf("Unable to resolve download link for file %d: %v", link.FileID, err)
		return err
	}

	info := NewDownloadInfo(fi, url)
	task := s.newTask(info)

	s.mu.Lock()
	if _, exists := s.byID[fi.FileID]; exists {
		s.mu.Unlock()
		s.msgs.Pushf("File %d is already queued.", fi.FileID)
		return fmt.Errorf("%w: file %d", ErrDuplicate, fi.FileID)
	}
	s.order = append(s.order, task)
	s.byID[fi.FileID] = task
	s.mu.Unlock()

	if err := s.store.SaveDownloadInfo(info); err != nil {
		s.msgs.Pushf("Error when saving download state for %s: %v", fi.FileName, err)
	}

	s.logger.Info().Int64("fileId", fi.FileID).Str("file", fi.FileName).Msg("Queued download")
	task.Start(ctx)
	s.record(ctx, fi, EventQueued, rawLink)
	s.notifier.Trigger()
	return nil
}

// ResumeOnStartup restores transfers from the sidecars left in the
// download directory. Records whose final file already exists and is
// indexed are skipped. Transfers last seen downloading are re-attempted;
// paused, errored and expired ones are restored inactive, pending user
// action.
func (s *Service) ResumeOnStartup(ctx context.Context) {
	infos, errs := s.store.ListDownloadInfos()
	for _, err := range errs {
		s.logger.Warn().Err(err).Msg("Skipping unreadable download record")
	}

	restored := 0
	for _, info := range infos {
		fi := info.FileInfo

		if _, err := os.Stat(s.store.FinalPath(fi.FileName)); err == nil {
			if _, indexed := s.index.Get(fi.FileID); indexed {
				continue
			}
		}

		s.mu.Lock()
		if _, exists := s.byID[fi.FileID]; exists {
			s.mu.Unlock()
			continue
		}
		task := s.newTask(info)
		s.order = append(s.order, task)
		s.byID[fi.FileID] = task
		s.mu.Unlock()
		restored++

		if info.State() == StateDownloading {
			task.Start(ctx)
		}
	}

	if restored > 0 {
		s.logger.Info().Int("count", restored).Msg("Restored downloads from disk")
		s.notifier.Trigger()
	}
}

// TogglePause pauses or resumes the transfer at the given presentation
// index. Out-of-range indices are ignored; the presentation layer is
// responsible for passing valid ones.
func (s *Service) TogglePause(ctx context.Context, index int) {
	s.mu.RLock()
	if index < 0 || index >= len(s.order) {
		s.mu.RUnlock()
		return
	}
	task := s.order[index]
	s.mu.RUnlock()

	task.TogglePause(ctx)
}

// Delete cancels the transfer at the given presentation index, removes
// its partial file and sidecars from disk and drops it from the ordered
// collection. A completed final file is left on disk; only the entry in
// the active-transfer view goes away. Out-of-range indices are ignored.
func (s *Service) Delete(ctx context.Context, index int) {
	s.mu.Lock()
	if index < 0 || index >= len(s.order) {
		s.mu.Unlock()
		return
	}
	task := s.order[index]
	s.order = append(s.order[:index], s.order[index+1:]...)
	delete(s.byID, task.Info.FileInfo.FileID)
	s.mu.Unlock()

	task.Stop()

	fi := task.Info.FileInfo
	if err := s.store.RemovePart(fi.FileName); err != nil {
		s.msgs.Pushf("Unable to remove partial file for %s: %v", fi.FileName, err)
	}
	if err := s.store.RemoveDownloadInfo(fi.FileName); err != nil {
		s.msgs.Pushf("Unable to remove download record for %s: %v", fi.FileName, err)
	}

	s.logger.Info().Int64("fileId", fi.FileID).Str("file", fi.FileName).Msg("Deleted download")
	s.record(ctx, fi, EventDeleted, "")
	s.notifier.Trigger()
}

// UpdateMetadata writes or refreshes the completed-file record for a
// downloaded or externally verified file and inserts it into the index.
func (s *Service) UpdateMetadata(fi FileInfo) error {
	lf := LocalFileFrom(fi)
	if err := s.store.SaveLocalFile(lf); err != nil {
		return err
	}
	s.index.Insert(lf)
	s.notifier.Trigger()
	return nil
}

// Downloads returns the transfer records in presentation order.
func (s *Service) Downloads() []*DownloadInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]*DownloadInfo, 0, len(s.order))
	for _, task := range s.order {
		infos = append(infos, task.Info)
	}
	return infos
}

// Len returns the number of transfers in the registry.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Reconcile scans for transfer sidecars whose final file is already in
// place, typically left behind by a crash between the rename and the
// sidecar cleanup, backfills missing index records and removes the stale
// sidecars.
func (s *Service) Reconcile(ctx context.Context) error {
	infos, errs := s.store.ListDownloadInfos()
	for _, err := range errs {
		s.logger.Warn().Err(err).Msg("Skipping unreadable download record")
	}

	for _, info := range infos {
		fi := info.FileInfo
		if _, err := os.Stat(s.store.FinalPath(fi.FileName)); err != nil {
			continue
		}

		if _, indexed := s.index.Get(fi.FileID); !indexed {
			if err := s.UpdateMetadata(fi); err != nil {
				s.logger.Warn().Err(err).Str("file", fi.FileName).Msg("Failed to backfill metadata")
				continue
			}
			s.record(ctx, fi, EventReconciled, "")
		}

		if err := s.store.RemovePart(fi.FileName); err != nil {
			s.logger.Warn().Err(err).Str("file", fi.FileName).Msg("Failed to remove stale partial file")
		}
		if err := s.store.RemoveDownloadInfo(fi.FileName); err != nil {
			s.logger.Warn().Err(err).Str("file", fi.FileName).Msg("Failed to remove stale download record")
		}
	}

	return nil
}

// Shutdown stops every active task and waits for their writers to flush.
// Transfer records keep their last persisted state, so an in-flight
// download restarts on the next run.
func (s *Service) Shutdown() {
	s.mu.RLock()
	tasks := make([]*Task, len(s.order))
	copy(tasks, s.order)
	s.mu.RUnlock()

	for _, task := range tasks {
		task.Stop()
	}
}

func (s *Service) newTask(info *DownloadInfo) *Task {
	hooks := Hooks{
		OnComplete: func(fi FileInfo) {
			if err := s.UpdateMetadata(fi); err != nil {
				s.msgs.Pushf("Unable to update metadata for downloaded file %s: %v", fi.FileName, err)
			}
			s.record(context.Background(), fi, EventCompleted, "")
		},
		OnReconcile: func(fi FileInfo) {
			if err := s.UpdateMetadata(fi); err != nil {
				s.msgs.Pushf("Unable to update metadata for %s: %v", fi.FileName, err)
			}
			s.record(context.Background(), fi, EventReconciled, "")
		},
		OnExpired: func(fi FileInfo) {
			s.record(context.Background(), fi, EventExpired, "")
		},
		OnChange: s.notifier.Trigger,
	}
	return NewTask(s.store, s.index, s.client, s.msgs, s.logger, hooks, info)
}

func (s *Service) record(ctx context.Context, fi FileInfo, event, detail string) {
	s.mu.RLock()
	recorder := s.recorder
	s.mu.RUnlock()

	if recorder != nil {
		recorder.Record(ctx, fi, event, detail)
	}
}
