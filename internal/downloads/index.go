package downloads

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Index is the in-memory mapping from file ID to completed-file record.
// It is hydrated once at startup by scanning the download directory for
// LocalFile sidecars and answers "already downloaded" queries without
// touching disk. Reads proceed concurrently; writes take the lock only
// for the single insert.
type Index struct {
	mu    sync.RWMutex
	files map[int64]LocalFile
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{files: make(map[int64]LocalFile)}
}

// HydrateIndex scans the download directory and builds the index from the
// LocalFile sidecars found there. Transfer record sidecars (.part.json)
// are not completed files and are skipped. Scan order does not matter:
// file IDs are unique, so inserts never conflict.
func HydrateIndex(store *Store, logger zerolog.Logger) *Index {
	idx := NewIndex()

	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("dir", store.Dir()).Msg("Failed to scan download directory")
		}
		return idx
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, localFileSuffix) || strings.HasSuffix(name, infoSuffix) {
			continue
		}
		lf, err := store.LoadLocalFile(filepath.Join(store.Dir(), name))
		if err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable local file record")
			continue
		}
		idx.Insert(lf)
	}

	return idx
}

// Insert adds or replaces the record for a file ID.
func (i *Index) Insert(lf LocalFile) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.files[lf.FileID] = lf
}

// Get returns the record for a file ID.
func (i *Index) Get(fileID int64) (LocalFile, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	lf, ok := i.files[fileID]
	return lf, ok
}

// All returns every record in the index.
func (i *Index) All() []LocalFile {
	i.mu.RLock()
	defer i.mu.RUnlock()

	result := make([]LocalFile, 0, len(i.files))
	for _, lf := range i.files {
		result = append(result, lf)
	}
	return result
}

// Len returns the number of indexed files.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.files)
}
