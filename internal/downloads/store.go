package downloads

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	partSuffix      = ".part"
	infoSuffix      = ".part.json"
	localFileSuffix = ".json"
)

// Store persists transfer metadata as JSON sidecars in the download
// directory. It is stateless: each transfer record is owned by exactly one
// task, so callers serialize access by construction and the store does no
// locking of its own.
//
// Per-download layout:
//
//	<name>            completed file
//	<name>.part       in-progress bytes
//	<name>.part.json  serialized DownloadInfo, removed on success
//	<name>.json       LocalFile record of the completed file
type Store struct {
	dir string
}

// NewStore creates a store rooted at the download directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the download directory.
func (s *Store) Dir() string {
	return s.dir
}

// FinalPath returns the destination path for a completed download.
func (s *Store) FinalPath(name string) string {
	return filepath.Join(s.dir, name)
}

// PartPath returns the path of the in-progress partial file.
func (s *Store) PartPath(name string) string {
	return filepath.Join(s.dir, name+partSuffix)
}

// InfoPath returns the path of the serialized DownloadInfo sidecar.
func (s *Store) InfoPath(name string) string {
	return filepath.Join(s.dir, name+infoSuffix)
}

// LocalFilePath returns the path of the completed-file sidecar record.
func (s *Store) LocalFilePath(name string) string {
	return filepath.Join(s.dir, name+localFileSuffix)
}

// SaveDownloadInfo writes the transfer record to its sidecar.
func (s *Store) SaveDownloadInfo(info *DownloadInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize download info: %w", err)
	}
	if err := os.WriteFile(s.InfoPath(info.FileInfo.FileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write download info: %w", err)
	}
	return nil
}

// LoadDownloadInfo reads a transfer record from a sidecar path.
func (s *Store) LoadDownloadInfo(path string) (*DownloadInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read download info: %w", err)
	}
	info := &DownloadInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("failed to parse download info %s: %w", path, err)
	}
	return info, nil
}

// RemoveDownloadInfo deletes the transfer record sidecar. Missing files
// are not an error.
func (s *Store) RemoveDownloadInfo(name string) error {
	if err := os.Remove(s.InfoPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemovePart deletes the partial file. Missing files are not an error.
func (s *Store) RemovePart(name string) error {
	if err := os.Remove(s.PartPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SaveLocalFile writes the completed-file record next to the file it
// describes.
func (s *Store) SaveLocalFile(lf LocalFile) error {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize local file record: %w", err)
	}
	if err := os.WriteFile(s.LocalFilePath(lf.FileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write local file record: %w", err)
	}
	return nil
}

// LoadLocalFile reads a completed-file record from a sidecar path.
func (s *Store) LoadLocalFile(path string) (LocalFile, error) {
	var lf LocalFile
	data, err := os.ReadFile(path)
	if err != nil {
		return lf, fmt.Errorf("failed to read local file record: %w", err)
	}
	if err := json.Unmarshal(data, &lf); err != nil {
		return lf, fmt.Errorf("failed to parse local file record %s: %w", path, err)
	}
	return lf, nil
}

// ListDownloadInfos scans the download directory for transfer record
// sidecars. Records that cannot be parsed are skipped and reported in the
// returned slice of errors rather than aborting the scan.
func (s *Store) ListDownloadInfos() ([]*DownloadInfo, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{err}
	}

	var infos []*DownloadInfo
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), infoSuffix) {
			continue
		}
		info, err := s.LoadDownloadInfo(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		infos = append(infos, info)
	}
	return infos, errs
}
