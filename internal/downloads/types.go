package downloads

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// DownloadState describes where a transfer is in its lifecycle.
type DownloadState int32

const (
	StateDownloading DownloadState = iota
	StatePaused
	StateError
	StateExpired
	StateDone
)

var stateNames = map[DownloadState]string{
	StateDownloading: "downloading",
	StatePaused:      "paused",
	StateError:       "error",
	StateExpired:     "expired",
	StateDone:        "done",
}

func (s DownloadState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// MarshalJSON serializes the state as its name.
func (s DownloadState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state name.
func (s *DownloadState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range stateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown download state %q", name)
}

// FileInfo is the immutable descriptor of a remote file.
type FileInfo struct {
	FileID   int64  `json:"file_id"`
	FileName string `json:"file_name"`
	ModID    int64  `json:"mod_id"`
	Game     string `json:"game"`
	Version  string `json:"version,omitempty"`
}

// LocalFile is the persisted record of a completed, verified-on-disk file.
// It is stored as a sidecar next to the file it describes and keyed by
// file ID in the local file index.
type LocalFile struct {
	FileID   int64  `json:"file_id"`
	FileName string `json:"file_name"`
	ModID    int64  `json:"mod_id"`
	Game     string `json:"game"`
	Version  string `json:"version,omitempty"`
}

// LocalFileFrom builds a LocalFile record from a file descriptor.
func LocalFileFrom(fi FileInfo) LocalFile {
	return LocalFile{
		FileID:   fi.FileID,
		FileName: fi.FileName,
		ModID:    fi.ModID,
		Game:     fi.Game,
		Version:  fi.Version,
	}
}

// DownloadProgress tracks bytes received for one transfer. It is shared
// between the transfer's writer goroutine and the presentation layer, so
// both counters are atomic. BytesRead never decreases while a transfer
// is running; total size stays unknown until the server responds.
type DownloadProgress struct {
	bytesRead atomic.Int64
	totalSize atomic.Int64 // <0 means unknown
}

// NewProgress creates a progress counter. Pass total < 0 if unknown.
func NewProgress(bytesRead, total int64) *DownloadProgress {
	p := &DownloadProgress{}
	p.bytesRead.Store(bytesRead)
	if total < 0 {
		total = -1
	}
	p.totalSize.Store(total)
	return p
}

// BytesRead returns the number of bytes received so far.
func (p *DownloadProgress) BytesRead() int64 {
	return p.bytesRead.Load()
}

// Add increments the byte counter by n.
func (p *DownloadProgress) Add(n int64) {
	p.bytesRead.Add(n)
}

// SetBytesRead resets the byte counter, used when a resume offset is
// established or a fresh 200 response discards stale partial data.
func (p *DownloadProgress) SetBytesRead(n int64) {
	p.bytesRead.Store(n)
}

// TotalSize returns the expected final size and whether it is known.
func (p *DownloadProgress) TotalSize() (int64, bool) {
	total := p.totalSize.Load()
	return total, total >= 0
}

// SetTotalSize records the expected final size.
func (p *DownloadProgress) SetTotalSize(n int64) {
	p.totalSize.Store(n)
}

type progressJSON struct {
	BytesRead int64  `json:"bytes_read"`
	TotalSize *int64 `json:"total_size"`
}

// MarshalJSON serializes the progress counters.
func (p *DownloadProgress) MarshalJSON() ([]byte, error) {
	out := progressJSON{BytesRead: p.BytesRead()}
	if total, ok := p.TotalSize(); ok {
		out.TotalSize = &total
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the progress counters.
func (p *DownloadProgress) UnmarshalJSON(data []byte) error {
	var in progressJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.bytesRead.Store(in.BytesRead)
	if in.TotalSize != nil {
		p.totalSize.Store(*in.TotalSize)
	} else {
		p.totalSize.Store(-1)
	}
	return nil
}

// DownloadInfo is the persisted unit of a transfer: file identity, origin
// URL, lifecycle state and progress. It is mutated only by its owning
// transfer task and serialized to a .part.json sidecar after every state
// transition.
type DownloadInfo struct {
	FileInfo FileInfo
	URL      string
	Progress *DownloadProgress

	state atomic.Int32
}

// NewDownloadInfo creates a transfer record in the downloading state with
// unknown total size.
func NewDownloadInfo(fi FileInfo, url string) *DownloadInfo {
	d := &DownloadInfo{
		FileInfo: fi,
		URL:      url,
		Progress: NewProgress(0, -1),
	}
	d.state.Store(int32(StateDownloading))
	return d
}

// State returns the current lifecycle state.
func (d *DownloadInfo) State() DownloadState {
	return DownloadState(d.state.Load())
}

// SetState moves the transfer to a new lifecycle state.
func (d *DownloadInfo) SetState(s DownloadState) {
	d.state.Store(int32(s))
}

type downloadInfoJSON struct {
	FileInfo FileInfo          `json:"file_info"`
	URL      string            `json:"url"`
	State    DownloadState     `json:"state"`
	Progress *DownloadProgress `json:"progress"`
}

// MarshalJSON serializes the full transfer record.
func (d *DownloadInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(downloadInfoJSON{
		FileInfo: d.FileInfo,
		URL:      d.URL,
		State:    d.State(),
		Progress: d.Progress,
	})
}

// UnmarshalJSON restores a transfer record from its sidecar form.
func (d *DownloadInfo) UnmarshalJSON(data []byte) error {
	in := downloadInfoJSON{Progress: NewProgress(0, -1)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	d.FileInfo = in.FileInfo
	d.URL = in.URL
	d.Progress = in.Progress
	if d.Progress == nil {
		d.Progress = NewProgress(0, -1)
	}
	d.state.Store(int32(in.State))
	return nil
}
