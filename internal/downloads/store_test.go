package downloads

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_Paths(t *testing.T) {
	store := NewStore("/downloads")

	cases := []struct {
		got  string
		want string
	}{
		{store.FinalPath("mod.zip"), "/downloads/mod.zip"},
		{store.PartPath("mod.zip"), "/downloads/mod.zip.part"},
		{store.InfoPath("mod.zip"), "/downloads/mod.zip.part.json"},
		{store.LocalFilePath("mod.zip"), "/downloads/mod.zip.json"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}

func TestStore_DownloadInfoRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	info := NewDownloadInfo(FileInfo{
		FileID:   5678,
		FileName: "mod.zip",
		ModID:    1234,
		Game:     "SkyrimSE",
		Version:  "2.0.1",
	}, "https://cdn.example.com/mod.zip?token=abc")
	info.SetState(StatePaused)
	info.Progress.SetBytesRead(500)
	info.Progress.SetTotalSize(1000)

	if err := store.SaveDownloadInfo(info); err != nil {
		t.Fatalf("SaveDownloadInfo: %v", err)
	}

	loaded, err := store.LoadDownloadInfo(store.InfoPath("mod.zip"))
	if err != nil {
		t.Fatalf("LoadDownloadInfo: %v", err)
	}

	if loaded.FileInfo != info.FileInfo {
		t.Errorf("FileInfo = %+v, want %+v", loaded.FileInfo, info.FileInfo)
	}
	if loaded.URL != info.URL {
		t.Errorf("URL = %q, want %q", loaded.URL, info.URL)
	}
	if loaded.State() != StatePaused {
		t.Errorf("State = %v, want paused", loaded.State())
	}
	if got := loaded.Progress.BytesRead(); got != 500 {
		t.Errorf("BytesRead = %d, want 500", got)
	}
	if total, ok := loaded.Progress.TotalSize(); !ok || total != 1000 {
		t.Errorf("TotalSize = %d,%v, want 1000,true", total, ok)
	}
}

func TestStore_LocalFileRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	lf := LocalFile{FileID: 5678, FileName: "mod.zip", ModID: 1234, Game: "SkyrimSE", Version: "2.0.1"}
	if err := store.SaveLocalFile(lf); err != nil {
		t.Fatalf("SaveLocalFile: %v", err)
	}

	loaded, err := store.LoadLocalFile(store.LocalFilePath("mod.zip"))
	if err != nil {
		t.Fatalf("LoadLocalFile: %v", err)
	}
	if loaded != lf {
		t.Errorf("loaded = %+v, want %+v", loaded, lf)
	}
}

func TestStore_RemoveMissingIsNoError(t *testing.T) {
	store := NewStore(t.TempDir())

	if err := store.RemoveDownloadInfo("never-saved.zip"); err != nil {
		t.Errorf("RemoveDownloadInfo on missing sidecar: %v", err)
	}
	if err := store.RemovePart("never-saved.zip"); err != nil {
		t.Errorf("RemovePart on missing file: %v", err)
	}
}

func TestStore_ListDownloadInfos(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	for _, name := range []string{"a.zip", "b.zip"} {
		info := NewDownloadInfo(FileInfo{FileID: int64(len(name)), FileName: name}, "https://example.com/"+name)
		if err := store.SaveDownloadInfo(info); err != nil {
			t.Fatalf("SaveDownloadInfo %s: %v", name, err)
		}
	}
	// Corrupt records are reported, not fatal; unrelated files are skipped.
	if err := os.WriteFile(filepath.Join(dir, "broken.zip.part.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "c.zip"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "c.zip.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	infos, errs := store.ListDownloadInfos()
	if len(infos) != 2 {
		t.Errorf("got %d records, want 2", len(infos))
	}
	if len(errs) != 1 {
		t.Errorf("got %d errors, want 1", len(errs))
	}
}

func TestStore_ListDownloadInfosMissingDir(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))

	infos, errs := store.ListDownloadInfos()
	if len(infos) != 0 || len(errs) != 0 {
		t.Errorf("missing directory should scan as empty, got %d records and %d errors", len(infos), len(errs))
	}
}
