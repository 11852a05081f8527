package workfs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// tmpSuffix returns a unique temp-file suffix so concurrent retries against
// the same target never collide.
func tmpSuffix() string {
	return "." + uuid.New().String()[:8] + ".tmp"
}

// renameWithRetry renames tmp over target, retrying with bounded backoff.
// On non-POSIX filesystems a rename can fail transiently while a scanner or
// reader holds the target open.
func renameWithRetry(tmp, target string) error {
	var err error
	delay := 10 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if err = os.Rename(tmp, target); err == nil {
			return nil
		}
		time.Sleep(delay)
		delay *= 2
	}
	os.Remove(tmp)
	return fmt.Errorf("failed to rename %s to %s: %w", tmp, target, err)
}

// WriteFileAtomic writes data to path via a uniquely-named temp file and an
// atomic rename. The parent directory is created when missing.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir for %s: %w", path, err)
	}
	tmp := path + tmpSuffix()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file for %s: %w", path, err)
	}
	return renameWithRetry(tmp, path)
}

// AtomicFile is a streamed atomic write: write into the temp file, then
// Commit to publish or Abort to discard.
type AtomicFile struct {
	*os.File
	target string
	done   bool
}

// CreateAtomic opens a temp file destined for target.
func CreateAtomic(target string) (*AtomicFile, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent dir for %s: %w", target, err)
	}
	f, err := os.OpenFile(target+tmpSuffix(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &AtomicFile{File: f, target: target}, nil
}

// Commit closes the temp file and renames it over the target.
func (a *AtomicFile) Commit() error {
	if a.done {
		return nil
	}
	a.done = true
	if err := a.File.Close(); err != nil {
		os.Remove(a.File.Name())
		return err
	}
	return renameWithRetry(a.File.Name(), a.target)
}

// Abort discards the temp file. Safe after Commit (no-op).
func (a *AtomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.File.Close()
	os.Remove(a.File.Name())
}
