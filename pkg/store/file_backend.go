package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileBackend is a best-effort durable alternative to MemoryBackend: the
// full key space is CBOR-encoded and written atomically (temp file +
// fsync + rename) on every Save, so readers never observe a partial
// snapshot. This is not a transactional write-ahead log — spec.md §9 Open
// Question (i)/§7(d) already document that durable WAL is a Non-goal; this
// backend only upgrades "volatile in-memory" to "survives a clean
// restart", per spec.md §4.F's "implementers SHOULD provide a file-backed
// alternative".
type FileBackend struct {
	mu   sync.Mutex
	path string
	data map[string]TaskRecord
}

// NewFileBackend opens (or initializes) a snapshot file at
// storagePath/store.jsonl. Despite the extension, the file holds one CBOR
// blob, not newline-delimited JSON; the name is kept consistent with
// spec.md §6's "store backing ... under the same directory" without
// mandating a specific filename format.
func NewFileBackend(storagePath string) (*FileBackend, error) {
	if err := os.MkdirAll(storagePath, 0o700); err != nil {
		return nil, fmt.Errorf("store: create storage path: %w", err)
	}
	path := filepath.Join(storagePath, "store.jsonl")

	b := &FileBackend{path: path, data: make(map[string]TaskRecord)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("store: read snapshot: %w", err)
	}
	if len(raw) == 0 {
		return b, nil
	}
	if err := cbor.Unmarshal(raw, &b.data); err != nil {
		return nil, fmt.Errorf("store: decode snapshot: %w", err)
	}
	return b, nil
}

func (b *FileBackend) Load() (map[string]TaskRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]TaskRecord, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out, nil
}

func (b *FileBackend) Save(key string, rec TaskRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = rec
	return b.writeSnapshotLocked()
}

// writeSnapshotLocked writes the full key space to a temp file in the same
// directory, syncs it, then renames it over the snapshot path — the
// temp-then-rename idiom used throughout the corpus's file-backed stores,
// which guarantees a reader never observes a truncated file.
func (b *FileBackend) writeSnapshotLocked() error {
	data, err := cbor.Marshal(b.data)
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("store: write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("store: sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("store: rename snapshot into place: %w", err)
	}
	return nil
}
