package sdfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

var ErrBadName = errors.New("sdfs: invalid file name")

// FileRecord describes one replica held on this node.
type FileRecord struct {
	Name    string
	Size    int64
	Written time.Time
	Primary bool
}

// FileTable is the set of replicas stored in one local directory. Records
// and directory contents change together under the table lock.
type FileTable struct {
	dir string

	mu      sync.RWMutex
	records map[string]*FileRecord
}

// NewFileTable wipes dir and returns an empty table over it.
func NewFileTable(dir string) (*FileTable, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("reset %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return &FileTable{dir: dir, records: make(map[string]*FileRecord)}, nil
}

// ValidName reports whether name can travel in a space-delimited command
// and be stored as a single file.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\\ \t\r\n")
}

func (t *FileTable) path(name string) string { return filepath.Join(t.dir, name) }

// Write stores a replica. fill writes the content into a staging file that
// replaces any previous replica only once fill succeeds.
func (t *FileTable) Write(name string, fill func(io.Writer) error) (FileRecord, error) {
	if !ValidName(name) {
		return FileRecord{}, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	tmp, err := os.CreateTemp(t.dir, ".incoming-*")
	if err != nil {
		return FileRecord{}, err
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return FileRecord{}, err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		tmp.Close()
		return FileRecord{}, err
	}
	if err := tmp.Close(); err != nil {
		return FileRecord{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Rename(tmp.Name(), t.path(name)); err != nil {
		return FileRecord{}, err
	}
	rec := &FileRecord{Name: name, Size: size, Written: time.Now()}
	if old, ok := t.records[name]; ok {
		rec.Primary = old.Primary
	}
	t.records[name] = rec
	return *rec, nil
}

// Open returns the replica's content and record. The caller closes the file.
func (t *FileTable) Open(name string) (*os.File, FileRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[name]
	if !ok {
		return nil, FileRecord{}, ErrNotFound
	}
	f, err := os.Open(t.path(name))
	if err != nil {
		return nil, FileRecord{}, err
	}
	return f, *rec, nil
}

func (t *FileTable) Stat(name string) (FileRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[name]
	if !ok {
		return FileRecord{}, false
	}
	return *rec, true
}

// Delete removes a replica and reports whether it existed.
func (t *FileTable) Delete(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(name)
}

func (t *FileTable) deleteLocked(name string) bool {
	if _, ok := t.records[name]; !ok {
		return false
	}
	delete(t.records, name)
	_ = os.Remove(t.path(name))
	return true
}

// DeletePrefix removes every replica whose name starts with prefix.
func (t *FileTable) DeletePrefix(prefix string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var gone []string
	for name := range t.records {
		if strings.HasPrefix(name, prefix) {
			t.deleteLocked(name)
			gone = append(gone, name)
		}
	}
	slices.Sort(gone)
	return gone
}

// Names returns the sorted names starting with prefix; "" matches all.
func (t *FileTable) Names(prefix string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.namesLocked(prefix)
}

func (t *FileTable) namesLocked(prefix string) []string {
	out := make([]string, 0, len(t.records))
	for name := range t.records {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// List returns every record in name order.
func (t *FileTable) List() []FileRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]FileRecord, 0, len(t.records))
	for _, name := range t.namesLocked("") {
		out = append(out, *t.records[name])
	}
	return out
}

func (t *FileTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func (t *FileTable) SetPrimary(name string, primary bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[name]; ok {
		rec.Primary = primary
	}
}

// Retag runs fn over the held names with the table locked and applies the
// primary flags it returns.
func (t *FileTable) Retag(fn func(held []string) map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, primary := range fn(t.namesLocked("")) {
		if rec, ok := t.records[name]; ok {
			rec.Primary = primary
		}
	}
}
