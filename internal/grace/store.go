package grace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "licensegate/internal/errors"
)

// Anchor records the first failed verification
type Anchor struct {
	LicenseID    string    `json:"license_id"`
	Fingerprint  string    `json:"fingerprint"`
	FirstFailure time.Time `json:"first_failure"`
	Signature    string    `json:"signature"`
}

// Store persists the anchor. Load returns nil, nil when none exists.
type Store interface {
	Load() (*Anchor, error)
	Save(a *Anchor) error
	Clear() error
}

// FileStore keeps the anchor in a JSON file
type FileStore struct {
	path string
}

// NewFileStore creates a store at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the anchor file location
func (s *FileStore) Path() string { return s.path }

// Load reads the anchor. An unparseable file reports ErrGraceStateTampered.
func (s *FileStore) Load() (*Anchor, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read grace state: %w", err)
	}

	var a Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrGraceStateTampered, err)
	}
	return &a, nil
}

// Save writes the anchor atomically with owner-only permissions
func (s *FileStore) Save(a *Anchor) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal grace state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create grace state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".grace-*.tmp")
	if err != nil {
		return fmt.Errorf("create grace state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write grace state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync grace state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close grace state: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod grace state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename grace state: %w", err)
	}
	return nil
}

// Clear removes the anchor file
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove grace state: %w", err)
	}
	return nil
}

// MirroredStore keeps the same anchor in several stores. Removing one copy
// does not reset the window, and one writable copy is enough to persist it.
type MirroredStore struct {
	stores []Store
}

// NewMirroredStore mirrors the anchor across stores
func NewMirroredStore(stores ...Store) *MirroredStore {
	return &MirroredStore{stores: stores}
}

// NewFileMirror mirrors the anchor across files at paths
func NewFileMirror(paths ...string) *MirroredStore {
	stores := make([]Store, 0, len(paths))
	for _, p := range paths {
		stores = append(stores, NewFileStore(p))
	}
	return NewMirroredStore(stores...)
}

// Load returns the earliest anchor held by any store and copies it to the
// stores that have none. A tampered copy anywhere is reported as such. An
// error is returned only when no store could be read.
func (m *MirroredStore) Load() (*Anchor, error) {
	var (
		earliest *Anchor
		missing  []Store
		errs     []error
	)
	for _, s := range m.stores {
		a, err := s.Load()
		switch {
		case errors.Is(err, apperrors.ErrGraceStateTampered):
			return nil, err
		case err != nil:
			errs = append(errs, err)
		case a == nil:
			missing = append(missing, s)
		case earliest == nil || a.FirstFailure.Before(earliest.FirstFailure):
			earliest = a
		}
	}
	if len(errs) == len(m.stores) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if earliest != nil {
		for _, s := range missing {
			_ = s.Save(earliest)
		}
	}
	return earliest, nil
}

// Save writes a to every store and fails only when none accepted it
func (m *MirroredStore) Save(a *Anchor) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Save(a); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m.stores) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Clear removes the anchor from every store
func (m *MirroredStore) Clear() error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Clear(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryStore keeps the anchor for the current process only
type MemoryStore struct {
	mu     sync.Mutex
	anchor *Anchor
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored anchor
func (s *MemoryStore) Load() (*Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anchor == nil {
		return nil, nil
	}
	a := *s.anchor
	return &a, nil
}

// Save stores a copy of a
func (s *MemoryStore) Save(a *Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.anchor = &cp
	return nil
}

// Clear forgets the anchor
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.anchor = nil
	s.mu.Unlock()
	return nil
}
