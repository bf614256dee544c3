// Package results holds rendered images for later retrieval by id.
// Entries live until Clear is called; there is no expiry.
package results

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"geolocate/internal/apperr"

	"github.com/google/uuid"
)

// Store is a create-only keyed blob store.
type Store interface {
	Put(data []byte) (string, error)
	Get(id string) ([]byte, error)
	Clear() (int, error)
	Len() int
}

// New returns the backend named by kind ("memory" or "disk").
func New(kind, dir string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "disk":
		return NewDiskStore(dir)
	default:
		return nil, fmt.Errorf("unknown result store backend %q", kind)
	}
}

func newID() string {
	return uuid.NewString()
}

func notFound(id string) error {
	return apperr.Errorf(apperr.KindNotFound, "results.Get", "result %q not found", id)
}

// MemoryStore keeps results in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (s *MemoryStore) Put(data []byte) (string, error) {
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := newID()
		if _, exists := s.items[id]; exists {
			continue
		}
		s.items[id] = cp
		return id, nil
	}
}

func (s *MemoryStore) Get(id string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	s.items = make(map[string][]byte)
	return n, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// DiskStore keeps one file per result under dir.
type DiskStore struct {
	dir string
}

const diskSuffix = ".bin"

func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, errors.New("disk result store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(id string) (string, bool) {
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return filepath.Join(s.dir, id+diskSuffix), true
}

func (s *DiskStore) Put(data []byte) (string, error) {
	for {
		id := newID()
		p, _ := s.path(id)
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create result: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(p)
			return "", fmt.Errorf("write result: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(p)
			return "", fmt.Errorf("close result: %w", err)
		}
		return id, nil
	}
}

func (s *DiskStore) Get(id string) ([]byte, error) {
	p, ok := s.path(id)
	if !ok {
		return nil, notFound(id)
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return data, nil
}

func (s *DiskStore) Clear() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list results: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), diskSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, fmt.Errorf("remove result: %w", err)
		}
		n++
	}
	return n, nil
}

func (s *DiskStore) Len() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), diskSuffix) {
			n++
		}
	}
	return n
}
