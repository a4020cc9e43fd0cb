package evgrid

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	MemoryStoreType   = "MemoryStore"
	LocalStoreType    = "LocalStore"
	ScratchStoreType  = "ScratchStore"
	dirPermissionBits = 0755
	// suffix for files being written by LocalStore.Create
	partialSuffix = ".partial"
)

// Store is a flat key/value byte store. Shards and manifests are written
// through one, and archives are extracted into one.
type Store interface {
	Get(key string) (io.ReadCloser, error)
	Put(key string, val io.Reader) error
	// Create opens a writer for key. The value becomes visible under key
	// only once the writer is closed without error.
	Create(key string) (io.WriteCloser, error)
	Type() string
}

// aborter is implemented by writers from Create that can drop what was
// written instead of committing it
type aborter interface {
	abort()
}

// Abort discards a writer opened with Create. Writers that cannot abort
// are closed.
func Abort(w io.WriteCloser) {
	if a, ok := w.(aborter); ok {
		a.abort()
		return
	}
	w.Close()
}

type MemoryStore struct {
	lk   sync.Mutex
	data map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: map[string][]byte{},
	}
}

func (s *MemoryStore) Type() string { return MemoryStoreType }

func (s *MemoryStore) Get(key string) (io.ReadCloser, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	d, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}

func (s *MemoryStore) Put(key string, val io.Reader) error {
	d, err := io.ReadAll(val)
	if err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	s.data[key] = d

	return nil
}

func (s *MemoryStore) Create(key string) (io.WriteCloser, error) {
	return &memoryWriter{store: s, key: key}, nil
}

// Keys lists stored keys in lexical order
func (s *MemoryStore) Keys() []string {
	s.lk.Lock()
	defer s.lk.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type memoryWriter struct {
	bytes.Buffer
	store *MemoryStore
	key   string
}

func (w *memoryWriter) Close() error {
	return w.store.Put(w.key, &w.Buffer)
}

func (w *memoryWriter) abort() { w.Reset() }

type LocalStore struct {
	base string
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(base string) (*LocalStore, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, dirPermissionBits); err != nil {
		return nil, err
	}

	return &LocalStore{
		base: base,
	}, nil
}

func (s *LocalStore) Type() string { return LocalStoreType }

// Path is the filesystem location of key
func (s *LocalStore) Path(key string) string {
	return filepath.Join(s.base, filepath.FromSlash(key))
}

func (s *LocalStore) Get(key string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f, err
}

func (s *LocalStore) Put(key string, val io.Reader) error {
	w, err := s.Create(key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, val); err != nil {
		Abort(w)
		return err
	}
	return w.Close()
}

// Create writes to a sibling partial file that is renamed over key on
// Close, so rewriting an existing key never leaves a truncated value behind.
func (s *LocalStore) Create(key string) (io.WriteCloser, error) {
	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), dirPermissionBits); err != nil {
		return nil, err
	}
	f, err := os.Create(path + partialSuffix)
	if err != nil {
		return nil, err
	}
	return &localWriter{File: f, path: path}, nil
}

type localWriter struct {
	*os.File
	path string
}

func (w *localWriter) Close() error {
	if err := w.File.Close(); err != nil {
		os.Remove(w.File.Name())
		return err
	}
	return os.Rename(w.File.Name(), w.path)
}

func (w *localWriter) abort() {
	w.File.Close()
	os.Remove(w.File.Name())
}

// ScratchStore is a LocalStore rooted in a fresh temporary directory that
// is deleted, with everything in it, on Close.
type ScratchStore struct {
	*LocalStore
	once sync.Once
	err  error
}

// NewScratchStore creates a scratch directory under dir, or under the
// system temp directory when dir is empty
func NewScratchStore(dir string) (*ScratchStore, error) {
	base, err := os.MkdirTemp(dir, "npzr_")
	if err != nil {
		return nil, fmt.Errorf("creating scratch store: %w", err)
	}
	return &ScratchStore{LocalStore: &LocalStore{base: base}}, nil
}

func (s *ScratchStore) Type() string { return ScratchStoreType }

// Dir is the scratch directory
func (s *ScratchStore) Dir() string { return s.base }

// Close removes the scratch directory. It is safe to call more than once.
func (s *ScratchStore) Close() error {
	s.once.Do(func() {
		Debugf("Removing scratch store %s", s.base)
		s.err = os.RemoveAll(s.base)
	})
	return s.err
}
