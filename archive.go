package evgrid

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"golang.org/x/exp/mmap"
)

// Archive is an open .npz container: a zip of named .npy entries. Opening
// reads every entry header, then extracts the entries into a scratch store
// so they can be memory mapped. The scratch store lives until Close.
type Archive struct {
	path    string
	scratch *ScratchStore
	descs   map[string]ArrayDescriptor
	keys    map[string]string
	maps    []*mmap.ReaderAt
}

type archiveOptions struct {
	scratchDir string
}

// ArchiveOption configures OpenArchive
type ArchiveOption func(*archiveOptions)

// WithScratchDir places the extraction directory under dir instead of the
// system temp directory
func WithScratchDir(dir string) ArchiveOption {
	return func(o *archiveOptions) { o.scratchDir = dir }
}

// OpenArchive opens the container at path. A path ending in a compression
// extension (.zst, .gz) is decompressed into the scratch store first. The
// scratch store is removed again if opening fails at any point.
func OpenArchive(path string, opts ...ArchiveOption) (a *Archive, err error) {
	o := &archiveOptions{}
	for _, opt := range opts {
		opt(o)
	}

	scratch, err := NewScratchStore(o.scratchDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			scratch.Close()
		}
	}()

	src := path
	if meta, inner := WrapperCompression(path); meta != nil {
		if src, err = unwrap(scratch, path, inner, meta); err != nil {
			return nil, err
		}
	}

	zr, err := zip.OpenReader(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: opening %s: %s", ErrCorruptArchive, path, err)
	}
	defer zr.Close()

	a = &Archive{
		path:    path,
		scratch: scratch,
		descs:   map[string]ArrayDescriptor{},
		keys:    map[string]string{},
	}

	var entries []*zip.File
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		d, err := readEntryHeader(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s header: %w", f.Name, err)
		}
		d.Name = strings.TrimSuffix(f.Name, ".npy")
		Debugf("Found array %s (%s)", d, d.Dtype.Human())
		a.descs[d.Name] = d
		entries = append(entries, f)
	}

	Infof("Extracting %s to %s...", path, scratch.Dir())
	var total uint64
	for i, f := range entries {
		name := strings.TrimSuffix(f.Name, ".npy")
		// entry names are not trusted as paths
		key := fmt.Sprintf("%04d.npy", i)
		if err := extractEntry(scratch, key, f); err != nil {
			return nil, fmt.Errorf("extracting %s: %w", f.Name, err)
		}
		d := a.descs[name]
		info, err := os.Stat(scratch.Path(key))
		if err != nil {
			return nil, err
		}
		if info.Size() < d.DataOffset+d.NumBytes() {
			return nil, fmt.Errorf("%w: %s holds %d bytes, header promises %d", ErrCorruptArchive, f.Name, info.Size(), d.DataOffset+d.NumBytes())
		}
		a.keys[name] = key
		total += uint64(info.Size())
	}
	Infof("Extracted %d arrays (%s)", len(entries), humanize.Bytes(total))

	return a, nil
}

func readEntryHeader(f *zip.File) (ArrayDescriptor, error) {
	rc, err := f.Open()
	if err != nil {
		return ArrayDescriptor{}, fmt.Errorf("%w: %s", ErrCorruptArchive, err)
	}
	defer rc.Close()
	return ReadNpyHeader(rc)
}

func extractEntry(s Store, key string, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCorruptArchive, err)
	}
	defer rc.Close()
	return s.Put(key, rc)
}

func unwrap(scratch *ScratchStore, path, inner string, meta *CompressionMeta) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	r, err := meta.Decompressor(f)
	if err != nil {
		f.Close()
		return "", fmt.Errorf("%w: %s: %s", ErrCorruptArchive, path, err)
	}
	defer r.Close()
	defer f.Close()

	Debugf("Decompressing %s (%s)", path, meta.ID)
	if err := scratch.Put(inner, r); err != nil {
		return "", fmt.Errorf("%w: decompressing %s: %s", ErrCorruptArchive, path, err)
	}
	return scratch.Path(inner), nil
}

// Path is the container this archive was opened from
func (a *Archive) Path() string { return a.path }

// Descriptor returns the header of the named array
func (a *Archive) Descriptor(name string) (ArrayDescriptor, error) {
	d, ok := a.descs[name]
	if !ok {
		return d, fmt.Errorf("%w: array %q in %s", ErrNotFound, name, a.path)
	}
	return d, nil
}

// Descriptors lists every array in the archive, ordered by name
func (a *Archive) Descriptors() []ArrayDescriptor {
	ds := make([]ArrayDescriptor, 0, len(a.descs))
	for _, d := range a.descs {
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].Name < ds[j].Name })
	return ds
}

// GetArray loads the whole named array into memory. Use it for small
// arrays like the group index; large arrays should be walked with
// ChunkIterator.
func (a *Archive) GetArray(name string) (*Array, error) {
	r, d, err := a.mapArray(name)
	if err != nil {
		return nil, err
	}
	defer a.release(r)

	data := make([]byte, d.NumBytes())
	if _, err := r.ReadAt(data, d.DataOffset); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return &Array{Descriptor: d, Data: data}, nil
}

// ChunkIterator walks the named array along dimension 0, chunkSize rows at
// a time. A non-nil override reinterprets the payload as another dtype of
// the same item size.
func (a *Archive) ChunkIterator(name string, chunkSize int, override *Dtype) (*ChunkIterator, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, chunkSize)
	}
	d, err := a.Descriptor(name)
	if err != nil {
		return nil, err
	}
	if d.FortranOrder && len(d.Shape) > 1 {
		return nil, fmt.Errorf("%w: %s is fortran ordered", ErrUnsupportedLayout, name)
	}
	if override != nil {
		if override.ByteSize != d.Dtype.ByteSize {
			return nil, fmt.Errorf("%w: cannot read %s %s as %s", ErrDtypeMismatch, name, d.Dtype, override)
		}
		d.Dtype = *override
	}

	r, _, err := a.mapArray(name)
	if err != nil {
		return nil, err
	}
	return newChunkIterator(r, d, chunkSize, a.release), nil
}

func (a *Archive) mapArray(name string) (*mmap.ReaderAt, ArrayDescriptor, error) {
	d, err := a.Descriptor(name)
	if err != nil {
		return nil, d, err
	}
	r, err := mmap.Open(a.scratch.Path(a.keys[name]))
	if err != nil {
		return nil, d, fmt.Errorf("mapping %s: %w", name, err)
	}
	a.maps = append(a.maps, r)
	return r, d, nil
}

// release unmaps r ahead of Close
func (a *Archive) release(r *mmap.ReaderAt) {
	for i, m := range a.maps {
		if m == r {
			a.maps = append(a.maps[:i], a.maps[i+1:]...)
			break
		}
	}
	r.Close()
}

// Close unmaps every open mapping and removes the scratch store
func (a *Archive) Close() error {
	var err error
	for _, m := range a.maps {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.maps = nil
	Infof("Cleaning up %s", a.scratch.Dir())
	if cerr := a.scratch.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
