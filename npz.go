package evgrid

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/x448/float16"
)

func writeNpzShard(w io.Writer, s *Shard, compress bool) error {
	method := zip.Store
	if compress {
		method = zip.Deflate
	}
	zw := zip.NewWriter(w)
	n := len(s.Frames)

	fw, err := zw.CreateHeader(&zip.FileHeader{Name: FrameTensor + ".npy", Method: method})
	if err != nil {
		return err
	}
	if err := WriteNpyHeader(fw, DtypeUint8, []int{n, s.Geom.Height, s.Geom.Width}); err != nil {
		return err
	}
	for _, f := range s.Frames {
		if _, err := fw.Write(f.Data); err != nil {
			return err
		}
	}

	vw, err := zw.CreateHeader(&zip.FileHeader{Name: VoxelTensor + ".npy", Method: method})
	if err != nil {
		return err
	}
	if err := WriteNpyHeader(vw, DtypeFloat16, []int{n, s.Bins, s.Geom.Height, s.Geom.Width}); err != nil {
		return err
	}
	var buf []byte
	for _, g := range s.Grids {
		buf = halfBytes(buf, g.Data)
		if _, err := vw.Write(buf); err != nil {
			return err
		}
	}

	return zw.Close()
}

// halfBytes encodes vals as little-endian float16 into buf, growing it as
// needed
func halfBytes(buf []byte, vals []float16.Float16) []byte {
	if cap(buf) < 2*len(vals) {
		buf = make([]byte, 2*len(vals))
	}
	buf = buf[:2*len(vals)]
	for i, v := range vals {
		binary.LittleEndian.PutUint16(buf[2*i:], v.Bits())
	}
	return buf
}

// ReadNpz loads every array of an .npz container held in r. It is meant
// for shard-sized containers; recordings should go through OpenArchive.
func ReadNpz(r io.ReaderAt, size int64) (map[string]*Array, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptArchive, err)
	}
	arrays := map[string]*Array{}
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		a, err := readNpzEntry(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.Name, err)
		}
		arrays[a.Descriptor.Name] = a
	}
	return arrays, nil
}

func readNpzEntry(f *zip.File) (*Array, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptArchive, err)
	}
	defer rc.Close()

	d, err := ReadNpyHeader(rc)
	if err != nil {
		return nil, err
	}
	d.Name = strings.TrimSuffix(f.Name, ".npy")
	data := make([]byte, d.NumBytes())
	if _, err := io.ReadFull(rc, data); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %s", ErrCorruptArchive, d.Name, err)
	}
	return &Array{Descriptor: d, Data: data}, nil
}

// WriteNpz writes arrays into an .npz container in the given order. Used
// for fixtures and small derived outputs.
func WriteNpz(w io.Writer, arrays ...*Array) error {
	zw := zip.NewWriter(w)
	for _, a := range arrays {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: a.Descriptor.Name + ".npy", Method: zip.Deflate})
		if err != nil {
			return err
		}
		if err := WriteNpyHeader(fw, a.Descriptor.Dtype, a.Descriptor.Shape); err != nil {
			return err
		}
		if _, err := fw.Write(a.Data); err != nil {
			return err
		}
	}
	return zw.Close()
}
