package evgrid

import (
	"fmt"

	"golang.org/x/exp/mmap"
)

// Chunk is a contiguous run of rows along an array's leading dimension.
// Data is owned by the iterator that produced it and is overwritten by the
// next call to Next.
type Chunk struct {
	// Start is the index of the first row within the whole array
	Start int
	// Rows is the number of rows held, at most the iterator's chunk size
	Rows int
	// Shape of the chunk; Shape[0] == Rows
	Shape []int
	Dtype Dtype
	Data  []byte
}

// Row returns the bytes of row i of the chunk
func (c *Chunk) Row(i int) []byte {
	n := len(c.Data) / c.Rows
	return c.Data[i*n : (i+1)*n]
}

// Ints decodes an integer chunk
func (c *Chunk) Ints() ([]int, error) {
	return decodeInts(c.Dtype, c.Data)
}

// ChunkIterator is a forward-only pass over a memory mapped array in
// fixed-size slices along dimension 0. Every row is returned exactly once,
// in order; the last chunk may be short. Only one chunk buffer is ever
// allocated, so the resident footprint stays at one chunk no matter how
// long the array is.
//
//	for it.Next() {
//		c := it.Chunk()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type ChunkIterator struct {
	r         *mmap.ReaderAt
	desc      ArrayDescriptor
	chunkSize int
	offset    int
	chunk     Chunk
	buf       []byte
	err       error
	release   func(*mmap.ReaderAt)
}

func newChunkIterator(r *mmap.ReaderAt, d ArrayDescriptor, chunkSize int, release func(*mmap.ReaderAt)) *ChunkIterator {
	return &ChunkIterator{
		r:         r,
		desc:      d,
		chunkSize: chunkSize,
		release:   release,
	}
}

// Descriptor describes the array being iterated, including any dtype
// override
func (it *ChunkIterator) Descriptor() ArrayDescriptor { return it.desc }

// Offset is the number of rows consumed so far
func (it *ChunkIterator) Offset() int { return it.offset }

// Next advances to the next chunk, reporting false once the array is
// exhausted or reading failed. The mapping is released on exhaustion.
func (it *ChunkIterator) Next() bool {
	if it.err != nil || it.r == nil {
		return false
	}
	n := it.desc.Len() - it.offset
	if n > it.chunkSize {
		n = it.chunkSize
	}
	if n <= 0 {
		it.Close()
		return false
	}

	rowBytes := it.desc.RowBytes()
	if cap(it.buf) < n*rowBytes {
		it.buf = make([]byte, n*rowBytes)
	}
	it.buf = it.buf[:n*rowBytes]

	off := it.desc.DataOffset + int64(it.offset)*int64(rowBytes)
	if _, err := it.r.ReadAt(it.buf, off); err != nil {
		it.err = fmt.Errorf("reading %s rows %d-%d: %w", it.desc.Name, it.offset, it.offset+n, err)
		it.Close()
		return false
	}
	Debugf("Reading chunk of %s with shape %v", it.desc.Name, append([]int{n}, it.desc.Shape[1:]...))

	shape := make([]int, len(it.desc.Shape))
	copy(shape, it.desc.Shape)
	if len(shape) > 0 {
		shape[0] = n
	}
	it.chunk = Chunk{
		Start: it.offset,
		Rows:  n,
		Shape: shape,
		Dtype: it.desc.Dtype,
		Data:  it.buf,
	}
	it.offset += n
	return true
}

// Chunk is the current chunk, valid until the next call to Next
func (it *ChunkIterator) Chunk() *Chunk { return &it.chunk }

// Err returns the first read error, if any
func (it *ChunkIterator) Err() error { return it.err }

// Close releases the mapping early. Iterating stops after Close.
func (it *ChunkIterator) Close() error {
	if it.r != nil {
		it.release(it.r)
		it.r = nil
	}
	return nil
}
