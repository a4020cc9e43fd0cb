package evgrid

import (
	"fmt"
	"io"
)

// Frame is one cropped intensity plane. Index is its position in the frame
// stream, which is also the group index of the polarity samples that
// belong to it.
type Frame struct {
	Index  int
	Height int
	Width  int
	Data   []byte
}

// FrameTrimmer crops frames pulled from a chunk iterator one at a time.
// The i-th call to Next returns frame i.
type FrameTrimmer struct {
	it    *ChunkIterator
	geom  Geometry
	chunk *Chunk
	row   int
	next  int
}

func NewFrameTrimmer(it *ChunkIterator, geom Geometry) (*FrameTrimmer, error) {
	if err := geom.CheckPlanes(it.Descriptor()); err != nil {
		return nil, err
	}
	return &FrameTrimmer{it: it, geom: geom}, nil
}

// Next returns the next cropped frame, or io.EOF once the stream is spent
func (t *FrameTrimmer) Next() (*Frame, error) {
	if t.chunk == nil || t.row >= t.chunk.Rows {
		if !t.it.Next() {
			if err := t.it.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		t.chunk = t.it.Chunk()
		t.row = 0
		Infof("Processing frames - chunk starting at %d - frames: %10d", t.chunk.Start, t.chunk.Rows)
	}
	if t.chunk.Start+t.row != t.next {
		return nil, fmt.Errorf("frame stream out of step: at %d, expected %d", t.chunk.Start+t.row, t.next)
	}

	f := &Frame{
		Index:  t.next,
		Height: t.geom.Height,
		Width:  t.geom.Width,
		Data:   make([]byte, t.geom.PlaneSize()),
	}
	t.geom.Crop(f.Data, t.chunk.Row(t.row))
	t.row++
	t.next++
	return f, nil
}
