package evgrid

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameTrimmer(t *testing.T) {
	rec, path := smallRecording(t)
	a, err := OpenArchive(path, WithScratchDir(t.TempDir()))
	require.NoError(t, err)
	defer a.Close()

	it, err := a.ChunkIterator("frame_data", 2, nil)
	require.NoError(t, err)
	trimmer, err := NewFrameTrimmer(it, smallGeom)
	require.NoError(t, err)

	for i, src := range rec.frames {
		f, err := trimmer.Next()
		require.NoError(t, err)
		assert.Equal(t, i, f.Index)
		assert.Equal(t, 2, f.Height)
		assert.Equal(t, 2, f.Width)
		// rows 1-2, columns 2-3 of the 4x6 source
		assert.Equal(t, []byte{src[8], src[9], src[14], src[15]}, f.Data)
	}
	_, err = trimmer.Next()
	assert.Equal(t, io.EOF, err)
}

func TestFrameTrimmerRejectsShape(t *testing.T) {
	_, path := smallRecording(t)
	a, err := OpenArchive(path, WithScratchDir(t.TempDir()))
	require.NoError(t, err)
	defer a.Close()

	it, err := a.ChunkIterator("polarity_groups", 2, nil)
	require.NoError(t, err)
	_, err = NewFrameTrimmer(it, smallGeom)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	it, err = a.ChunkIterator("frame_data", 2, nil)
	require.NoError(t, err)
	_, err = NewFrameTrimmer(it, DefaultGeometry)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestGeometry(t *testing.T) {
	g := DefaultGeometry
	require.NoError(t, g.Validate())
	assert.Equal(t, 2, g.OffsetH())
	assert.Equal(t, 5, g.OffsetW())
	assert.Equal(t, 256*336, g.PlaneSize())

	src := make([]byte, g.SrcPlaneSize())
	for y := 0; y < g.SrcHeight; y++ {
		for x := 0; x < g.SrcWidth; x++ {
			if y >= 2 && y < 258 && x >= 5 && x < 341 {
				src[y*g.SrcWidth+x] = 1
			}
		}
	}
	dst := make([]byte, g.PlaneSize())
	g.Crop(dst, src)
	for i, p := range dst {
		if p != 1 {
			t.Fatalf("pixel %d outside the centered region", i)
		}
	}
}
