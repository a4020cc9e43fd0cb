package evgrid

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// arrow shard metadata keys
const (
	metaBatch  = "batch"
	metaSource = "source"
	metaFirst  = "first_frame"
	metaDtype  = "dtype"
	metaShape  = "shape"
)

var arrowAllocator memory.Allocator = memory.DefaultAllocator

// ShardSchema is the Arrow schema of a shard. Each row is one frame: the
// cropped frame bytes and the raw little-endian float16 grid, both as
// fixed size binary values with their numpy dtype and per-row shape in the
// field metadata.
func ShardSchema(s *Shard) *arrow.Schema {
	h, w := s.Geom.Height, s.Geom.Width
	first := 0
	if len(s.Frames) > 0 {
		first = s.Frames[0].Index
	}
	md := arrow.NewMetadata(
		[]string{metaBatch, metaSource, metaFirst},
		[]string{fmt.Sprintf("%04d", s.Batch), s.Source, strconv.Itoa(first)},
	)
	fields := []arrow.Field{
		{
			Name: FrameTensor,
			Type: &arrow.FixedSizeBinaryType{ByteWidth: h * w},
			Metadata: arrow.NewMetadata(
				[]string{metaDtype, metaShape},
				[]string{DtypeUint8.String(), formatShape([]int{h, w})},
			),
		},
		{
			Name: VoxelTensor,
			Type: &arrow.FixedSizeBinaryType{ByteWidth: 2 * s.Bins * h * w},
			Metadata: arrow.NewMetadata(
				[]string{metaDtype, metaShape},
				[]string{DtypeFloat16.String(), formatShape([]int{s.Bins, h, w})},
			),
		},
	}
	return arrow.NewSchema(fields, &md)
}

func writeArrowShard(w io.Writer, s *Shard, compress bool) error {
	schema := ShardSchema(s)

	fb := array.NewFixedSizeBinaryBuilder(arrowAllocator, schema.Field(0).Type.(*arrow.FixedSizeBinaryType))
	defer fb.Release()
	vb := array.NewFixedSizeBinaryBuilder(arrowAllocator, schema.Field(1).Type.(*arrow.FixedSizeBinaryType))
	defer vb.Release()

	fb.Reserve(len(s.Frames))
	vb.Reserve(len(s.Grids))
	var buf []byte
	for i, f := range s.Frames {
		fb.Append(f.Data)
		buf = halfBytes(buf, s.Grids[i].Data)
		vb.Append(buf)
	}

	frames := fb.NewArray()
	defer frames.Release()
	grids := vb.NewArray()
	defer grids.Release()

	rec := array.NewRecord(schema, []arrow.Array{frames, grids}, int64(len(s.Frames)))
	defer rec.Release()

	opts := []ipc.Option{ipc.WithSchema(schema), ipc.WithAllocator(arrowAllocator)}
	if compress {
		opts = append(opts, ipc.WithZstd())
	}
	writer := ipc.NewWriter(w, opts...)
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}
