package evgrid

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// tensor names inside every shard
const (
	FrameTensor = "frame_data"
	VoxelTensor = "polarity_data"
)

// ShardFormat selects the container shards are written in
type ShardFormat string

const (
	// FormatNpz writes NumPy .npz archives
	FormatNpz ShardFormat = "npz"
	// FormatArrow writes Arrow IPC streams with one record batch
	FormatArrow ShardFormat = "arrow"
)

func ParseShardFormat(s string) (ShardFormat, error) {
	switch f := ShardFormat(s); f {
	case FormatNpz, FormatArrow:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown shard format %q", ErrInvalidConfig, s)
}

// ShardInfo describes a written shard
type ShardInfo struct {
	Key   string `json:"key"`
	Batch int    `json:"batch"`
	First int    `json:"first_frame"`
	Count int    `json:"count"`
	Bytes int64  `json:"bytes"`
}

// Shard is one batch of aligned frames and grids
type Shard struct {
	Batch  int
	Source string
	Bins   int
	Geom   Geometry
	Frames []*Frame
	Grids  []*VoxelGrid
}

// shardEncoder serializes a shard to w
type shardEncoder func(w io.Writer, s *Shard, compress bool) error

var shardEncoders = map[ShardFormat]shardEncoder{
	FormatNpz:   writeNpzShard,
	FormatArrow: writeArrowShard,
}

// BatchOptions configures a BatchWriter
type BatchOptions struct {
	BatchSize int
	Bins      int
	Geom      Geometry
	Format    ShardFormat
	Compress  bool
	// OnShard, when set, is called after every shard is stored
	OnShard func(ShardInfo)
}

// BatchWriter cuts the frame-ordered stream of (Frame, VoxelGrid) pairs
// into shards of BatchSize pairs and stores each shard as soon as it is
// full. At most one batch is held in memory.
type BatchWriter struct {
	store  Store
	source string
	opts   BatchOptions
	encode shardEncoder

	frames []*Frame
	grids  []*VoxelGrid
	next   int
	batch  int
	shards []ShardInfo
}

func NewBatchWriter(store Store, source string, opts BatchOptions) (*BatchWriter, error) {
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, opts.BatchSize)
	}
	if opts.Bins < 1 {
		return nil, fmt.Errorf("%w: need at least one bin, got %d", ErrInvalidConfig, opts.Bins)
	}
	if opts.Format == "" {
		opts.Format = FormatNpz
	}
	enc, ok := shardEncoders[opts.Format]
	if !ok {
		return nil, fmt.Errorf("%w: unknown shard format %q", ErrInvalidConfig, opts.Format)
	}
	return &BatchWriter{
		store:  store,
		source: source,
		opts:   opts,
		encode: enc,
		frames: make([]*Frame, 0, opts.BatchSize),
		grids:  make([]*VoxelGrid, 0, opts.BatchSize),
	}, nil
}

// Add appends the next pair. Pairs must arrive in frame index order and the
// frame and grid must share an index.
func (w *BatchWriter) Add(f *Frame, g *VoxelGrid) error {
	if f.Index != g.Index || f.Index != w.next {
		return fmt.Errorf("%w: got frame %d and grid %d, expected %d", ErrShapeMismatch, f.Index, g.Index, w.next)
	}
	if g.Bins != w.opts.Bins || g.Height != w.opts.Geom.Height || g.Width != w.opts.Geom.Width {
		return fmt.Errorf("%w: grid %d is %dx%dx%d", ErrShapeMismatch, g.Index, g.Bins, g.Height, g.Width)
	}
	w.frames = append(w.frames, f)
	w.grids = append(w.grids, g)
	w.next++
	if len(w.frames) == w.opts.BatchSize {
		return w.Flush()
	}
	return nil
}

// Flush stores the pending pairs as a shard, if there are any
func (w *BatchWriter) Flush() error {
	if len(w.frames) == 0 {
		return nil
	}
	s := &Shard{
		Batch:  w.batch,
		Source: w.source,
		Bins:   w.opts.Bins,
		Geom:   w.opts.Geom,
		Frames: w.frames,
		Grids:  w.grids,
	}
	key := ShardKey(w.source, w.batch, w.opts.Format)

	wc, err := w.store.Create(key)
	if err != nil {
		return fmt.Errorf("creating shard %s: %w", key, err)
	}
	cw := &countingWriter{w: wc}
	if err := w.encode(cw, s, w.opts.Compress); err != nil {
		Abort(wc)
		return fmt.Errorf("writing shard %s: %w", key, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("closing shard %s: %w", key, err)
	}

	info := ShardInfo{
		Key:   key,
		Batch: w.batch,
		First: w.frames[0].Index,
		Count: len(w.frames),
		Bytes: cw.n,
	}
	Debugf("Wrote shard %s: frames %d - %d", key, info.First, info.First+info.Count-1)
	w.shards = append(w.shards, info)
	if w.opts.OnShard != nil {
		w.opts.OnShard(info)
	}

	w.batch++
	// drop references so the batch can be collected
	for i := range w.frames {
		w.frames[i], w.grids[i] = nil, nil
	}
	w.frames, w.grids = w.frames[:0], w.grids[:0]
	return nil
}

// Close stores the final, possibly short, shard
func (w *BatchWriter) Close() error {
	return w.Flush()
}

// Shards lists the shards stored so far
func (w *BatchWriter) Shards() []ShardInfo { return w.shards }

// Written is the number of pairs added so far
func (w *BatchWriter) Written() int { return w.next }

// ShardKey names shard batch of source: <source>_<NNNN>.<format>
func ShardKey(source string, batch int, format ShardFormat) string {
	return fmt.Sprintf("%s_%04d.%s", source, batch, format)
}

// SourceID is the base identifier of a recording: its file name with
// container and compression extensions removed
func SourceID(path string) string {
	_, base := WrapperCompression(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
