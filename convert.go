package evgrid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Manifest records what a conversion run wrote. It is stored next to the
// shards as <source>_manifest.json.
type Manifest struct {
	RunID       string           `json:"run_id"`
	Source      string           `json:"source"`
	Created     time.Time        `json:"created"`
	Bins        int              `json:"num_bins"`
	BatchSize   int              `json:"batch_size"`
	Format      ShardFormat      `json:"format"`
	EmptyGroups EmptyGroupPolicy `json:"empty_groups"`
	Frames      int              `json:"frames"`
	Samples     int              `json:"samples"`
	Filled      int              `json:"filled_groups"`
	Shards      []ShardInfo      `json:"shards"`
}

// ManifestKey is the store key of the manifest for source
func ManifestKey(source string) string {
	return source + "_manifest.json"
}

// Convert runs the whole conversion described by cfg: it opens the input
// container, validates its group index, and writes shards into the output
// directory. The extracted container is removed before Convert returns.
func Convert(cfg Config) (m *Manifest, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	Debugf("Input file: %s", cfg.Input)
	Debugf("Output dir: %s", cfg.Output)
	Debugf("Number of bins: %d", cfg.Bins)
	Debugf("Chunk size: %d (frames %d)", cfg.ChunkSize, cfg.FrameChunkSize)

	a, err := OpenArchive(cfg.Input, WithScratchDir(cfg.ScratchDir))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	out, err := NewLocalStore(cfg.Output)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	m, err = Process(a, out, SourceID(cfg.Input), cfg, metrics)
	if err != nil {
		return nil, err
	}
	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			return m, fmt.Errorf("writing metrics: %w", err)
		}
	}
	return m, nil
}

// Process converts an open archive, writing shards and the manifest for
// source into out. metrics may be nil.
func Process(a *Archive, out Store, source string, cfg Config, metrics *Metrics) (*Manifest, error) {
	geom := cfg.Geometry
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	fd, err := a.Descriptor(cfg.Arrays.Frames)
	if err != nil {
		return nil, err
	}
	if err := geom.CheckPlanes(fd); err != nil {
		return nil, err
	}
	sd, err := a.Descriptor(cfg.Arrays.Samples)
	if err != nil {
		return nil, err
	}
	if err := geom.CheckPlanes(sd); err != nil {
		return nil, err
	}

	ga, err := a.GetArray(cfg.Arrays.Groups)
	if err != nil {
		return nil, err
	}
	if len(ga.Descriptor.Shape) != 1 {
		return nil, fmt.Errorf("%w: %s has shape %s, want (N,)", ErrShapeMismatch, ga.Descriptor.Name, formatShape(ga.Descriptor.Shape))
	}
	groups, err := ga.Ints()
	if err != nil {
		return nil, err
	}
	frameCount, err := ValidateGroupIndex(groups, ga.Descriptor.Dtype, sd.Len(), fd.Len(), cfg.IndexBits)
	if err != nil {
		return nil, err
	}
	Infof("Found %d frames in the input file.", frameCount)
	Infof("Found %d polarities in the input file.", len(groups))

	frames, err := a.ChunkIterator(cfg.Arrays.Frames, cfg.FrameChunkSize, nil)
	if err != nil {
		return nil, err
	}
	defer frames.Close()
	trimmer, err := NewFrameTrimmer(frames, geom)
	if err != nil {
		return nil, err
	}
	samples, err := a.ChunkIterator(cfg.Arrays.Samples, cfg.ChunkSize, nil)
	if err != nil {
		return nil, err
	}
	defer samples.Close()

	opts := BatchOptions{
		BatchSize: cfg.BatchSize,
		Bins:      cfg.Bins,
		Geom:      geom,
		Format:    cfg.Format,
		Compress:  cfg.Compress,
	}
	if metrics != nil {
		opts.OnShard = metrics.observeShard
	}
	writer, err := NewBatchWriter(out, source, opts)
	if err != nil {
		return nil, err
	}

	vox, err := NewVoxelizer(cfg.Bins, geom, cfg.EmptyGroups, func(g *VoxelGrid) error {
		f, err := trimmer.Next()
		if err != nil {
			return fmt.Errorf("frame %d: %w", g.Index, err)
		}
		if metrics != nil {
			metrics.observeGrid(g)
		}
		return writer.Add(f, g)
	})
	if err != nil {
		return nil, err
	}

	n := 0
	for samples.Next() {
		c := samples.Chunk()
		n++
		Infof("Processing polarities - chunk %3d. - polarities: %10d (frames %d - %d)",
			n, c.Rows, groups[c.Start], groups[c.Start+c.Rows-1])
		if err := vox.Push(c, groups[c.Start:c.Start+c.Rows]); err != nil {
			return nil, err
		}
	}
	if err := samples.Err(); err != nil {
		return nil, err
	}
	if err := vox.Close(frameCount); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	stats := vox.Stats()
	m := &Manifest{
		RunID:       uuid.New().String(),
		Source:      source,
		Created:     time.Now().UTC(),
		Bins:        cfg.Bins,
		BatchSize:   cfg.BatchSize,
		Format:      cfg.Format,
		EmptyGroups: cfg.EmptyGroups,
		Frames:      writer.Written(),
		Samples:     stats.Samples,
		Filled:      stats.EmptyGroups,
		Shards:      writer.Shards(),
	}
	var total int64
	for _, s := range m.Shards {
		total += s.Bytes
	}
	Infof("Saved %d frames to %d shards (%s), largest group %d samples, %d empty groups filled",
		m.Frames, len(m.Shards), humanize.Bytes(uint64(total)), stats.MaxGroupSize, stats.EmptyGroups)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := out.Put(ManifestKey(source), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	return m, nil
}

// ValidateGroupIndex checks a group index before anything is written and
// returns the number of frames it describes, max(groups)+1. The index must
// have one entry per polarity sample, never decrease, and stay below the
// frame count; the frame count must fit both the stored dtype and the
// configured index width.
func ValidateGroupIndex(groups []int, dt Dtype, samples, frames, indexBits int) (int, error) {
	if len(groups) != samples {
		return 0, fmt.Errorf("%w: %d group indexes for %d polarity samples", ErrShapeMismatch, len(groups), samples)
	}

	limit := uint64(1) << uint(indexBits)
	if dt.BasicType == BTUnsigned && dt.MaxUint() < limit-1 {
		limit = dt.MaxUint() + 1
	}
	if uint64(frames) > limit {
		return 0, fmt.Errorf("%w: %d frames cannot be addressed by a %d bit %s index", ErrGroupIndexOverflow, frames, indexBits, dt)
	}
	if len(groups) == 0 {
		Warningf("No polarity samples; no frames will be written")
		return 0, nil
	}

	prev := 0
	for i, g := range groups {
		if g < 0 {
			return 0, fmt.Errorf("%w: sample %d has group %d", ErrGroupIndexRange, i, g)
		}
		if g < prev {
			return 0, fmt.Errorf("%w: sample %d has group %d after %d", ErrUnsortedGroups, i, g, prev)
		}
		prev = g
	}

	count := prev + 1
	if uint64(count) > limit {
		return 0, fmt.Errorf("%w: %d frames exceed the %d bit index width", ErrGroupIndexOverflow, count, indexBits)
	}
	if count > frames {
		return 0, fmt.Errorf("%w: group %d but only %d frames", ErrGroupIndexRange, prev, frames)
	}
	if count < frames {
		Warningf("Group index covers %d of %d frames; trailing frames are not written", count, frames)
	}
	return count, nil
}
