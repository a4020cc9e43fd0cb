package evgrid

import (
	"fmt"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// EmptyGroupPolicy decides what a frame with no polarity samples gets
type EmptyGroupPolicy string

const (
	// EmptyReject fails the run with ErrEmptyGroup
	EmptyReject EmptyGroupPolicy = "reject"
	// EmptyZero emits an all-zero grid. Zero is (127.5-127.5)/127.5, the
	// neutral mid-gray of the normalized domain.
	EmptyZero EmptyGroupPolicy = "zero"
	// EmptyCarry repeats the previous frame's grid, or zeros for frame 0
	EmptyCarry EmptyGroupPolicy = "carry"
)

func ParseEmptyGroupPolicy(s string) (EmptyGroupPolicy, error) {
	switch p := EmptyGroupPolicy(s); p {
	case EmptyReject, EmptyZero, EmptyCarry:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown empty group policy %q", ErrInvalidConfig, s)
}

// VoxelGrid is the temporal summary of one frame's polarity samples:
// Bins cropped planes of normalized intensity, stored as float16
type VoxelGrid struct {
	Index  int
	Bins   int
	Height int
	Width  int
	// Samples is the size of the group the grid was resampled from; zero
	// for grids filled in by the empty group policy
	Samples int
	Data    []float16.Float16
}

// Plane returns bin b
func (v *VoxelGrid) Plane(b int) []float16.Float16 {
	n := v.Height * v.Width
	return v.Data[b*n : (b+1)*n]
}

// normalized maps an unsigned byte intensity onto [-1, 1]
var normalized [256]float64

func init() {
	for i := range normalized {
		normalized[i] = (float64(i) - 127.5) / 127.5
	}
}

// Normalize returns the float16 a single byte sample is stored as when it
// passes through a grid unchanged
func Normalize(v byte) float16.Float16 {
	return float16.Fromfloat32(float32(normalized[v]))
}

// GridHandler receives grids in frame index order
type GridHandler func(*VoxelGrid) error

// VoxelStats counts what a Voxelizer has seen
type VoxelStats struct {
	Samples      int
	Groups       int
	EmptyGroups  int
	MaxGroupSize int
}

// Voxelizer turns a stream of polarity samples tagged with non-decreasing
// group indexes into one VoxelGrid per group. Samples are pushed chunk by
// chunk; the samples of the group in flight are held in an accumulator
// until a sample with a greater index arrives or the stream is closed, so
// a group split across chunks is resampled exactly as if it had arrived
// whole.
type Voxelizer struct {
	bins    int
	geom    Geometry
	policy  EmptyGroupPolicy
	emit    GridHandler
	targets []float64

	next int
	acc  accumulator
	prev *VoxelGrid

	lo, hi, out []float64
	stats       VoxelStats
}

// accumulator holds the cropped samples of the open group. Sample buffers
// are kept between groups and reused.
type accumulator struct {
	open    bool
	group   int
	n       int
	samples [][]byte
}

func (a *accumulator) reset(group int) {
	a.open = true
	a.group = group
	a.n = 0
}

func (a *accumulator) add(geom Geometry, src []byte) {
	if a.n == len(a.samples) {
		a.samples = append(a.samples, make([]byte, geom.PlaneSize()))
	}
	geom.Crop(a.samples[a.n], src)
	a.n++
}

func NewVoxelizer(bins int, geom Geometry, policy EmptyGroupPolicy, emit GridHandler) (*Voxelizer, error) {
	if bins < 1 {
		return nil, fmt.Errorf("%w: need at least one bin, got %d", ErrInvalidConfig, bins)
	}
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseEmptyGroupPolicy(string(policy)); err != nil {
		return nil, err
	}

	n := geom.PlaneSize()
	return &Voxelizer{
		bins:    bins,
		geom:    geom,
		policy:  policy,
		emit:    emit,
		targets: linspace(bins),
		lo:      make([]float64, n),
		hi:      make([]float64, n),
		out:     make([]float64, n),
	}, nil
}

// Push feeds one chunk of polarity samples; groups holds the group index of
// each row of c
func (v *Voxelizer) Push(c *Chunk, groups []int) error {
	if len(groups) != c.Rows {
		return fmt.Errorf("%w: %d group indexes for %d samples", ErrShapeMismatch, len(groups), c.Rows)
	}
	if len(c.Shape) != 3 || c.Shape[1] != v.geom.SrcHeight || c.Shape[2] != v.geom.SrcWidth || c.Dtype.ByteSize != 1 {
		return fmt.Errorf("%w: sample chunk %s %s, want (N, %d, %d) %s", ErrShapeMismatch, c.Dtype, formatShape(c.Shape), v.geom.SrcHeight, v.geom.SrcWidth, DtypeUint8)
	}
	if c.Rows > 0 {
		Debugf("Groups %d - %d, offset %d - %d", groups[0], groups[len(groups)-1], c.Start, c.Start+c.Rows)
	}

	for i, g := range groups {
		if g < 0 {
			return fmt.Errorf("%w: sample %d has group %d", ErrGroupIndexRange, c.Start+i, g)
		}
		if v.acc.open {
			if g < v.acc.group {
				return fmt.Errorf("%w: sample %d has group %d after %d", ErrUnsortedGroups, c.Start+i, g, v.acc.group)
			}
			if g > v.acc.group {
				if err := v.flush(); err != nil {
					return err
				}
			}
		}
		if !v.acc.open {
			if g < v.next {
				return fmt.Errorf("%w: sample %d has group %d after %d", ErrUnsortedGroups, c.Start+i, g, v.next-1)
			}
			if err := v.fill(g); err != nil {
				return err
			}
			v.acc.reset(g)
		}
		v.acc.add(v.geom, c.Row(i))
		v.stats.Samples++
	}
	return nil
}

// Close resamples the group still open and emits grids for any frames
// after it, up to frameCount, under the empty group policy
func (v *Voxelizer) Close(frameCount int) error {
	if v.acc.open {
		if err := v.flush(); err != nil {
			return err
		}
	}
	if v.next > frameCount {
		return fmt.Errorf("%w: group %d seen with %d frames", ErrGroupIndexRange, v.next-1, frameCount)
	}
	return v.fill(frameCount)
}

func (v *Voxelizer) Stats() VoxelStats { return v.stats }

// flush resamples and emits the open group
func (v *Voxelizer) flush() error {
	grid := v.resample(v.acc.group, v.acc.samples[:v.acc.n])
	v.acc.open = false
	v.stats.Groups++
	if grid.Samples > v.stats.MaxGroupSize {
		v.stats.MaxGroupSize = grid.Samples
	}
	return v.send(grid)
}

// fill emits grids for the empty groups before upto
func (v *Voxelizer) fill(upto int) error {
	for v.next < upto {
		var grid *VoxelGrid
		switch v.policy {
		case EmptyReject:
			return fmt.Errorf("%w: frame %d has no polarity samples", ErrEmptyGroup, v.next)
		case EmptyCarry:
			grid = v.newGrid(v.next, 0)
			if v.prev != nil {
				copy(grid.Data, v.prev.Data)
			}
		default:
			grid = v.newGrid(v.next, 0)
		}
		Debugf("Filling empty group %d (%s)", v.next, v.policy)
		v.stats.EmptyGroups++
		if err := v.send(grid); err != nil {
			return err
		}
	}
	return nil
}

func (v *Voxelizer) send(grid *VoxelGrid) error {
	v.prev = grid
	v.next = grid.Index + 1
	if v.emit == nil {
		return nil
	}
	return v.emit(grid)
}

func (v *Voxelizer) newGrid(index, samples int) *VoxelGrid {
	return &VoxelGrid{
		Index:   index,
		Bins:    v.bins,
		Height:  v.geom.Height,
		Width:   v.geom.Width,
		Samples: samples,
		Data:    make([]float16.Float16, v.bins*v.geom.PlaneSize()),
	}
}

// resample interpolates k cropped samples, spaced evenly over [0, 1], at
// the grid's bin times. A single sample is copied into every bin.
func (v *Voxelizer) resample(index int, samples [][]byte) *VoxelGrid {
	k := len(samples)
	grid := v.newGrid(index, k)

	if k == 1 {
		first := grid.Plane(0)
		for i, p := range samples[0] {
			first[i] = Normalize(p)
		}
		for b := 1; b < v.bins; b++ {
			copy(grid.Plane(b), first)
		}
		return grid
	}

	src := linspace(k)
	for b, t := range v.targets {
		// segment j holds t in [src[j], src[j+1]); the last target lands
		// on the final sample
		j := floats.Within(src, t)
		w := 1.0
		if j < 0 {
			j = k - 2
		} else {
			w = (t - src[j]) / (src[j+1] - src[j])
		}

		toFloats(v.lo, samples[j])
		toFloats(v.hi, samples[j+1])
		floats.ScaleTo(v.out, 1-w, v.lo)
		floats.AddScaled(v.out, w, v.hi)

		plane := grid.Plane(b)
		for i, x := range v.out {
			plane[i] = float16.Fromfloat32(float32(x))
		}
	}
	return grid
}

// linspace returns n evenly spaced times over [0, 1] with both ends exact
func linspace(n int) []float64 {
	if n == 1 {
		return []float64{0}
	}
	s := floats.Span(make([]float64, n), 0, 1)
	s[0], s[n-1] = 0, 1
	return s
}

func toFloats(dst []float64, src []byte) {
	for i, p := range src {
		dst[i] = normalized[p]
	}
}
