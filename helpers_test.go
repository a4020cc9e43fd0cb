package evgrid

import (
	"encoding/binary"
	"math/rand"
	"os"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// smallGeom keeps unit tests cheap: 4x6 planes cropped to 2x2
var smallGeom = Geometry{SrcHeight: 4, SrcWidth: 6, Height: 2, Width: 2}

// recording is an in-memory event recording used to build fixtures
type recording struct {
	geom    Geometry
	frames  [][]byte
	samples [][]byte
	groups  []uint16
}

func randomPlanes(rng *rand.Rand, n, size int) [][]byte {
	planes := make([][]byte, n)
	for i := range planes {
		planes[i] = make([]byte, size)
		rng.Read(planes[i])
	}
	return planes
}

// spreadGroups assigns nSamples samples to nFrames frames in
// non-decreasing order, giving every frame at least one sample and some
// frames several
func spreadGroups(rng *rand.Rand, nFrames, nSamples int) []uint16 {
	groups := make([]uint16, nSamples)
	for i := 0; i < nFrames; i++ {
		groups[i] = uint16(i)
	}
	for i := nFrames; i < nSamples; i++ {
		groups[i] = uint16(rng.Intn(nFrames))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return groups
}

func newRecording(seed int64, geom Geometry, nFrames int, groups []uint16) *recording {
	rng := rand.New(rand.NewSource(seed))
	return &recording{
		geom:    geom,
		frames:  randomPlanes(rng, nFrames, geom.SrcPlaneSize()),
		samples: randomPlanes(rng, len(groups), geom.SrcPlaneSize()),
		groups:  groups,
	}
}

func planesArray(name string, geom Geometry, planes [][]byte) *Array {
	data := make([]byte, 0, len(planes)*geom.SrcPlaneSize())
	for _, p := range planes {
		data = append(data, p...)
	}
	return &Array{
		Descriptor: ArrayDescriptor{Name: name, Dtype: DtypeUint8, Shape: []int{len(planes), geom.SrcHeight, geom.SrcWidth}},
		Data:       data,
	}
}

func groupsArray(name string, groups []uint16) *Array {
	data := make([]byte, 2*len(groups))
	for i, g := range groups {
		binary.LittleEndian.PutUint16(data[2*i:], g)
	}
	return &Array{
		Descriptor: ArrayDescriptor{Name: name, Dtype: DtypeUint16, Shape: []int{len(groups)}},
		Data:       data,
	}
}

// write stores the recording as an .npz container at path
func (r *recording) write(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, WriteNpz(f,
		planesArray("frame_data", r.geom, r.frames),
		planesArray("polarity_data", r.geom, r.samples),
		groupsArray("polarity_groups", r.groups),
	))
}

func (r *recording) groupInts() []int {
	out := make([]int, len(r.groups))
	for i, g := range r.groups {
		out[i] = int(g)
	}
	return out
}

// chunkOf wraps planes as a sample chunk starting at row start
func chunkOf(geom Geometry, start int, planes [][]byte) *Chunk {
	data := make([]byte, 0, len(planes)*geom.SrcPlaneSize())
	for _, p := range planes {
		data = append(data, p...)
	}
	return &Chunk{
		Start: start,
		Rows:  len(planes),
		Shape: []int{len(planes), geom.SrcHeight, geom.SrcWidth},
		Dtype: DtypeUint8,
		Data:  data,
	}
}

// cropped returns the cropped copy of a source plane
func cropped(geom Geometry, src []byte) []byte {
	dst := make([]byte, geom.PlaneSize())
	geom.Crop(dst, src)
	return dst
}
