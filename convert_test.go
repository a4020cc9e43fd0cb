package evgrid

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func halves(data []byte) []float16.Float16 {
	out := make([]float16.Float16, len(data)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out
}

// groupSamples returns the polarity samples of group g
func (r *recording) groupSamples(g int) [][]byte {
	var out [][]byte
	for i, idx := range r.groups {
		if int(idx) == g {
			out = append(out, r.samples[i])
		}
	}
	return out
}

func testConfig(t *testing.T, input string) Config {
	cfg := DefaultConfig()
	cfg.Input = input
	cfg.Output = filepath.Join(t.TempDir(), "out")
	cfg.ScratchDir = t.TempDir()
	return cfg
}

func TestConvert(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	rec := newRecording(3, DefaultGeometry, 10, spreadGroups(rng, 10, 100))
	input := filepath.Join(t.TempDir(), "rec.npz")
	rec.write(t, input)

	cfg := testConfig(t, input)
	cfg.BatchSize = 4
	cfg.ChunkSize = 7
	cfg.FrameChunkSize = 3
	cfg.MetricsFile = filepath.Join(t.TempDir(), "evgrid.prom")

	m, err := Convert(cfg)
	require.NoError(t, err)
	assertEmptyDir(t, cfg.ScratchDir)

	assert.Equal(t, "rec", m.Source)
	assert.Equal(t, 10, m.Frames)
	assert.Equal(t, 100, m.Samples)
	assert.Zero(t, m.Filled)
	require.Len(t, m.Shards, 3)

	geom := DefaultGeometry
	plane := geom.PlaneSize()
	for b, info := range m.Shards {
		assert.Equal(t, ShardKey("rec", b, FormatNpz), info.Key)
		data, err := os.ReadFile(filepath.Join(cfg.Output, info.Key))
		require.NoError(t, err)
		arrays, err := ReadNpz(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)

		n := 4
		if b == 2 {
			n = 2
		}
		fa, va := arrays[FrameTensor], arrays[VoxelTensor]
		assert.Equal(t, []int{n, 256, 336}, fa.Descriptor.Shape)
		assert.Equal(t, []int{n, 6, 256, 336}, va.Descriptor.Shape)

		grids := halves(va.Data)
		for j := 0; j < n; j++ {
			i := info.First + j
			assert.Equal(t, cropped(geom, rec.frames[i]), fa.Data[j*plane:(j+1)*plane], "frame %d", i)

			// the first and last bins reproduce the first and last samples
			samples := rec.groupSamples(i)
			firstBin := grids[(j*6)*plane : (j*6+1)*plane]
			lastBin := grids[(j*6+5)*plane : (j*6+6)*plane]
			want := cropped(geom, samples[0])
			for p := range want {
				if firstBin[p] != Normalize(want[p]) {
					t.Fatalf("frame %d bin 0 pixel %d: got %v want %v", i, p, firstBin[p], Normalize(want[p]))
				}
			}
			want = cropped(geom, samples[len(samples)-1])
			for p := range want {
				if lastBin[p] != Normalize(want[p]) {
					t.Fatalf("frame %d bin 5 pixel %d: got %v want %v", i, p, lastBin[p], Normalize(want[p]))
				}
			}
		}
	}

	data, err := os.ReadFile(filepath.Join(cfg.Output, ManifestKey("rec")))
	require.NoError(t, err)
	var stored Manifest
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, m.Shards, stored.Shards)
	_, err = uuid.Parse(stored.RunID)
	assert.NoError(t, err)

	prom, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "evgrid_shards_total 3")
	assert.Contains(t, string(prom), "evgrid_polarity_samples_total 100")
}

func TestProcessChunkSizeInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	rec := newRecording(5, smallGeom, 9, spreadGroups(rng, 9, 40))
	path := filepath.Join(t.TempDir(), "rec.npz")
	rec.write(t, path)

	run := func(chunkSize, frameChunkSize int) map[string][]byte {
		a, err := OpenArchive(path, WithScratchDir(t.TempDir()))
		require.NoError(t, err)
		defer a.Close()

		cfg := DefaultConfig()
		cfg.Geometry = smallGeom
		cfg.BatchSize = 4
		cfg.ChunkSize = chunkSize
		cfg.FrameChunkSize = frameChunkSize
		out := NewMemoryStore()
		_, err = Process(a, out, "rec", cfg, nil)
		require.NoError(t, err)

		shards := map[string][]byte{}
		for _, k := range out.Keys() {
			if strings.HasSuffix(k, ".npz") {
				shards[k] = readStored(t, out, k)
			}
		}
		return shards
	}

	want := run(1000, 1000)
	assert.Len(t, want, 3)
	for _, size := range []int{1, 3, 7, 40} {
		assert.Equal(t, want, run(size, 2), "chunk size %d", size)
		assert.Equal(t, want, run(size, size), "chunk size %d, frame chunk size %d", size, size)
	}
	assert.Equal(t, want, run(5, 1), "one frame per read")
}

func TestConvertOverflowWritesNothing(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	rec := newRecording(7, smallGeom, 10, spreadGroups(rng, 10, 30))
	input := filepath.Join(t.TempDir(), "rec.npz")
	rec.write(t, input)

	cfg := testConfig(t, input)
	cfg.Geometry = smallGeom
	cfg.IndexBits = 3

	_, err := Convert(cfg)
	assert.True(t, errors.Is(err, ErrGroupIndexOverflow), "got %v", err)
	assertEmptyDir(t, cfg.Output)
	assertEmptyDir(t, cfg.ScratchDir)
}

func TestConvertGroupErrors(t *testing.T) {
	cases := []struct {
		name   string
		frames int
		groups []uint16
		policy EmptyGroupPolicy
		err    error
	}{
		{"empty group rejected", 3, []uint16{0, 0, 2, 2}, EmptyReject, ErrEmptyGroup},
		{"group past last frame", 3, []uint16{0, 1, 2, 5}, EmptyZero, ErrGroupIndexRange},
		{"unsorted", 3, []uint16{0, 2, 1, 2}, EmptyReject, ErrUnsortedGroups},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := newRecording(8, smallGeom, c.frames, c.groups)
			input := filepath.Join(t.TempDir(), "rec.npz")
			rec.write(t, input)

			cfg := testConfig(t, input)
			cfg.Geometry = smallGeom
			cfg.EmptyGroups = c.policy
			_, err := Convert(cfg)
			assert.True(t, errors.Is(err, c.err), "got %v", err)
			assertEmptyDir(t, cfg.ScratchDir)
		})
	}
}

func TestConvertFillsEmptyGroups(t *testing.T) {
	rec := newRecording(9, smallGeom, 4, []uint16{0, 0, 2, 2, 2})
	input := filepath.Join(t.TempDir(), "rec.npz")
	rec.write(t, input)

	cfg := testConfig(t, input)
	cfg.Geometry = smallGeom
	cfg.EmptyGroups = EmptyZero
	m, err := Convert(cfg)
	require.NoError(t, err)
	// frame 1 has no samples; frame 3 lies past the last group
	assert.Equal(t, 3, m.Frames)
	assert.Equal(t, 1, m.Filled)
	assert.Equal(t, 3, m.Shards[0].Count)
}

func TestConvertInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	_, err := Convert(cfg)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg = testConfig(t, filepath.Join(t.TempDir(), "missing.npz"))
	_, err = Convert(cfg)
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}

func TestValidateGroupIndex(t *testing.T) {
	cases := []struct {
		name      string
		groups    []int
		dt        Dtype
		frames    int
		indexBits int
		count     int
		err       error
	}{
		{"ok", []int{0, 0, 1, 2}, DtypeUint16, 3, 16, 3, nil},
		{"trailing frames dropped", []int{0, 1}, DtypeUint16, 5, 16, 2, nil},
		{"no samples", []int{}, DtypeUint16, 5, 16, 0, nil},
		{"decreasing", []int{0, 2, 1}, DtypeUint16, 3, 16, 0, ErrUnsortedGroups},
		{"negative", []int{-1, 0}, Dtype{BOLittleEndian, BTInteger, 2}, 3, 16, 0, ErrGroupIndexRange},
		{"past frames", []int{0, 3}, DtypeUint16, 3, 16, 0, ErrGroupIndexRange},
		{"frames past index width", []int{0, 1}, DtypeUint16, 9, 3, 0, ErrGroupIndexOverflow},
		{"frames past dtype", []int{0, 1}, DtypeUint8, 257, 16, 0, ErrGroupIndexOverflow},
		{"exact dtype fit", []int{0, 255}, DtypeUint8, 256, 16, 256, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			count, err := ValidateGroupIndex(c.groups, c.dt, len(c.groups), c.frames, c.indexBits)
			if c.err != nil {
				assert.True(t, errors.Is(err, c.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.count, count)
		})
	}

	_, err := ValidateGroupIndex([]int{0, 1}, DtypeUint16, 3, 2, 16)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}
