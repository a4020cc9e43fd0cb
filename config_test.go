package evgrid

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evgrid.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
input = "/data/rec.npz.zst"
output = "/data/shards"
num_bins = 10
batch_size = 32
frame_chunk_size = 8
empty_groups = "carry"
format = "arrow"
compress = true

[arrays]
groups = "event_groups"

[geometry]
src_height = 8
src_width = 8
height = 4
width = 6

[log]
logfile = "/var/log/evgrid.log"
max_log_size = 50
debug = true
`)

	cfg := DefaultConfig()
	require.NoError(t, LoadConfig(path, &cfg))

	want := DefaultConfig()
	want.Input = "/data/rec.npz.zst"
	want.Output = "/data/shards"
	want.Bins = 10
	want.BatchSize = 32
	want.FrameChunkSize = 8
	want.EmptyGroups = EmptyCarry
	want.Format = FormatArrow
	want.Compress = true
	want.Arrays.Groups = "event_groups"
	want.Geometry = Geometry{SrcHeight: 8, SrcWidth: 8, Height: 4, Width: 6}
	want.Log = LogConfig{Logfile: "/var/log/evgrid.log", MaxSize: 50, Debug: true}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigErrors(t *testing.T) {
	cfg := DefaultConfig()
	err := LoadConfig(writeConfig(t, "num_bin = 4\n"), &cfg)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "num_bin")

	err = LoadConfig(writeConfig(t, "num_bins = \"six\"\n"), &cfg)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	err = LoadConfig(filepath.Join(t.TempDir(), "none.toml"), &cfg)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestConfigValidate(t *testing.T) {
	base := DefaultConfig()
	base.Input, base.Output = "in.npz", "out"
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"no input":      func(c *Config) { c.Input = "" },
		"no output":     func(c *Config) { c.Output = "" },
		"zero bins":     func(c *Config) { c.Bins = 0 },
		"zero batch":    func(c *Config) { c.BatchSize = 0 },
		"zero chunk":    func(c *Config) { c.ChunkSize = 0 },
		"frame chunk":   func(c *Config) { c.FrameChunkSize = 0 },
		"index bits":    func(c *Config) { c.IndexBits = 63 },
		"policy":        func(c *Config) { c.EmptyGroups = "drop" },
		"format":        func(c *Config) { c.Format = "zarr" },
		"array names":   func(c *Config) { c.Arrays.Samples = "" },
		"odd crop":      func(c *Config) { c.Geometry.Height = 255 },
		"crop too wide": func(c *Config) { c.Geometry.Width = 400 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.True(t, errors.Is(c.Validate(), ErrInvalidConfig))
		})
	}
}
