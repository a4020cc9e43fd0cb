package evgrid

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// ArrayNames are the entries of a recording container the converter reads
type ArrayNames struct {
	Frames  string `toml:"frames"`
	Samples string `toml:"samples"`
	Groups  string `toml:"groups"`
}

// Config is everything a conversion run needs. It can be loaded from a TOML
// file; command line flags override file values.
type Config struct {
	Input  string `toml:"input"`
	Output string `toml:"output"`

	Bins      int `toml:"num_bins"`
	BatchSize int `toml:"batch_size"`
	ChunkSize int `toml:"chunk_size"`
	// FrameChunkSize is the read chunk of the frame stream, which is
	// consumed one frame per group and needs far less than ChunkSize
	FrameChunkSize int `toml:"frame_chunk_size"`
	// IndexBits is the width of the group index; frame counts past
	// 2^IndexBits are rejected
	IndexBits   int              `toml:"index_bits"`
	EmptyGroups EmptyGroupPolicy `toml:"empty_groups"`

	Format   ShardFormat `toml:"format"`
	Compress bool        `toml:"compress"`

	ScratchDir  string `toml:"scratch_dir"`
	MetricsFile string `toml:"metrics_file"`

	Arrays   ArrayNames `toml:"arrays"`
	Geometry Geometry   `toml:"geometry"`
	Log      LogConfig  `toml:"log"`
}

const (
	DefaultBins           = 6
	DefaultBatchSize      = 128
	DefaultChunkSize      = 8192
	DefaultFrameChunkSize = 64
	DefaultIndexBits      = 16
)

func DefaultConfig() Config {
	return Config{
		Bins:           DefaultBins,
		BatchSize:      DefaultBatchSize,
		ChunkSize:      DefaultChunkSize,
		FrameChunkSize: DefaultFrameChunkSize,
		IndexBits:      DefaultIndexBits,
		EmptyGroups:    EmptyReject,
		Format:         FormatNpz,
		Arrays: ArrayNames{
			Frames:  "frame_data",
			Samples: "polarity_data",
			Groups:  "polarity_groups",
		},
		Geometry: DefaultGeometry,
	}
}

// LoadConfig decodes the TOML file at path over c. Keys the file sets that
// Config does not know are an error.
func LoadConfig(path string, c *Config) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%w: %s: unknown keys %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	return nil
}

func (c Config) Validate() error {
	if c.Input == "" {
		return fmt.Errorf("%w: input path is required", ErrInvalidConfig)
	}
	if c.Output == "" {
		return fmt.Errorf("%w: output directory is required", ErrInvalidConfig)
	}
	if c.Bins < 1 {
		return fmt.Errorf("%w: num_bins must be at least 1, got %d", ErrInvalidConfig, c.Bins)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be at least 1, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be at least 1, got %d", ErrInvalidConfig, c.ChunkSize)
	}
	if c.FrameChunkSize < 1 {
		return fmt.Errorf("%w: frame_chunk_size must be at least 1, got %d", ErrInvalidConfig, c.FrameChunkSize)
	}
	if c.IndexBits < 1 || c.IndexBits > 62 {
		return fmt.Errorf("%w: index_bits must be within [1, 62], got %d", ErrInvalidConfig, c.IndexBits)
	}
	if _, err := ParseEmptyGroupPolicy(string(c.EmptyGroups)); err != nil {
		return err
	}
	if _, err := ParseShardFormat(string(c.Format)); err != nil {
		return err
	}
	if c.Arrays.Frames == "" || c.Arrays.Samples == "" || c.Arrays.Groups == "" {
		return fmt.Errorf("%w: array names must not be empty", ErrInvalidConfig)
	}
	return c.Geometry.Validate()
}
