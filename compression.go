package evgrid

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/qri-io/dataset/compression"
)

// CompressionMeta names a compression layer wrapped around a whole
// container file, eg. recording.npz.zst
type CompressionMeta struct {
	ID string `json:"id"`
}

// wrapper extensions and the codec ids they map to
var wrapperExts = map[string]string{
	".zst":  "zst",
	".zstd": "zst",
	".gz":   "gzip",
}

// WrapperCompression reports the outer compression of path, if any, and the
// file name with the wrapper extension removed
func WrapperCompression(path string) (meta *CompressionMeta, inner string) {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	id, ok := wrapperExts[ext]
	if !ok {
		return nil, base
	}
	return &CompressionMeta{ID: id}, strings.TrimSuffix(base, filepath.Ext(base))
}

func (m *CompressionMeta) Decompressor(r io.ReadCloser) (io.ReadCloser, error) {
	return compression.Decompressor(m.ID, r)
}
