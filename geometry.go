package evgrid

import "fmt"

// Geometry is the symmetric crop applied to both the frame and the polarity
// streams: a SrcHeight x SrcWidth plane is cut down to its centered
// Height x Width region.
type Geometry struct {
	SrcHeight int `toml:"src_height"`
	SrcWidth  int `toml:"src_width"`
	Height    int `toml:"height"`
	Width     int `toml:"width"`
}

// DefaultGeometry crops 260x346 sensor planes to 256x336, removing 2 rows
// and 5 columns from each side
var DefaultGeometry = Geometry{
	SrcHeight: 260,
	SrcWidth:  346,
	Height:    256,
	Width:     336,
}

func (g Geometry) OffsetH() int { return (g.SrcHeight - g.Height) / 2 }
func (g Geometry) OffsetW() int { return (g.SrcWidth - g.Width) / 2 }

// PlaneSize is the number of pixels in a cropped plane
func (g Geometry) PlaneSize() int { return g.Height * g.Width }

// SrcPlaneSize is the number of pixels in an uncropped plane
func (g Geometry) SrcPlaneSize() int { return g.SrcHeight * g.SrcWidth }

func (g Geometry) Validate() error {
	if g.Height <= 0 || g.Width <= 0 || g.Height > g.SrcHeight || g.Width > g.SrcWidth {
		return fmt.Errorf("%w: cannot crop %dx%d to %dx%d", ErrInvalidConfig, g.SrcHeight, g.SrcWidth, g.Height, g.Width)
	}
	if (g.SrcHeight-g.Height)%2 != 0 || (g.SrcWidth-g.Width)%2 != 0 {
		return fmt.Errorf("%w: crop %dx%d to %dx%d is not symmetric", ErrInvalidConfig, g.SrcHeight, g.SrcWidth, g.Height, g.Width)
	}
	return nil
}

// CheckPlanes confirms d is a stack of single byte source planes
func (g Geometry) CheckPlanes(d ArrayDescriptor) error {
	if len(d.Shape) != 3 || d.Shape[1] != g.SrcHeight || d.Shape[2] != g.SrcWidth {
		return fmt.Errorf("%w: %s has shape %s, want (N, %d, %d)", ErrShapeMismatch, d.Name, formatShape(d.Shape), g.SrcHeight, g.SrcWidth)
	}
	if d.Dtype.ByteSize != 1 || d.Dtype.BasicType != BTUnsigned {
		return fmt.Errorf("%w: %s is %s, want %s", ErrDtypeMismatch, d.Name, d.Dtype, DtypeUint8)
	}
	return nil
}

// Crop copies the centered region of the source plane src into dst, which
// must hold PlaneSize bytes
func (g Geometry) Crop(dst, src []byte) {
	oh, ow := g.OffsetH(), g.OffsetW()
	for y := 0; y < g.Height; y++ {
		row := (y+oh)*g.SrcWidth + ow
		copy(dst[y*g.Width:(y+1)*g.Width], src[row:row+g.Width])
	}
}
