package evgrid

import (
	"fmt"
	"math"
)

// Array is a fully materialized array: its descriptor and raw C-ordered
// payload bytes
type Array struct {
	Descriptor ArrayDescriptor
	Data       []byte
}

// Ints decodes an integer array of any width and byte order
func (a *Array) Ints() ([]int, error) {
	return decodeInts(a.Descriptor.Dtype, a.Data)
}

func decodeInts(dt Dtype, data []byte) ([]int, error) {
	if !dt.IsInteger() {
		return nil, fmt.Errorf("%w: %s is not an integer type", ErrDtypeMismatch, dt)
	}
	size := dt.ByteSize
	if len(data)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s values", ErrCorruptArchive, len(data), dt)
	}

	order := dt.Order()
	signed := dt.BasicType == BTInteger
	out := make([]int, len(data)/size)
	for i := range out {
		b := data[i*size : (i+1)*size]
		switch size {
		case 1:
			if signed {
				out[i] = int(int8(b[0]))
			} else {
				out[i] = int(b[0])
			}
		case 2:
			v := order.Uint16(b)
			if signed {
				out[i] = int(int16(v))
			} else {
				out[i] = int(v)
			}
		case 4:
			v := order.Uint32(b)
			if signed {
				out[i] = int(int32(v))
			} else {
				out[i] = int(v)
			}
		case 8:
			v := order.Uint64(b)
			if signed {
				out[i] = int(int64(v))
			} else {
				if v > math.MaxInt64 {
					return nil, fmt.Errorf("%w: value %d at %d does not fit an int", ErrGroupIndexOverflow, v, i)
				}
				out[i] = int(v)
			}
		}
	}
	return out, nil
}
