package evgrid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// npyMagic opens every .npy payload
const npyMagic = "\x93NUMPY"

// npy headers are padded so the payload starts on this boundary
const npyAlign = 64

// ArrayDescriptor is everything the header of a .npy entry says about the
// array that follows it. Reading a descriptor never touches the payload.
type ArrayDescriptor struct {
	// Name of the array inside its container, without the .npy suffix
	Name string
	// Shape lists the length of each dimension. Dimension 0 is the one
	// chunked iteration walks along.
	Shape []int
	Dtype Dtype
	// FortranOrder is true for column-major payloads
	FortranOrder bool
	// DataOffset is the byte position of the first element within the entry
	DataOffset int64
}

// Len is the length of the leading dimension
func (d ArrayDescriptor) Len() int {
	if len(d.Shape) == 0 {
		return 1
	}
	return d.Shape[0]
}

// RowElems is the number of elements in one slice along dimension 0
func (d ArrayDescriptor) RowElems() int {
	n := 1
	for i := 1; i < len(d.Shape); i++ {
		n *= d.Shape[i]
	}
	return n
}

// RowBytes is the byte size of one slice along dimension 0
func (d ArrayDescriptor) RowBytes() int {
	return d.RowElems() * d.Dtype.ByteSize
}

// NumBytes is the payload size
func (d ArrayDescriptor) NumBytes() int64 {
	return int64(d.Len()) * int64(d.RowBytes())
}

func (d ArrayDescriptor) String() string {
	return fmt.Sprintf("%s %s %s", d.Name, d.Dtype, formatShape(d.Shape))
}

var (
	descrPattern   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fortranPattern = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapePattern   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// ReadNpyHeader consumes the magic string and header dictionary of a .npy
// stream, leaving r positioned at the first payload byte. Any malformed
// header is reported as ErrCorruptArchive.
func ReadNpyHeader(r io.Reader) (ArrayDescriptor, error) {
	d := ArrayDescriptor{}
	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return d, fmt.Errorf("%w: reading npy magic: %s", ErrCorruptArchive, err)
	}
	if string(prefix[:len(npyMagic)]) != npyMagic {
		return d, fmt.Errorf("%w: bad npy magic %q", ErrCorruptArchive, prefix[:len(npyMagic)])
	}

	major := prefix[len(npyMagic)]
	var hlen int
	switch major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return d, fmt.Errorf("%w: reading npy header length: %s", ErrCorruptArchive, err)
		}
		hlen = int(n)
		d.DataOffset = int64(len(prefix) + 2 + hlen)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return d, fmt.Errorf("%w: reading npy header length: %s", ErrCorruptArchive, err)
		}
		hlen = int(n)
		d.DataOffset = int64(len(prefix) + 4 + hlen)
	default:
		return d, fmt.Errorf("%w: unsupported npy version %d", ErrCorruptArchive, major)
	}

	header := make([]byte, hlen)
	if _, err := io.ReadFull(r, header); err != nil {
		return d, fmt.Errorf("%w: reading npy header: %s", ErrCorruptArchive, err)
	}
	if err := parseHeaderDict(string(header), &d); err != nil {
		return d, fmt.Errorf("%w: %s", ErrCorruptArchive, err)
	}
	return d, nil
}

func parseHeaderDict(h string, d *ArrayDescriptor) error {
	m := descrPattern.FindStringSubmatch(h)
	if m == nil {
		return fmt.Errorf("header has no plain 'descr': %q", h)
	}
	dt, err := ParseDtype(m[1])
	if err != nil {
		return err
	}
	d.Dtype = dt

	m = fortranPattern.FindStringSubmatch(h)
	if m == nil {
		return fmt.Errorf("header has no 'fortran_order': %q", h)
	}
	d.FortranOrder = m[1] == "True"

	m = shapePattern.FindStringSubmatch(h)
	if m == nil {
		return fmt.Errorf("header has no 'shape': %q", h)
	}
	d.Shape = []int{}
	for _, s := range strings.Split(m[1], ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		s = strings.TrimSuffix(s, "L")
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid shape entry %q", s)
		}
		d.Shape = append(d.Shape, n)
	}

	// the payload size must be representable
	size := int64(d.Dtype.ByteSize)
	for _, n := range d.Shape {
		if n != 0 && size > math.MaxInt64/int64(n) {
			return fmt.Errorf("shape %s of %s overflows the payload size", formatShape(d.Shape), d.Dtype)
		}
		size *= int64(n)
	}
	return nil
}

// WriteNpyHeader writes a C-ordered .npy header for an array of the given
// dtype and shape. The payload is expected to follow immediately.
func WriteNpyHeader(w io.Writer, dt Dtype, shape []int) error {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", dt, formatShape(shape))

	// version 1 stores the header length in two bytes
	major, lenSize := byte(1), 2
	if len(dict)+len(npyMagic)+2+2+1 > 0xffff {
		major, lenSize = 2, 4
	}
	total := len(npyMagic) + 2 + lenSize + len(dict) + 1
	pad := (npyAlign - total%npyAlign) % npyAlign
	hlen := len(dict) + pad + 1

	buf := &bytes.Buffer{}
	buf.WriteString(npyMagic)
	buf.Write([]byte{major, 0})
	if lenSize == 2 {
		binary.Write(buf, binary.LittleEndian, uint16(hlen))
	} else {
		binary.Write(buf, binary.LittleEndian, uint32(hlen))
	}
	buf.WriteString(dict)
	buf.WriteString(strings.Repeat(" ", pad))
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}

// formatShape renders a shape as a python tuple
func formatShape(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", shape[0])
	}
	parts := make([]string, len(shape))
	for i, n := range shape {
		parts[i] = strconv.Itoa(n)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
