package evgrid

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Dtype is a NumPy array-protocol type string, the same form .npy headers
// store in their "descr" field. The format consists of 3 parts:
//  * One character describing the byteorder of the data:
//    "<": little-endian; ">": big-endian; "|": not-relevant
//  * One character code giving the basic type of the array:
//    "b": boolean, "i": integer, "u": unsigned integer, "f": floating point
//  * An integer specifying the number of bytes the type uses.
//
// Structured and object dtypes are not supported; event recordings only carry
// plain numeric arrays.
type Dtype struct {
	ByteOrder ByteOrder
	BasicType BasicType
	ByteSize  int
}

// dtypes used by recordings and shards
var (
	DtypeUint8   = Dtype{ByteOrder: BONotRelevant, BasicType: BTUnsigned, ByteSize: 1}
	DtypeUint16  = Dtype{ByteOrder: BOLittleEndian, BasicType: BTUnsigned, ByteSize: 2}
	DtypeFloat16 = Dtype{ByteOrder: BOLittleEndian, BasicType: BTFloatingPoint, ByteSize: 2}
)

// ParseDtype reads a type string like "<u2" or "|u1"
func ParseDtype(s string) (dt Dtype, err error) {
	s = strings.TrimSpace(s)
	if len(s) < 3 {
		return dt, fmt.Errorf("invalid dtype string. %q is too short", s)
	}

	dt.ByteOrder, err = ParseByteOrder(rune(s[0]))
	if err != nil {
		return dt, err
	}
	dt.BasicType, err = ParseBasicType(rune(s[1]))
	if err != nil {
		return dt, err
	}

	size, err := strconv.ParseInt(s[2:], 10, 0)
	if err != nil {
		return dt, fmt.Errorf("invalid dtype size %q: %w", s[2:], err)
	}
	if size <= 0 {
		return dt, fmt.Errorf("invalid dtype size %d", size)
	}
	dt.ByteSize = int(size)

	if dt.BasicType == BTFloatingPoint && size != 2 && size != 4 && size != 8 {
		return dt, fmt.Errorf("unsupported float width %d", size)
	}
	if (dt.BasicType == BTInteger || dt.BasicType == BTUnsigned) && size != 1 && size != 2 && size != 4 && size != 8 {
		return dt, fmt.Errorf("unsupported integer width %d", size)
	}
	return dt, nil
}

func (dt Dtype) String() string {
	return fmt.Sprintf("%s%s%d", string(dt.ByteOrder), string(dt.BasicType), dt.ByteSize)
}

// Human names the dtype the way numpy prints it, eg. uint16 or float16
func (dt Dtype) Human() string {
	if dt.BasicType == BTBoolean {
		return dt.BasicType.Human()
	}
	return fmt.Sprintf("%s%d", dt.BasicType.Human(), 8*dt.ByteSize)
}

// Order returns the byte order values of this dtype are encoded with.
// Single byte types report little-endian, which is never consulted.
func (dt Dtype) Order() binary.ByteOrder {
	if dt.ByteOrder == BOBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// IsInteger reports whether the dtype holds signed or unsigned integers
func (dt Dtype) IsInteger() bool {
	return dt.BasicType == BTInteger || dt.BasicType == BTUnsigned
}

// MaxUint is the largest value an unsigned dtype can represent
func (dt Dtype) MaxUint() uint64 {
	if dt.ByteSize >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(dt.ByteSize)) - 1
}

type ByteOrder rune

func ParseByteOrder(r rune) (ByteOrder, error) {
	o := ByteOrder(r)
	// numpy writes "=" for native order, which is little-endian on every
	// platform these recordings come from
	if o == '=' {
		return BOLittleEndian, nil
	}
	if _, ok := byteOrders[o]; !ok {
		return o, fmt.Errorf("unsupported byte order format: %q", r)
	}
	return o, nil
}

const (
	BONotRelevant  ByteOrder = '|'
	BOLittleEndian ByteOrder = '<'
	BOBigEndian    ByteOrder = '>'
)

var byteOrders = map[ByteOrder]struct{}{
	BONotRelevant:  {},
	BOLittleEndian: {},
	BOBigEndian:    {},
}

type BasicType rune

func ParseBasicType(r rune) (BasicType, error) {
	t := BasicType(r)
	if _, ok := supportedBasicTypes[t]; !ok {
		return t, fmt.Errorf("unsupported basic type: %q", r)
	}
	return t, nil
}

func (bt BasicType) Human() string {
	return supportedBasicTypes[bt]
}

const (
	BTBoolean       BasicType = 'b'
	BTInteger       BasicType = 'i'
	BTUnsigned      BasicType = 'u'
	BTFloatingPoint BasicType = 'f'
)

var supportedBasicTypes = map[BasicType]string{
	BTBoolean:       "bool",
	BTInteger:       "int",
	BTUnsigned:      "uint",
	BTFloatingPoint: "float",
}
