package evgrid

import "errors"

var (
	// ErrNotFound is returned when a store key or archive entry is absent
	ErrNotFound = errors.New("not found")
	// ErrCorruptArchive means a container or array header could not be parsed
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrGroupIndexOverflow means the frame count derived from the group
	// index does not fit the configured index width
	ErrGroupIndexOverflow = errors.New("group index overflow")
	// ErrGroupIndexRange means a group index points past the last frame
	ErrGroupIndexRange = errors.New("group index out of range")
	// ErrUnsortedGroups means the group index decreases somewhere
	ErrUnsortedGroups = errors.New("group index is not non-decreasing")
	// ErrEmptyGroup is raised for a frame with no polarity samples under
	// the reject policy
	ErrEmptyGroup = errors.New("empty group")

	ErrShapeMismatch     = errors.New("shape mismatch")
	ErrDtypeMismatch     = errors.New("dtype mismatch")
	ErrUnsupportedLayout = errors.New("unsupported array layout")
	ErrInvalidConfig     = errors.New("invalid config")
)
