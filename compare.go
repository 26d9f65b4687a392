package mdb

import (
	"bytes"
	"encoding/binary"
)

// CmpFunc orders keys or DupSort values. It returns a negative number,
// zero or a positive number like bytes.Compare.
type CmpFunc func(a, b []byte) int

// cmpReverse compares byte strings starting from their last byte.
func cmpReverse(a, b []byte) int {
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 {
		if a[i] != b[j] {
			if a[i] < b[j] {
				return -1
			}
			return 1
		}
		i--
		j--
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// cmpInteger compares native-endian uint32 or uint64 keys. Keys of other
// lengths fall back to byte order after the length.
func cmpInteger(a, b []byte) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch len(a) {
	case 4:
		x, y := binary.NativeEndian.Uint32(a), binary.NativeEndian.Uint32(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case 8:
		x, y := binary.NativeEndian.Uint64(a), binary.NativeEndian.Uint64(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return bytes.Compare(a, b)
}

// keyCmp returns the key comparator implied by database flags.
func keyCmp(flags uint) CmpFunc {
	switch {
	case flags&IntegerKey != 0:
		return cmpInteger
	case flags&ReverseKey != 0:
		return cmpReverse
	}
	return bytes.Compare
}
