// Package mmap memory-maps database files.
//
// A Map reserves its full length up front. The file behind it may be
// shorter; pages past the end of the file must not be touched until the
// file has been extended.
package mmap

// Map is a shared mapping of a file region.
type Map struct {
	data     []byte
	fd       int
	size     int64
	writable bool
}

// Data returns the mapped bytes.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the reserved length of the mapping.
func (m *Map) Size() int64 {
	return m.size
}

// Writable reports whether the mapping allows stores.
func (m *Map) Writable() bool {
	return m.writable
}

// Fd returns the descriptor the mapping was created from.
func (m *Map) Fd() int {
	return m.fd
}

// Region returns length bytes starting at offset.
func (m *Map) Region(offset, length int64) ([]byte, error) {
	if m.data == nil {
		return nil, ErrNotMapped
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return nil, ErrInvalidRange
	}
	return m.data[offset : offset+length : offset+length], nil
}

// Error is returned by mapping operations.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidSize  = &Error{Op: "invalid size"}
	ErrInvalidRange = &Error{Op: "invalid range"}
	ErrNotMapped    = &Error{Op: "not mapped"}
)
