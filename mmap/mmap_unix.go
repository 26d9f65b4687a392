//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

// New maps length bytes of fd starting at offset. The offset must be
// aligned to the OS page size.
func New(fd int, offset int64, length int, writable bool) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return &Map{
		data:     data,
		fd:       fd,
		size:     int64(length),
		writable: writable,
	}, nil
}

// Sync flushes stores made through a writable mapping.
func (m *Map) Sync() error {
	if m.data == nil {
		return ErrNotMapped
	}
	if !m.writable {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return &Error{Op: "msync", Err: err}
	}
	return nil
}

// Close unmaps the region. Closing twice is a no-op.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	if err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	return nil
}

// AdviseRandom hints that pages will be read in no particular order,
// which turns off kernel readahead for B-tree lookups.
func (m *Map) AdviseRandom() error {
	return m.advise(unix.MADV_RANDOM)
}

// AdviseWillNeed asks the kernel to prefetch the mapping.
func (m *Map) AdviseWillNeed() error {
	return m.advise(unix.MADV_WILLNEED)
}

func (m *Map) advise(advice int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if err := unix.Madvise(m.data, advice); err != nil {
		return &Error{Op: "madvise", Err: err}
	}
	return nil
}

// PageSize returns the OS page size.
func PageSize() int {
	return unix.Getpagesize()
}
