package spill

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/Giulio2002/mdb/mmap"
)

const (
	// DefaultSegmentPages is the number of page slots per segment.
	DefaultSegmentPages = 1024

	// MaxSegments bounds the number of segment files.
	MaxSegments = 256
)

// ErrFull is returned when every segment is in use and no more may be added.
var ErrFull = errors.New("spill: arena full")

// ErrBadRef is returned for a Ref that does not name a live slot.
var ErrBadRef = errors.New("spill: bad slot reference")

// Ref names a slot: segment index in the high 32 bits, slot in the low.
type Ref uint64

func makeRef(seg, slot uint32) Ref { return Ref(uint64(seg)<<32 | uint64(slot)) }

func (r Ref) segment() uint32 { return uint32(r >> 32) }
func (r Ref) slot() uint32    { return uint32(r) }

type segment struct {
	file *os.File
	m    *mmap.Map
	free *bitmap
}

// Arena hands out page-sized slices backed by mapped segment files.
// Segments are added, never remapped, so a slice stays valid until its
// slot is released or the arena is reset.
type Arena struct {
	mu       sync.Mutex
	path     string
	pageSize int
	perSeg   uint32
	segs     []*segment
	cur      int
}

// New creates an arena whose segment files are named after path with a
// random suffix, so arenas sharing a prefix never share a file. Each file
// is unlinked as soon as it is mapped; nothing is left on disk once the
// process exits.
func New(path string, pageSize int, segmentPages uint32) (*Arena, error) {
	if pageSize <= 0 {
		return nil, errors.New("spill: invalid page size")
	}
	if segmentPages == 0 {
		segmentPages = DefaultSegmentPages
	}
	a := &Arena{path: path, pageSize: pageSize, perSeg: segmentPages}
	if err := a.grow(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arena) grow() error {
	if len(a.segs) >= MaxSegments {
		return ErrFull
	}
	f, err := os.CreateTemp(filepath.Dir(a.path), filepath.Base(a.path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	size := int64(a.perSeg) * int64(a.pageSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	m, err := mmap.New(int(f.Fd()), 0, int(size), true)
	if err != nil {
		f.Close()
		return err
	}
	a.segs = append(a.segs, &segment{file: f, m: m, free: newBitmap(a.perSeg)})
	return nil
}

func (a *Arena) bytes(seg *segment, slot uint32) []byte {
	off := int(slot) * a.pageSize
	return seg.m.Data()[off : off+a.pageSize : off+a.pageSize]
}

// Alloc claims a slot and returns its page buffer. The buffer holds
// whatever the slot last contained.
func (a *Arena) Alloc() (Ref, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for ; a.cur < len(a.segs); a.cur++ {
		seg := a.segs[a.cur]
		if i, ok := seg.free.take(); ok {
			return makeRef(uint32(a.cur), i), a.bytes(seg, i), nil
		}
	}
	if err := a.grow(); err != nil {
		return 0, nil, err
	}
	a.cur = len(a.segs) - 1
	seg := a.segs[a.cur]
	i, _ := seg.free.take()
	return makeRef(uint32(a.cur), i), a.bytes(seg, i), nil
}

// Page returns the buffer of a live slot.
func (a *Arena) Page(r Ref) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := int(r.segment())
	if s >= len(a.segs) || !a.segs[s].free.isSet(r.slot()) {
		return nil, ErrBadRef
	}
	return a.bytes(a.segs[s], r.slot()), nil
}

// Release returns a slot to the arena.
func (a *Arena) Release(r Ref) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := int(r.segment())
	if s >= len(a.segs) {
		return
	}
	if a.segs[s].free.release(r.slot()) && s < a.cur {
		a.cur = s
	}
}

// Reset releases every slot.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, seg := range a.segs {
		seg.free.reset()
	}
	a.cur = 0
}

// InUse returns the number of claimed slots.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, seg := range a.segs {
		n += int(seg.free.used)
	}
	return n
}

// Capacity returns the number of slots across current segments.
func (a *Arena) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.segs) * int(a.perSeg)
}

// PageSize returns the slot size.
func (a *Arena) PageSize() int {
	return a.pageSize
}

// Close unmaps all segments.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, seg := range a.segs {
		keep(seg.m.Close())
		keep(seg.file.Close())
	}
	a.segs = nil
	a.cur = 0
	return first
}
