package mdb

import (
	"fmt"
	"slices"
)

// freelist tracks pages that can be reused and pages that were released
// by a commit but may still be visible to an open reader.
type freelist struct {
	ids     []pgno           // sorted, free to allocate
	pending map[txnid][]pgno // released by txnid, not yet reusable
}

func newFreelist() *freelist {
	return &freelist{pending: make(map[txnid][]pgno)}
}

func (f *freelist) clone() *freelist {
	c := &freelist{
		ids:     slices.Clone(f.ids),
		pending: make(map[txnid][]pgno, len(f.pending)),
	}
	for id, pgs := range f.pending {
		c.pending[id] = slices.Clone(pgs)
	}
	return c
}

func (f *freelist) freeCount() int { return len(f.ids) }

func (f *freelist) pendingCount() int {
	n := 0
	for _, pgs := range f.pending {
		n += len(pgs)
	}
	return n
}

func (f *freelist) count() int { return f.freeCount() + f.pendingCount() }

// allocate removes a run of n contiguous free pages and returns its first
// page, or 0 when no such run exists. Page 0 is a meta page so it never
// appears in the list.
func (f *freelist) allocate(n int) pgno {
	if n <= 0 || len(f.ids) < n {
		return 0
	}
	start := 0
	for i := range f.ids {
		if i > 0 && f.ids[i] != f.ids[i-1]+1 {
			start = i
		}
		if i-start+1 == n {
			first := f.ids[start]
			f.ids = slices.Delete(f.ids, start, i+1)
			return first
		}
	}
	return 0
}

// free records a run released by txn id. The pages become reusable once
// no reader can see a snapshot older than id.
func (f *freelist) free(id txnid, first pgno, n int) {
	for i := 0; i < n; i++ {
		f.pending[id] = append(f.pending[id], first+pgno(i))
	}
}

// freeNow makes a run immediately reusable. Only for pages no snapshot
// references, such as pages allocated and dropped by the same txn.
func (f *freelist) freeNow(first pgno, n int) {
	for i := 0; i < n; i++ {
		f.ids = append(f.ids, first+pgno(i))
	}
	slices.Sort(f.ids)
}

// release moves pages released by txnids at or below oldest into the
// free list and returns how many moved.
func (f *freelist) release(oldest txnid) int {
	moved := 0
	for id, pgs := range f.pending {
		if id <= oldest {
			f.ids = append(f.ids, pgs...)
			moved += len(pgs)
			delete(f.pending, id)
		}
	}
	if moved > 0 {
		slices.Sort(f.ids)
	}
	return moved
}

// contains reports whether pg is free or pending.
func (f *freelist) contains(pg pgno) bool {
	if _, ok := slices.BinarySearch(f.ids, pg); ok {
		return true
	}
	for _, pgs := range f.pending {
		if slices.Contains(pgs, pg) {
			return true
		}
	}
	return false
}

// size returns the serialized length in bytes.
//
//	u32 free count, u32 pending group count, free ids,
//	then per group: u64 txnid, u32 count, ids
func (f *freelist) size() int {
	n := 8 + 4*len(f.ids)
	for _, pgs := range f.pending {
		n += 12 + 4*len(pgs)
	}
	return n
}

func (f *freelist) write(b []byte) {
	le.PutUint32(b[0:], uint32(len(f.ids)))
	le.PutUint32(b[4:], uint32(len(f.pending)))
	off := 8
	for _, pg := range f.ids {
		le.PutUint32(b[off:], uint32(pg))
		off += 4
	}
	ids := make([]txnid, 0, len(f.pending))
	for id := range f.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		pgs := f.pending[id]
		le.PutUint64(b[off:], uint64(id))
		le.PutUint32(b[off+8:], uint32(len(pgs)))
		off += 12
		for _, pg := range pgs {
			le.PutUint32(b[off:], uint32(pg))
			off += 4
		}
	}
}

func (f *freelist) read(b []byte) error {
	short := func(what string) error {
		return errorf(ErrCorrupted, "freelist: truncated %s", what)
	}
	if len(b) < 8 {
		return short("header")
	}
	nfree := int(le.Uint32(b[0:]))
	ngroups := int(le.Uint32(b[4:]))
	off := 8
	if len(b) < off+4*nfree {
		return short("free ids")
	}
	f.ids = make([]pgno, nfree)
	for i := range f.ids {
		f.ids[i] = pgno(le.Uint32(b[off:]))
		off += 4
	}
	f.pending = make(map[txnid][]pgno, ngroups)
	for g := 0; g < ngroups; g++ {
		if len(b) < off+12 {
			return short("pending header")
		}
		id := txnid(le.Uint64(b[off:]))
		n := int(le.Uint32(b[off+8:]))
		off += 12
		if len(b) < off+4*n {
			return short("pending ids")
		}
		pgs := make([]pgno, n)
		for i := range pgs {
			pgs[i] = pgno(le.Uint32(b[off:]))
			off += 4
		}
		f.pending[id] = pgs
	}
	if !slices.IsSorted(f.ids) {
		return errorf(ErrCorrupted, "freelist: ids out of order")
	}
	return nil
}

func (f *freelist) String() string {
	return fmt.Sprintf("freelist{free=%d pending=%d groups=%d}", f.freeCount(), f.pendingCount(), len(f.pending))
}
