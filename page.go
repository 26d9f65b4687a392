package mdb

import "fmt"

// page is one database page, or for overflow and freelist pages the
// whole run of contiguous pages starting at the header.
//
// Memory layout (little-endian):
//
//	Offset  Size  Field
//	0       8     txnid of the writer that produced the page
//	8       2     flags
//	10      2     lower: bytes used by the entry table
//	12      2     upper: start of node data, relative to the table
//	14      2     unused
//	16      4     pgno
//	20      ...   entry table, then free space, then nodes
//
// lower and upper are relative to the end of the header so a 64 KiB page
// still fits in 16 bits. Overflow and freelist pages reuse lower and upper
// as a 32-bit run length.
type page []byte

func (p page) txnid() txnid         { return txnid(le.Uint64(p[0:])) }
func (p page) setTxnid(id txnid)    { le.PutUint64(p[0:], uint64(id)) }
func (p page) flags() pageFlags     { return pageFlags(le.Uint16(p[8:])) }
func (p page) pgno() pgno           { return pgno(le.Uint32(p[16:])) }
func (p page) setPgno(pg pgno)      { le.PutUint32(p[16:], uint32(pg)) }
func (p page) isLeaf() bool         { return p.flags()&pageLeaf != 0 }
func (p page) isBranch() bool       { return p.flags()&pageBranch != 0 }
func (p page) numKeys() int         { return int(le.Uint16(p[10:])) / 2 }
func (p page) lower() int           { return pageHeaderSize + int(le.Uint16(p[10:])) }
func (p page) upper() int           { return pageHeaderSize + int(le.Uint16(p[12:])) }
func (p page) setLower(off int)     { le.PutUint16(p[10:], uint16(off-pageHeaderSize)) }
func (p page) setUpper(off int)     { le.PutUint16(p[12:], uint16(off-pageHeaderSize)) }
func (p page) free() int            { return p.upper() - p.lower() }
func (p page) runLen() int          { return int(le.Uint32(p[10:])) }
func (p page) setRunLen(n int)      { le.PutUint32(p[10:], uint32(n)) }
func (p page) offset(i int) int     { return pageHeaderSize + int(le.Uint16(p[pageHeaderSize+2*i:])) }
func (p page) setOffset(i, off int) { le.PutUint16(p[pageHeaderSize+2*i:], uint16(off-pageHeaderSize)) }
func (p page) node(i int) node      { return node(p[p.offset(i):]) }

// used returns the bytes taken by entries and nodes.
func (p page) used() int {
	return p.lower() - pageHeaderSize + len(p) - p.upper()
}

// init formats p as an empty page of the given kind.
func (p page) init(pg pgno, flags pageFlags, id txnid) {
	clear(p[:pageHeaderSize])
	p.setTxnid(id)
	le.PutUint16(p[8:], uint16(flags))
	p.setPgno(pg)
	if flags&(pageOverflow|pageFreelist) == 0 {
		p.setLower(pageHeaderSize)
		p.setUpper(len(p))
	}
}

// insert places the encoded node n at index i. It reports false, leaving
// the page untouched, when the node and its entry do not fit.
func (p page) insert(i int, n []byte) bool {
	if p.free() < len(n)+2 {
		return false
	}
	k := p.numKeys()
	up := p.upper() - len(n)
	copy(p[up:], n)

	tbl := pageHeaderSize + 2*i
	copy(p[tbl+2:pageHeaderSize+2*(k+1)], p[tbl:pageHeaderSize+2*k])
	p.setOffset(i, up)
	p.setLower(p.lower() + 2)
	p.setUpper(up)
	return true
}

// remove deletes the node at index i and closes the gap it leaves so the
// free space stays contiguous.
func (p page) remove(i int) {
	k := p.numKeys()
	off := p.offset(i)
	sz := p.node(i).size(p.isBranch())
	up := p.upper()

	// Nodes below off move up by sz.
	copy(p[up+sz:off+sz], p[up:off])
	for j := 0; j < k; j++ {
		if o := p.offset(j); o < off {
			p.setOffset(j, o+sz)
		}
	}
	tbl := pageHeaderSize + 2*i
	copy(p[tbl:], p[tbl+2:pageHeaderSize+2*k])
	p.setLower(p.lower() - 2)
	p.setUpper(up + sz)
}

// reset drops every node but keeps the page kind and number.
func (p page) reset(id txnid) {
	p.init(p.pgno(), p.flags(), id)
}

// validate checks the header of a branch or leaf page.
func (p page) validate(pg pgno) error {
	if p.pgno() != pg {
		return errorf(ErrCorrupted, "page %d: header says %d", pg, p.pgno())
	}
	f := p.flags()
	if f&(pageBranch|pageLeaf) == 0 || f&pageBranch != 0 && f&pageLeaf != 0 {
		return errorf(ErrCorrupted, "page %d: unexpected flags %#x", pg, f)
	}
	lo, up := p.lower(), p.upper()
	if lo > up || up > len(p) || (lo-pageHeaderSize)%2 != 0 {
		return errorf(ErrCorrupted, "page %d: bad bounds lower=%d upper=%d", pg, lo, up)
	}
	for i := 0; i < p.numKeys(); i++ {
		off := p.offset(i)
		if off < up || off+nodeHeaderSize > len(p) || off+p.node(i).size(p.isBranch()) > len(p) {
			return errorf(ErrCorrupted, "page %d: node %d out of bounds", pg, i)
		}
	}
	return nil
}

func (f pageFlags) String() string {
	switch {
	case f&pageBranch != 0:
		return "branch"
	case f&pageLeaf != 0:
		return "leaf"
	case f&pageOverflow != 0:
		return "overflow"
	case f&pageMeta != 0:
		return "meta"
	case f&pageFreelist != 0:
		return "freelist"
	}
	return fmt.Sprintf("unknown(%#x)", uint16(f))
}

// pagesFor returns how many pages a run needs to hold n payload bytes.
func pagesFor(n, pageSize int) int {
	return (pageHeaderSize + n + pageSize - 1) / pageSize
}
