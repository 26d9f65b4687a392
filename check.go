package mdb

import (
	"bytes"
	"errors"
	"fmt"
)

// Check verifies every tree of the transaction's snapshot: page headers,
// key order, separators, depth and the counters of each tree record. In a
// read-only transaction it also checks that every page of the file is
// used exactly once. Problems are returned joined in one ErrCorrupted.
func (txn *Txn) Check() error {
	if !txn.valid() {
		return NewError(ErrBadTxn)
	}
	ck := &checker{txn: txn, seen: make(map[pgno]string)}
	ck.mark(0, numMetas, "meta")

	ck.checkTree("", txn.trees[mainDBI], txn.env.dbi(MainDBI))
	for _, r := range ck.named {
		t, err := decodeTree(r.rec)
		if err != nil {
			ck.fail("database %q: %v", r.name, err)
			continue
		}
		ck.checkTree(r.name, t, txn.namedInfo(r.name, uint(t.flags)))
	}

	if !txn.writable() {
		ck.checkFreelist()
		for pg := pgno(numMetas); pg < txn.meta.lastPgno; pg++ {
			if _, ok := ck.seen[pg]; !ok {
				ck.fail("page %d is neither reachable nor free", pg)
			}
		}
	}

	if len(ck.errs) == 0 {
		return nil
	}
	return WrapError(ErrCorrupted, errors.Join(ck.errs...))
}

// namedInfo returns the comparators of an open handle, or the defaults
// implied by flags.
func (txn *Txn) namedInfo(name string, flags uint) *dbiInfo {
	txn.env.dbisMu.RLock()
	defer txn.env.dbisMu.RUnlock()
	for _, info := range txn.env.dbis {
		if info != nil && info.name == name {
			return info
		}
	}
	return newDBIInfo(name, flags)
}

type namedRecord struct {
	name string
	rec  []byte
}

type checker struct {
	txn   *Txn
	errs  []error
	seen  map[pgno]string
	named []namedRecord
}

// checkState accumulates what one tree walk found.
type checkState struct {
	name     string
	main     bool
	c        *Cursor
	depth    int
	branch   uint32
	leaf     uint32
	overflow uint32
	entries  uint64
	prevKey  []byte
	prevVal  []byte
	havePrev bool
}

func (ck *checker) fail(format string, args ...any) {
	ck.errs = append(ck.errs, fmt.Errorf(format, args...))
}

func (ck *checker) mark(pg pgno, n int, what string) {
	for i := 0; i < n; i++ {
		p := pg + pgno(i)
		if prev, dup := ck.seen[p]; dup {
			ck.fail("page %d used by %s and %s", p, prev, what)
			continue
		}
		ck.seen[p] = what
	}
}

func (ck *checker) checkTree(name string, t tree, info *dbiInfo) {
	if t.isEmpty() {
		if t.entries != 0 || t.depth != 0 {
			ck.fail("database %q: empty tree records %d entries at depth %d", name, t.entries, t.depth)
		}
		return
	}
	st := &checkState{
		name:    name,
		main:    name == "",
		depth:   int(t.depth),
		prevVal: []byte{},
		c:       &Cursor{txn: ck.txn, cmp: info.cmp, dcmp: info.dcmp, dupSort: t.isDupSort()},
	}
	ck.walk(st, t.root, 0, nil, nil, false)

	if st.branch != t.branchPages || st.leaf != t.leafPages || st.overflow != t.overflowPages {
		ck.fail("database %q: found %d/%d/%d branch/leaf/overflow pages, record says %d/%d/%d",
			name, st.branch, st.leaf, st.overflow, t.branchPages, t.leafPages, t.overflowPages)
	}
	if st.entries != t.entries {
		ck.fail("database %q: found %d entries, record says %d", name, st.entries, t.entries)
	}
}

func (ck *checker) walk(st *checkState, pg pgno, depth int, loKey, loVal []byte, hasLo bool) {
	if depth >= st.depth {
		ck.fail("database %q: page %d below recorded depth %d", st.name, pg, st.depth)
		return
	}
	p, err := st.c.loadPage(pg)
	if err == nil {
		err = p.validate(pg)
	}
	if err != nil {
		ck.fail("database %q: %v", st.name, err)
		return
	}
	ck.mark(pg, 1, st.name)

	if p.isBranch() {
		st.branch++
		if depth == st.depth-1 {
			ck.fail("database %q: branch page %d at leaf depth", st.name, pg)
			return
		}
		for i := 0; i < p.numKeys(); i++ {
			n := p.node(i)
			k, v, has := loKey, loVal, hasLo
			if i > 0 {
				k, v, has = n.key(), n.sepValue(), true
				if st.c.dupSort && v == nil {
					ck.fail("database %q: branch page %d node %d has no value separator", st.name, pg, i)
				}
			}
			ck.walk(st, n.child(), depth+1, k, v, has)
		}
		return
	}

	st.leaf++
	if depth != st.depth-1 {
		ck.fail("database %q: leaf page %d at depth %d of %d", st.name, pg, depth+1, st.depth)
	}
	for i := 0; i < p.numKeys(); i++ {
		n := p.node(i)
		if i == 0 && hasLo && st.c.cmpLeaf(loKey, loVal, n) > 0 {
			ck.fail("database %q: page %d starts below its separator", st.name, pg)
		}
		if st.havePrev && st.c.cmpLeaf(st.prevKey, st.prevVal, n) >= 0 {
			ck.fail("database %q: key %q out of order on page %d", st.name, n.key(), pg)
		}
		st.prevKey = append(st.prevKey[:0], n.key()...)
		st.prevVal = append(st.prevVal[:0], n.data()...)
		st.havePrev = true
		st.entries++

		if n.isBig() {
			run, err := ck.txn.getPage(n.overflow())
			if err != nil {
				ck.fail("database %q: %v", st.name, err)
				continue
			}
			if run.flags()&pageOverflow == 0 || pageHeaderSize+n.dsize() > len(run) {
				ck.fail("database %q: bad overflow run %d for key %q", st.name, n.overflow(), n.key())
				continue
			}
			ck.mark(n.overflow(), run.runLen(), st.name+" overflow")
			st.overflow += uint32(run.runLen())
		}
		if n.isTree() && st.main {
			ck.named = append(ck.named, namedRecord{name: string(n.key()), rec: bytes.Clone(n.data())})
		}
	}
}

func (ck *checker) checkFreelist() {
	m := ck.txn.meta
	if m.freelist != invalidPgno {
		ck.mark(m.freelist, int(m.freelistPages), "freelist")
	}
	fl, err := ck.txn.env.readFreelist(m)
	if err != nil {
		ck.fail("%v", err)
		return
	}
	for _, pg := range fl.ids {
		ck.mark(pg, 1, "free")
	}
	for id, pgs := range fl.pending {
		for _, pg := range pgs {
			ck.mark(pg, 1, fmt.Sprintf("pending(%d)", id))
		}
	}
}
