package mdb

import (
	"slices"
	"time"

	"github.com/Giulio2002/mdb/internal/fastmap"
	"github.com/Giulio2002/mdb/spill"
)

// TxnState is the lifecycle state of a transaction.
type TxnState uint8

const (
	TxnActive TxnState = iota
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	}
	return "unknown"
}

// txnSignature is the magic number for valid transactions
const txnSignature uint32 = 0x4D444254 // "MDBT"

// heapRef marks a dirty page ref that indexes Txn.heap instead of the
// spill arena. Multi-page runs and arena overflow live on the heap.
const heapRef = uint64(1) << 63

// Txn is a read-only snapshot or the single write transaction.
type Txn struct {
	signature uint32
	env       *Env
	flags     uint
	state     TxnState
	id        txnid
	meta      meta
	pageSize  int

	// Tree records of every handle as seen by this txn. Named trees load
	// on first use from this txn's main tree.
	trees   []tree
	loaded  []bool
	dirtyDB []bool

	// read-only
	slot    *readerSlot
	slotIdx int

	// read-write
	freelist *freelist
	nextPgno pgno
	dirty    fastmap.Map
	heap     [][]byte
	loose    []pgno

	// version counts mutations; cursors at an older version re-seek.
	version uint64
	cursors []*Cursor
	scratch Cursor
}

func newTxn(e *Env, flags uint, m meta) *Txn {
	txn := &Txn{
		signature: txnSignature,
		env:       e,
		flags:     flags,
		id:        m.txnid,
		meta:      m,
		pageSize:  e.pageSize,
		trees:     make([]tree, e.maxDBs),
		loaded:    make([]bool, e.maxDBs),
		dirtyDB:   make([]bool, e.maxDBs),
	}
	txn.trees[mainDBI] = m.main
	txn.loaded[mainDBI] = true
	return txn
}

func (txn *Txn) valid() bool {
	return txn != nil && txn.signature == txnSignature && txn.state == TxnActive
}

func (txn *Txn) writable() bool {
	return txn.flags&TxnReadOnly == 0
}

// Env returns the transaction's environment.
func (txn *Txn) Env() *Env {
	return txn.env
}

// ID returns the txnid of the snapshot, or for a write transaction the
// txnid it will commit as.
func (txn *Txn) ID() uint64 {
	return uint64(txn.id)
}

// IsReadOnly returns true if this is a read-only transaction.
func (txn *Txn) IsReadOnly() bool {
	return !txn.writable()
}

// State returns the lifecycle state.
func (txn *Txn) State() TxnState {
	return txn.state
}

// getPage returns page pg. Overflow and freelist pages come back as their
// whole run.
func (txn *Txn) getPage(pg pgno) (page, error) {
	if txn.writable() {
		if ref, ok := txn.dirty.Get(uint32(pg)); ok {
			return txn.dirtyPage(ref)
		}
	}
	if pg < numMetas || pg >= txn.meta.lastPgno {
		return nil, errorf(ErrPageNotFound, "page %d outside snapshot of %d pages", pg, txn.meta.lastPgno)
	}
	ps := int64(txn.pageSize)
	data := txn.env.dataMap.Data()
	off := int64(pg) * ps
	p := page(data[off : off+ps : off+ps])
	if p.flags()&(pageOverflow|pageFreelist) != 0 {
		n := int64(p.runLen())
		if n < 1 || int64(pg)+n > int64(txn.meta.lastPgno) {
			return nil, errorf(ErrCorrupted, "page %d: bad run length %d", pg, n)
		}
		p = page(data[off : off+n*ps : off+n*ps])
	}
	return p, nil
}

func (txn *Txn) dirtyPage(ref uint64) (page, error) {
	if ref&heapRef != 0 {
		return page(txn.heap[ref&^heapRef]), nil
	}
	b, err := txn.env.arena.Page(spill.Ref(ref))
	if err != nil {
		return nil, WrapError(ErrCorrupted, err)
	}
	return page(b), nil
}

// newDirty returns a zeroed buffer for n pages and its ref.
func (txn *Txn) newDirty(n int) ([]byte, uint64) {
	if n == 1 && txn.env.arena != nil {
		if r, b, err := txn.env.arena.Alloc(); err == nil {
			clear(b)
			return b, uint64(r)
		}
	}
	b := make([]byte, n*txn.pageSize)
	txn.heap = append(txn.heap, b)
	return b, heapRef | uint64(len(txn.heap)-1)
}

func (txn *Txn) dropDirty(pg pgno, ref uint64) {
	if ref&heapRef != 0 {
		txn.heap[ref&^heapRef] = nil
	} else {
		txn.env.arena.Release(spill.Ref(ref))
	}
	txn.dirty.Delete(uint32(pg))
}

// allocate returns a fresh dirty run of n pages: a loose page, a free run
// from the freelist, or new pages past the end of the file.
func (txn *Txn) allocate(n int) (pgno, page, error) {
	var pg pgno
	if n == 1 && len(txn.loose) > 0 {
		pg = txn.loose[len(txn.loose)-1]
		txn.loose = txn.loose[:len(txn.loose)-1]
	} else if pg = txn.freelist.allocate(n); pg == 0 {
		limit := txn.env.mapSize / int64(txn.pageSize)
		if int64(txn.nextPgno)+int64(n) > limit {
			return 0, nil, errorf(ErrMapFull, "need %d pages at %d, map holds %d", n, txn.nextPgno, limit)
		}
		pg = txn.nextPgno
		txn.nextPgno += pgno(n)
	}
	b, ref := txn.newDirty(n)
	txn.dirty.Set(uint32(pg), ref)
	return pg, page(b), nil
}

// touch returns a writable copy of pg. A page already dirty in this txn
// is returned as is; otherwise the copy gets a new number and the old one
// is freed once no reader can see it.
func (txn *Txn) touch(pg pgno) (pgno, page, error) {
	if ref, ok := txn.dirty.Get(uint32(pg)); ok {
		p, err := txn.dirtyPage(ref)
		return pg, p, err
	}
	old, err := txn.getPage(pg)
	if err != nil {
		return 0, nil, err
	}
	npg, np, err := txn.allocate(1)
	if err != nil {
		return 0, nil, err
	}
	copy(np, old)
	np.setPgno(npg)
	np.setTxnid(txn.id)
	txn.freelist.free(txn.id, pg, 1)
	return npg, np, nil
}

// freePages releases a run. Pages this txn allocated were never seen by a
// reader and are reusable at once.
func (txn *Txn) freePages(pg pgno, n int) {
	if ref, ok := txn.dirty.Get(uint32(pg)); ok {
		txn.dropDirty(pg, ref)
		if n == 1 {
			txn.loose = append(txn.loose, pg)
		} else {
			txn.freelist.freeNow(pg, n)
		}
		return
	}
	txn.freelist.free(txn.id, pg, n)
}

// nodeValue returns the data of a leaf node, following overflow pages.
func (txn *Txn) nodeValue(n node) ([]byte, error) {
	if !n.isBig() {
		return n.data(), nil
	}
	run, err := txn.getPage(n.overflow())
	if err != nil {
		return nil, err
	}
	if run.flags()&pageOverflow == 0 || pageHeaderSize+n.dsize() > len(run) {
		return nil, errorf(ErrCorrupted, "overflow page %d does not hold %d bytes", n.overflow(), n.dsize())
	}
	return run[pageHeaderSize : pageHeaderSize+n.dsize()], nil
}

// fail aborts a write txn that hit an error after it began changing pages.
func (txn *Txn) fail(err error) error {
	if err != nil && isFatal(err) && txn.state == TxnActive && txn.writable() {
		txn.env.logger.Warn("aborting write transaction", "txnid", txn.id, "err", err)
		txn.end(TxnAborted)
	}
	return err
}

// CommitLatency contains timing information about a commit operation.
type CommitLatency struct {
	Preparation time.Duration // named trees
	GCWallClock time.Duration // freelist
	Write       time.Duration
	Sync        time.Duration
	Ending      time.Duration
	Whole       time.Duration
}

// Commit makes the changes of a write transaction durable and visible. For
// a read-only transaction it is the same as Abort. Any failure leaves the
// transaction aborted and the previous state authoritative.
func (txn *Txn) Commit() (CommitLatency, error) {
	var latency CommitLatency
	if txn == nil || txn.signature != txnSignature || txn.state != TxnActive {
		return latency, NewError(ErrBadTxn)
	}
	if !txn.writable() {
		txn.Abort()
		return latency, nil
	}

	start := time.Now()
	env := txn.env
	txn.closeAllCursors()

	if err := txn.persistTrees(); err != nil {
		txn.end(TxnAborted)
		return latency, err
	}
	mark := time.Now()
	latency.Preparation = mark.Sub(start)

	fl, flPages, err := txn.writeFreelist()
	if err != nil {
		txn.end(TxnAborted)
		return latency, err
	}
	now := time.Now()
	latency.GCWallClock = now.Sub(mark)
	mark = now

	ndirty := txn.dirty.Len()
	if err := txn.writeDirtyPages(); err != nil {
		txn.end(TxnAborted)
		return latency, err
	}
	now = time.Now()
	latency.Write = now.Sub(mark)
	mark = now

	if env.flags&NoSync == 0 {
		if err := fdatasync(env.dataFile); err != nil {
			txn.end(TxnAborted)
			return latency, WrapError(ErrIO, err)
		}
	}
	m, err := txn.writeMeta(fl, flPages)
	if err != nil {
		txn.end(TxnAborted)
		return latency, err
	}
	now = time.Now()
	latency.Sync = now.Sub(mark)
	mark = now

	env.meta.Store(&m)
	env.freelist = txn.freelist
	env.freelistTxn = txn.id
	env.logger.Debug("committed",
		"txnid", txn.id, "dirtyPages", ndirty, "lastPgno", m.lastPgno,
		"freePages", txn.freelist.freeCount(), "pendingPages", txn.freelist.pendingCount())

	txn.end(TxnCommitted)
	latency.Ending = time.Since(mark)
	latency.Whole = time.Since(start)
	return latency, nil
}

// writeFreelist allocates and fills the freelist run of the new meta.
func (txn *Txn) writeFreelist() (pgno, int, error) {
	fl := txn.freelist
	if txn.meta.freelist != invalidPgno {
		fl.free(txn.id, txn.meta.freelist, int(txn.meta.freelistPages))
	}
	if len(txn.loose) > 0 {
		fl.ids = append(fl.ids, txn.loose...)
		slices.Sort(fl.ids)
		txn.loose = txn.loose[:0]
	}
	if fl.count() == 0 {
		return invalidPgno, 0, nil
	}
	n := pagesFor(fl.size(), txn.pageSize)
	pg, p, err := txn.allocate(n)
	if err != nil {
		return 0, 0, err
	}
	// allocate may have taken the run from fl, so it never grows here.
	p.init(pg, pageFreelist, txn.id)
	p.setRunLen(n)
	fl.write(p[pageHeaderSize:])
	return pg, n, nil
}

// writeDirtyPages grows the file to cover every allocated page and writes
// the dirty pages in page order.
func (txn *Txn) writeDirtyPages() error {
	env := txn.env
	ps := int64(txn.pageSize)
	need := int64(txn.nextPgno) * ps
	if need > env.fileSize.Load() {
		fi, err := env.dataFile.Stat()
		if err != nil {
			return WrapError(ErrIO, err)
		}
		size := fi.Size()
		if size < need {
			size = alignUp(need, sysPageSize)
			if err := env.dataFile.Truncate(size); err != nil {
				return WrapError(ErrIO, err)
			}
		}
		env.fileSize.Store(size)
	}

	pgs := txn.dirty.Keys(make([]uint32, 0, txn.dirty.Len()))
	slices.Sort(pgs)
	for _, pg := range pgs {
		ref, _ := txn.dirty.Get(pg)
		p, err := txn.dirtyPage(ref)
		if err != nil {
			return err
		}
		if _, err := env.dataFile.WriteAt(p, int64(pg)*ps); err != nil {
			return WrapError(ErrIO, err)
		}
	}
	return nil
}

// writeMeta writes the meta of this txn into slot txnid%2. If the sync
// fails the slot gets its previous content back.
func (txn *Txn) writeMeta(fl pgno, flPages int) (meta, error) {
	env := txn.env
	m := txn.meta
	m.txnid = txn.id
	m.lastPgno = txn.nextPgno
	m.mapSize = uint64(env.mapSize)
	m.freelist = fl
	m.freelistPages = uint32(flPages)
	m.main = txn.trees[mainDBI]

	ps := txn.pageSize
	slot := int(txn.id % numMetas)
	off := int64(slot) * int64(ps)
	prev := make([]byte, ps)
	copy(prev, env.dataMap.Data()[off:off+int64(ps)])

	buf := make([]byte, ps)
	m.encode(page(buf), slot)
	if _, err := env.dataFile.WriteAt(buf, off); err != nil {
		return meta{}, WrapError(ErrIO, err)
	}
	if env.flags&(NoSync|NoMetaSync) == 0 {
		if err := fdatasync(env.dataFile); err != nil {
			if _, rerr := env.dataFile.WriteAt(prev, off); rerr != nil {
				env.logger.Warn("restoring meta page failed", "slot", slot, "err", rerr)
			}
			return meta{}, WrapError(ErrIO, err)
		}
	}
	return m, nil
}

// Abort discards the transaction. It is safe to call more than once.
func (txn *Txn) Abort() {
	if txn == nil || txn.signature != txnSignature || txn.state != TxnActive {
		return
	}
	txn.end(TxnAborted)
}

func (txn *Txn) end(state TxnState) {
	txn.closeAllCursors()
	env := txn.env
	if txn.writable() {
		txn.dirty.Clear()
		txn.heap = nil
		txn.loose = nil
		if env.arena != nil {
			env.arena.Reset()
		}
		env.lock.unlockWriter()
		<-env.writer
	} else if txn.slot != nil {
		env.lock.releaseSlot(txn.slot, txn.slotIdx)
		txn.slot = nil
	}
	txn.state = state
	env.txnWg.Done()
}

func (txn *Txn) closeAllCursors() {
	for _, c := range txn.cursors {
		c.invalidate()
	}
	txn.cursors = nil
	txn.scratch.invalidate()
}

func (txn *Txn) removeCursor(c *Cursor) {
	for i, x := range txn.cursors {
		if x == c {
			last := len(txn.cursors) - 1
			txn.cursors[i] = txn.cursors[last]
			txn.cursors[last] = nil
			txn.cursors = txn.cursors[:last]
			return
		}
	}
}

// mutate records every open cursor's position before a change to the
// trees and bumps the version so they re-seek on their next move.
func (txn *Txn) mutate() {
	for _, c := range txn.cursors {
		if c.version == txn.version {
			c.snapshot()
		}
	}
	txn.version++
}

// cursor returns the transaction's scratch cursor, positioned nowhere.
func (txn *Txn) cursor(dbi DBI) (*Cursor, error) {
	t, info, err := txn.tree(dbi)
	if err != nil {
		return nil, err
	}
	c := &txn.scratch
	c.init(txn, dbi, t, info)
	return c, nil
}

// OpenCursor opens a cursor on a database.
func (txn *Txn) OpenCursor(dbi DBI) (*Cursor, error) {
	t, info, err := txn.tree(dbi)
	if err != nil {
		return nil, err
	}
	c := &Cursor{}
	c.init(txn, dbi, t, info)
	txn.cursors = append(txn.cursors, c)
	return c, nil
}

// Get returns the value of key. In a DupSort database it is the smallest
// value. The slice is valid until the transaction changes or ends.
func (txn *Txn) Get(dbi DBI, key []byte) ([]byte, error) {
	c, err := txn.cursor(dbi)
	if err != nil {
		return nil, err
	}
	_, v, err := c.Get(key, nil, Set)
	return v, err
}

// Put stores a key-value pair.
func (txn *Txn) Put(dbi DBI, key, value []byte, flags uint) error {
	c, err := txn.cursor(dbi)
	if err != nil {
		return err
	}
	return c.Put(key, value, flags)
}

// PutNoOverwrite inserts key unless it exists. On ErrKeyExist the existing
// value is returned; in a DupSort database it is the smallest one.
func (txn *Txn) PutNoOverwrite(dbi DBI, key, value []byte) ([]byte, error) {
	c, err := txn.cursor(dbi)
	if err != nil {
		return nil, err
	}
	err = c.Put(key, value, NoOverwrite)
	if IsKeyExist(err) {
		_, v, gerr := c.Get(nil, nil, GetCurrent)
		if gerr != nil {
			return nil, gerr
		}
		return v, err
	}
	return nil, err
}

// Del deletes key. In a DupSort database a nil value deletes every value
// of the key and a non-nil one only that pair; otherwise value is ignored.
func (txn *Txn) Del(dbi DBI, key, value []byte) error {
	c, err := txn.cursor(dbi)
	if err != nil {
		return err
	}
	if !c.dupSort {
		value = nil
	}
	op := Set
	if value != nil {
		op = GetBoth
	}
	if _, _, err := c.Get(key, value, op); err != nil {
		return err
	}
	var flags uint
	if value == nil {
		flags = NoDupData
	}
	return c.Del(flags)
}

// Stat holds database statistics.
type Stat struct {
	PageSize      uint32
	Depth         uint32
	BranchPages   uint64
	LeafPages     uint64
	OverflowPages uint64
	Entries       uint64
	Root          uint32 // invalid page number when empty
	ModTxnID      uint64
}

// Stat returns statistics for a database.
func (txn *Txn) Stat(dbi DBI) (*Stat, error) {
	t, _, err := txn.tree(dbi)
	if err != nil {
		return nil, err
	}
	return &Stat{
		PageSize:      uint32(txn.pageSize),
		Depth:         uint32(t.depth),
		BranchPages:   uint64(t.branchPages),
		LeafPages:     uint64(t.leafPages),
		OverflowPages: uint64(t.overflowPages),
		Entries:       t.entries,
		Root:          uint32(t.root),
		ModTxnID:      uint64(t.modTxnid),
	}, nil
}

// Usage reports allocated and used bytes per page kind of one tree.
type Usage struct {
	BranchPages   int
	BranchAlloc   int
	BranchInuse   int
	LeafPages     int
	LeafAlloc     int
	LeafInuse     int
	OverflowPages int
	OverflowAlloc int
	OverflowInuse int
	Depth         int
	Entries       int
}

// Usage walks a database and measures how full its pages are.
func (txn *Txn) Usage(dbi DBI) (*Usage, error) {
	t, _, err := txn.tree(dbi)
	if err != nil {
		return nil, err
	}
	u := &Usage{Depth: int(t.depth)}
	if t.isEmpty() {
		return u, nil
	}
	err = txn.walk(t.root, 0, func(p page, depth int) error {
		switch {
		case p.isBranch():
			u.BranchPages++
			u.BranchAlloc += txn.pageSize
			u.BranchInuse += pageHeaderSize + p.used()
		default:
			u.LeafPages++
			u.LeafAlloc += txn.pageSize
			u.LeafInuse += pageHeaderSize + p.used()
			u.Entries += p.numKeys()
			for i := 0; i < p.numKeys(); i++ {
				n := p.node(i)
				if !n.isBig() {
					continue
				}
				run, err := txn.getPage(n.overflow())
				if err != nil {
					return err
				}
				u.OverflowPages += run.runLen()
				u.OverflowAlloc += run.runLen() * txn.pageSize
				u.OverflowInuse += pageHeaderSize + n.dsize()
			}
		}
		return nil
	})
	return u, err
}

// walk visits every branch and leaf page below pg, parents first.
func (txn *Txn) walk(pg pgno, depth int, fn func(p page, depth int) error) error {
	if depth >= CursorStackSize {
		return errorf(ErrCorrupted, "tree deeper than %d", CursorStackSize)
	}
	p, err := txn.getPage(pg)
	if err != nil {
		return err
	}
	if err := p.validate(pg); err != nil {
		return err
	}
	if err := fn(p, depth); err != nil {
		return err
	}
	if p.isBranch() {
		for i := 0; i < p.numKeys(); i++ {
			if err := txn.walk(p.node(i).child(), depth+1, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
