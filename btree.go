package mdb

import "bytes"

// Branch page i covers keys from its separator up to the next one; the
// separator of entry 0 is ignored. In DupSort trees separators and leaf
// entries order by (key, value).

// loadPage fetches a tree page and checks its header.
func (c *Cursor) loadPage(pg pgno) (page, error) {
	p, err := c.txn.getPage(pg)
	if err != nil {
		return nil, err
	}
	if p.pgno() != pg || p.isBranch() == p.isLeaf() {
		return nil, errorf(ErrCorrupted, "page %d: not a tree page (flags %s, header pgno %d)", pg, p.flags(), p.pgno())
	}
	if p.lower() > p.upper() || p.upper() > len(p) {
		return nil, errorf(ErrCorrupted, "page %d: bad bounds lower=%d upper=%d", pg, p.lower(), p.upper())
	}
	if p.isBranch() && p.numKeys() == 0 {
		return nil, errorf(ErrCorrupted, "page %d: empty branch", pg)
	}
	return p, nil
}

// cmpLeaf orders (key, val) against a leaf node. A nil val sorts before
// every value of key.
func (c *Cursor) cmpLeaf(key, val []byte, n node) int {
	r := c.cmp(key, n.key())
	if r != 0 || !c.dupSort {
		return r
	}
	if val == nil {
		return -1
	}
	return c.dcmp(val, n.data())
}

func (c *Cursor) cmpBranch(key, val []byte, n node) int {
	r := c.cmp(key, n.key())
	if r != 0 || !c.dupSort {
		return r
	}
	if val == nil {
		return -1
	}
	return c.dcmp(val, n.sepValue())
}

// searchLeaf returns the index of the first entry not less than (key, val).
func (c *Cursor) searchLeaf(p page, key, val []byte) int {
	lo, hi := 0, p.numKeys()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if c.cmpLeaf(key, val, p.node(mid)) > 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// searchBranch returns the child whose range holds (key, val).
func (c *Cursor) searchBranch(p page, key, val []byte) int {
	lo, hi := 1, p.numKeys()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if c.cmpBranch(key, val, p.node(mid)) >= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// descend fills the stack from the root to the leaf that would hold
// (key, val). The leaf index may equal the number of entries.
func (c *Cursor) descend(key, val []byte) error {
	pg := c.tree.root
	for l := 0; ; l++ {
		if l >= CursorStackSize {
			return errorf(ErrCorrupted, "tree deeper than %d", CursorStackSize)
		}
		p, err := c.loadPage(pg)
		if err != nil {
			return err
		}
		c.pgnos[l], c.pages[l], c.top = pg, p, l
		if p.isLeaf() {
			c.idx[l] = c.searchLeaf(p, key, val)
			return nil
		}
		i := c.searchBranch(p, key, val)
		c.idx[l] = i
		pg = p.node(i).child()
	}
}

// seek positions the cursor on the first entry not less than (key, val)
// and reports whether there is one. Past the last entry the cursor is
// left at EOF.
func (c *Cursor) seek(key, val []byte) (bool, error) {
	c.deleted = false
	if c.tree.isEmpty() {
		c.state = cursorUnset
		return false, nil
	}
	if err := c.descend(key, val); err != nil {
		c.state = cursorUnset
		return false, err
	}
	c.state = cursorPointing
	top := c.top
	if c.idx[top] < c.pages[top].numKeys() {
		return true, nil
	}
	c.idx[top]--
	ok, err := c.next()
	if err != nil {
		c.state = cursorUnset
		return false, err
	}
	if !ok {
		c.state, c.pastEnd = cursorEOF, true
	}
	return ok, nil
}

// descendEdge fills the stack down the leftmost or rightmost path.
func (c *Cursor) descendEdge(last bool) error {
	p, err := c.loadPage(c.tree.root)
	if err != nil {
		return err
	}
	c.pgnos[0], c.pages[0] = c.tree.root, p
	c.idx[0] = 0
	if last {
		c.idx[0] = p.numKeys() - 1
	}
	return c.descendFrom(0, last)
}

// descendFrom follows the current child at level l down to a leaf, taking
// the first or last child on every level below.
func (c *Cursor) descendFrom(l int, last bool) error {
	for c.pages[l].isBranch() {
		child := c.pages[l].node(c.idx[l]).child()
		l++
		if l >= CursorStackSize {
			return errorf(ErrCorrupted, "tree deeper than %d", CursorStackSize)
		}
		p, err := c.loadPage(child)
		if err != nil {
			return err
		}
		c.pgnos[l], c.pages[l] = child, p
		c.idx[l] = 0
		if last {
			c.idx[l] = p.numKeys() - 1
		}
	}
	c.top = l
	if c.pages[l].numKeys() == 0 {
		return errorf(ErrCorrupted, "page %d: empty leaf", c.pgnos[l])
	}
	return nil
}

// next steps to the following entry. At the last entry it returns false
// and leaves the stack unchanged.
func (c *Cursor) next() (bool, error) {
	top := c.top
	if c.idx[top]+1 < c.pages[top].numKeys() {
		c.idx[top]++
		return true, nil
	}
	l := top - 1
	for l >= 0 && c.idx[l]+1 >= c.pages[l].numKeys() {
		l--
	}
	if l < 0 {
		return false, nil
	}
	c.idx[l]++
	return true, c.descendFrom(l, false)
}

// prev steps to the preceding entry. At the first entry it returns false
// and leaves the stack unchanged.
func (c *Cursor) prev() (bool, error) {
	top := c.top
	if c.idx[top] > 0 {
		c.idx[top]--
		return true, nil
	}
	l := top - 1
	for l >= 0 && c.idx[l] == 0 {
		l--
	}
	if l < 0 {
		return false, nil
	}
	c.idx[l]--
	return true, c.descendFrom(l, true)
}

func (c *Cursor) checkPut(key, val []byte, flags uint) error {
	if err := c.checkKey(key); err != nil {
		return err
	}
	if uint(c.tree.flags)&IntegerKey != 0 && len(key) != 4 && len(key) != 8 {
		return errorf(ErrBadValSize, "integer key of %d bytes", len(key))
	}
	if len(val) > MaxDataSize {
		return errorf(ErrBadValSize, "value of %d bytes", len(val))
	}
	if !c.dupSort {
		if flags&(AllowDup|NoDupData) != 0 {
			return errorf(ErrIncompatible, "duplicate flags need a DupSort database")
		}
		return nil
	}
	if len(val) > maxKeySize(c.txn.pageSize) {
		return errorf(ErrBadValSize, "DupSort value of %d bytes", len(val))
	}
	return nil
}

// putEntry inserts or replaces (key, val) according to flags and leaves
// the cursor on the entry.
func (c *Cursor) putEntry(key, val []byte, flags uint, nflags nodeFlags) error {
	txn := c.txn
	c.version = txn.version
	if c.dupSort && val == nil {
		val = []byte{}
	}
	if c.tree.isEmpty() {
		txn.mutate()
		c.version = txn.version
		return c.putFirst(key, val, nflags)
	}

	var sval []byte
	if c.dupSort {
		sval = val
		if flags&NoOverwrite != 0 {
			found, err := c.seek(key, nil)
			if err != nil {
				return err
			}
			if found && c.atKey(key) {
				return NewError(ErrKeyExist)
			}
		}
	}
	if err := c.descend(key, sval); err != nil {
		c.state = cursorUnset
		return err
	}
	c.state, c.deleted = cursorPointing, false
	top := c.top
	i := c.idx[top]
	exact := i < c.pages[top].numKeys() && c.cmpLeaf(key, sval, c.pages[top].node(i)) == 0
	if exact {
		n := c.pages[top].node(i)
		if n.isTree() != (nflags&nodeTree != 0) {
			return errorf(ErrIncompatible, "key %q holds a named database", n.key())
		}
		if c.dupSort {
			if flags&NoDupData != 0 {
				return NewError(ErrKeyExist)
			}
			return nil
		}
		if flags&NoOverwrite != 0 {
			return NewError(ErrKeyExist)
		}
	}

	txn.mutate()
	c.version = txn.version
	if err := c.touchPath(); err != nil {
		return err
	}
	leaf := c.pages[top]
	if exact {
		old := leaf.node(i)
		if !old.isBig() && old.dsize() == len(val) && leafNodeSize(key, val) <= nodeMax(txn.pageSize) {
			copy(old.data(), val)
			return nil
		}
		if err := c.freeOverflow(old); err != nil {
			return err
		}
		leaf.remove(i)
	} else {
		c.tree.entries++
	}

	nd, err := c.buildLeaf(key, val, nflags)
	if err != nil {
		return err
	}
	if leaf.insert(i, nd) {
		c.state = cursorPointing
		return nil
	}
	if err := c.split(top, i, nd); err != nil {
		return err
	}
	found, err := c.seek(key, sval)
	if err == nil && !found {
		err = errorf(ErrCorrupted, "inserted key %q not found after split", key)
	}
	return err
}

// putFirst makes a leaf root for the first entry of an empty tree.
func (c *Cursor) putFirst(key, val []byte, nflags nodeFlags) error {
	txn := c.txn
	pg, p, err := txn.allocate(1)
	if err != nil {
		return err
	}
	p.init(pg, pageLeaf, txn.id)
	nd, err := c.buildLeaf(key, val, nflags)
	if err != nil {
		return err
	}
	p.insert(0, nd)
	t := c.tree
	t.root, t.depth = pg, 1
	t.leafPages, t.branchPages = 1, 0
	t.entries = 1
	txn.markDirty(c.dbi, t)

	c.top = 0
	c.pgnos[0], c.pages[0], c.idx[0] = pg, p, 0
	c.state, c.deleted = cursorPointing, false
	return nil
}

// buildLeaf encodes a leaf node, moving a large value to overflow pages.
func (c *Cursor) buildLeaf(key, val []byte, nflags nodeFlags) ([]byte, error) {
	txn := c.txn
	ps := txn.pageSize
	if c.dupSort || leafNodeSize(key, val) <= nodeMax(ps) {
		c.buf = appendLeafNode(c.buf[:0], key, val, nflags, len(val))
		return c.buf, nil
	}
	n := pagesFor(len(val), ps)
	pg, p, err := txn.allocate(n)
	if err != nil {
		return nil, err
	}
	p.init(pg, pageOverflow, txn.id)
	p.setRunLen(n)
	copy(p[pageHeaderSize:], val)
	c.tree.overflowPages += uint32(n)

	var ref [4]byte
	le.PutUint32(ref[:], uint32(pg))
	c.buf = appendLeafNode(c.buf[:0], key, ref[:], nflags|nodeBig, len(val))
	return c.buf, nil
}

func (c *Cursor) freeOverflow(n node) error {
	if !n.isBig() {
		return nil
	}
	run, err := c.txn.getPage(n.overflow())
	if err != nil {
		return err
	}
	c.txn.freePages(n.overflow(), run.runLen())
	c.tree.overflowPages -= uint32(run.runLen())
	return nil
}

// touchPath makes every page on the stack writable, rewriting child
// pointers and the root as pages get new numbers.
func (c *Cursor) touchPath() error {
	txn := c.txn
	for l := 0; l <= c.top; l++ {
		pg, p, err := txn.touch(c.pgnos[l])
		if err != nil {
			return err
		}
		if pg != c.pgnos[l] {
			if l == 0 {
				c.tree.root = pg
			} else {
				c.pages[l-1].node(c.idx[l-1]).setChild(pg)
			}
		}
		c.pgnos[l], c.pages[l] = pg, p
	}
	txn.markDirty(c.dbi, c.tree)
	return nil
}

// split inserts nd at index i of the full page on level l. The page keeps
// the left half and a new right sibling is linked into the parent.
func (c *Cursor) split(l, i int, nd []byte) error {
	txn := c.txn
	p := c.pages[l]
	branch := p.isBranch()
	n := p.numKeys()

	nodes := make([][]byte, 0, n+1)
	for j := 0; j < n; j++ {
		if j == i {
			nodes = append(nodes, nd)
		}
		nodes = append(nodes, bytes.Clone(p.node(j).bytes(branch)))
	}
	if i == n {
		nodes = append(nodes, nd)
	}

	k := splitPoint(nodes)
	if i == n && c.rightEdge(l) {
		// Appending in order: leave the left page full.
		k = n
	}

	rpg, rp, err := txn.allocate(1)
	if err != nil {
		return err
	}
	rp.init(rpg, p.flags(), txn.id)
	p.reset(txn.id)
	for j, b := range nodes[:k] {
		if !p.insert(j, b) {
			return errorf(ErrCorrupted, "page %d: split half does not fit", c.pgnos[l])
		}
	}
	for j, b := range nodes[k:] {
		if !rp.insert(j, b) {
			return errorf(ErrCorrupted, "page %d: split half does not fit", rpg)
		}
	}
	if branch {
		c.tree.branchPages++
	} else {
		c.tree.leafPages++
	}

	sn := node(nodes[k])
	var sepVal []byte
	if c.dupSort {
		if branch {
			sepVal = sn.sepValue()
		} else {
			sepVal = sn.data()
		}
	}
	sep := appendBranchNode(nil, sn.key(), sepVal, rpg)
	if l == 0 {
		return c.growRoot(sep)
	}
	return c.insertBranch(l-1, c.idx[l-1]+1, sep)
}

// splitPoint returns the index of the first node of the right half so
// both halves hold about the same number of bytes.
func splitPoint(nodes [][]byte) int {
	total := 0
	for _, b := range nodes {
		total += len(b) + 2
	}
	acc := 0
	for k, b := range nodes {
		if acc >= total/2 {
			return max(1, k)
		}
		acc += len(b) + 2
	}
	return len(nodes) - 1
}

// rightEdge reports whether the page on level l is the last of its level.
func (c *Cursor) rightEdge(l int) bool {
	for j := 0; j < l; j++ {
		if c.idx[j] != c.pages[j].numKeys()-1 {
			return false
		}
	}
	return true
}

func (c *Cursor) insertBranch(l, i int, sep []byte) error {
	if c.pages[l].insert(i, sep) {
		return nil
	}
	return c.split(l, i, sep)
}

// growRoot puts a new branch root above a split root.
func (c *Cursor) growRoot(sep []byte) error {
	txn, t := c.txn, c.tree
	if int(t.depth) >= CursorStackSize {
		return errorf(ErrCorrupted, "tree deeper than %d", CursorStackSize)
	}
	pg, p, err := txn.allocate(1)
	if err != nil {
		return err
	}
	p.init(pg, pageBranch, txn.id)
	p.insert(0, appendBranchNode(nil, nil, nil, c.pgnos[0]))
	p.insert(1, sep)
	t.root = pg
	t.depth++
	t.branchPages++
	return nil
}

// del removes the entry under the cursor, or with allDups every value of
// its key, and moves the cursor to the following entry.
func (c *Cursor) del(allDups bool) error {
	txn := c.txn
	key := append([]byte(nil), c.node().key()...)
	var val []byte
	if c.dupSort && !allDups {
		val = append([]byte{}, c.node().data()...)
	}
	for {
		txn.mutate()
		c.version = txn.version
		if err := c.touchPath(); err != nil {
			return err
		}
		if err := c.removeCurrent(); err != nil {
			return err
		}
		found, err := c.seek(key, val)
		if err != nil || !found {
			return err
		}
		if allDups && c.atKey(key) {
			continue
		}
		c.deleted = true
		return nil
	}
}

func (c *Cursor) removeCurrent() error {
	top := c.top
	leaf := c.pages[top]
	if err := c.freeOverflow(leaf.node(c.idx[top])); err != nil {
		return err
	}
	leaf.remove(c.idx[top])
	c.tree.entries--
	return c.rebalance(top)
}

func (c *Cursor) countFreed(p page) {
	if p.isBranch() {
		c.tree.branchPages--
	} else {
		c.tree.leafPages--
	}
}

// rebalance fixes the page on level l after a removal: empty pages leave
// the tree, a page under a quarter full merges into a sibling when the
// two fit in one page, and a root branch with one child gives way to it.
// Every page on the stack is already writable.
func (c *Cursor) rebalance(l int) error {
	txn, t := c.txn, c.tree
	p := c.pages[l]

	if l == 0 {
		if p.numKeys() == 0 {
			c.countFreed(p)
			txn.freePages(t.root, 1)
			t.root, t.depth = invalidPgno, 0
			return nil
		}
		for p.isBranch() && p.numKeys() == 1 {
			child := p.node(0).child()
			txn.freePages(t.root, 1)
			t.branchPages--
			t.depth--
			t.root = child
			np, err := c.loadPage(child)
			if err != nil {
				return err
			}
			p = np
		}
		return nil
	}

	parent := c.pages[l-1]
	pi := c.idx[l-1]
	if p.numKeys() == 0 {
		c.countFreed(p)
		txn.freePages(c.pgnos[l], 1)
		parent.remove(pi)
		return c.rebalance(l - 1)
	}
	if p.used() >= (len(p)-pageHeaderSize)/4 || parent.numKeys() < 2 {
		return nil
	}

	li, ri := pi-1, pi
	if pi == 0 {
		li, ri = 0, 1
	}
	branch := p.isBranch()

	var lpg, rpg pgno
	var lp, rp page
	var err error
	if li == pi {
		lpg, lp = c.pgnos[l], p
		rpg = parent.node(ri).child()
		if rp, err = c.loadPage(rpg); err != nil {
			return err
		}
	} else {
		rpg, rp = c.pgnos[l], p
		lpg = parent.node(li).child()
		if lp, err = c.loadPage(lpg); err != nil {
			return err
		}
	}

	// The first node of a right branch takes the parent separator as key.
	need := 0
	for j := 0; j < rp.numKeys(); j++ {
		need += rp.node(j).size(branch) + 2
	}
	var sep0 []byte
	if branch {
		sn := parent.node(ri)
		sep0 = appendBranchNode(nil, sn.key(), sn.sepValue(), rp.node(0).child())
		need += len(sep0) - rp.node(0).size(true)
	}
	if need > lp.free() {
		return nil
	}

	if li != pi {
		npg, np, err := txn.touch(lpg)
		if err != nil {
			return err
		}
		if npg != lpg {
			parent.node(li).setChild(npg)
		}
		lp = np
	}
	base := lp.numKeys()
	for j := 0; j < rp.numKeys(); j++ {
		b := []byte(rp.node(j).bytes(branch))
		if j == 0 && branch {
			b = sep0
		}
		if !lp.insert(base+j, b) {
			return errorf(ErrCorrupted, "page %d: merge does not fit", lpg)
		}
	}
	c.countFreed(rp)
	txn.freePages(rpg, 1)
	parent.remove(ri)
	return c.rebalance(l - 1)
}
