package mdb

// cursorState tracks cursor validity
type cursorState uint8

const (
	cursorUnset    cursorState = iota
	cursorPointing             // at an entry
	cursorEOF                  // ran off one end, stack on the entry at that end
)

// cursorSignature is the magic number for valid cursors
const cursorSignature uint32 = 0x43555253 // "CURS"

// Cursor walks one database of a transaction in key order. In a DupSort
// database every (key, value) pair is a separate position.
type Cursor struct {
	signature uint32
	state     cursorState
	pastEnd   bool // with cursorEOF: ran off the last entry, not the first
	deleted   bool // the entry under the cursor replaced a deleted one
	top       int
	txn       *Txn
	dbi       DBI
	tree      *tree
	cmp       CmpFunc
	dcmp      CmpFunc
	dupSort   bool

	pgnos [CursorStackSize]pgno
	pages [CursorStackSize]page
	idx   [CursorStackSize]int

	// Position saved before another cursor changed the tree.
	version uint64
	key     []byte
	val     []byte

	buf []byte // leaf node under construction
}

func (c *Cursor) init(txn *Txn, dbi DBI, t *tree, info *dbiInfo) {
	c.signature = cursorSignature
	c.state = cursorUnset
	c.pastEnd = false
	c.deleted = false
	c.top = -1
	c.txn = txn
	c.dbi = dbi
	c.tree = t
	c.cmp = info.cmp
	c.dcmp = info.dcmp
	c.dupSort = t.isDupSort()
	c.version = txn.version
}

func (c *Cursor) invalidate() {
	c.signature = 0
	c.txn = nil
	c.tree = nil
	clear(c.pages[:])
}

func (c *Cursor) valid() bool {
	return c != nil && c.signature == cursorSignature && c.txn != nil && c.txn.state == TxnActive
}

// Txn returns the cursor's transaction.
func (c *Cursor) Txn() *Txn {
	return c.txn
}

// DBI returns the cursor's database handle.
func (c *Cursor) DBI() DBI {
	return c.dbi
}

// Close releases the cursor. Later calls fail with ErrBadCursor.
func (c *Cursor) Close() {
	if c == nil || c.signature != cursorSignature {
		return
	}
	if c.txn != nil {
		c.txn.removeCursor(c)
	}
	c.invalidate()
}

// Get moves the cursor by op and returns the entry it lands on. key and
// value are only read by the positioning ops. The returned slices are
// valid until the transaction changes or ends.
func (c *Cursor) Get(key, value []byte, op uint) ([]byte, []byte, error) {
	if !c.valid() {
		return nil, nil, NewError(ErrBadCursor)
	}
	if err := c.revalidate(); err != nil {
		return nil, nil, err
	}

	var err error
	switch op {
	case First:
		err = c.first()
	case Last:
		err = c.last()
	case Next:
		err = c.moveNext()
	case Prev:
		err = c.movePrev()
	case GetCurrent:
		if c.state != cursorPointing || c.deleted {
			err = NewError(ErrNotFound)
		}
	case Set, SetKey:
		err = c.set(key, nil)
	case GetBoth:
		if value == nil {
			value = []byte{}
		}
		err = c.set(key, value)
	case SetRange:
		err = c.setRange(key)
	case FirstDup:
		err = c.firstDup()
	case LastDup:
		err = c.lastDup()
	case NextDup:
		err = c.nextDup()
	case NextNoDup:
		err = c.nextNoDup()
	case PrevNoDup:
		err = c.prevNoDup()
	default:
		return nil, nil, errorf(ErrInvalid, "unknown cursor op %d", op)
	}
	if err != nil {
		return nil, nil, err
	}
	return c.current()
}

// Put stores a pair and leaves the cursor on it. With NoOverwrite or
// NoDupData a failed put leaves the cursor on the existing entry.
func (c *Cursor) Put(key, value []byte, flags uint) error {
	if !c.valid() {
		return NewError(ErrBadCursor)
	}
	if !c.txn.writable() {
		return NewError(ErrPermissionDenied)
	}
	if err := c.checkPut(key, value, flags); err != nil {
		return err
	}
	return c.txn.fail(c.putEntry(key, value, flags, 0))
}

// Del deletes the entry under the cursor. With NoDupData it deletes every
// value of the current key. The cursor moves to the following entry, which
// the next Next returns.
func (c *Cursor) Del(flags uint) error {
	if !c.valid() {
		return NewError(ErrBadCursor)
	}
	if !c.txn.writable() {
		return NewError(ErrPermissionDenied)
	}
	if err := c.revalidate(); err != nil {
		return err
	}
	if c.state != cursorPointing || c.deleted {
		return NewError(ErrNotFound)
	}
	if c.node().isTree() {
		return errorf(ErrIncompatible, "%q is a named database", c.node().key())
	}
	return c.txn.fail(c.del(flags&NoDupData != 0 && c.dupSort))
}

// Count returns the number of values of the current key.
func (c *Cursor) Count() (uint64, error) {
	if !c.valid() {
		return 0, NewError(ErrBadCursor)
	}
	if err := c.revalidate(); err != nil {
		return 0, err
	}
	if c.state != cursorPointing || c.deleted {
		return 0, NewError(ErrNotFound)
	}
	if !c.dupSort {
		return 1, nil
	}

	tmp := *c
	tmp.key, tmp.val = nil, nil
	k := append([]byte(nil), c.node().key()...)
	if _, err := tmp.seek(k, nil); err != nil {
		return 0, err
	}
	var n uint64
	for tmp.state == cursorPointing && tmp.atKey(k) {
		n++
		ok, err := tmp.next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
	}
	return n, nil
}

// EOF reports whether the last move ran off either end.
func (c *Cursor) EOF() bool {
	return c.state == cursorEOF
}

func (c *Cursor) node() node {
	return c.pages[c.top].node(c.idx[c.top])
}

func (c *Cursor) current() ([]byte, []byte, error) {
	n := c.node()
	v, err := c.txn.nodeValue(n)
	if err != nil {
		return nil, nil, err
	}
	return n.key(), v, nil
}

// atKey reports whether the cursor is on an entry with key.
func (c *Cursor) atKey(key []byte) bool {
	return c.state == cursorPointing && c.cmp(key, c.node().key()) == 0
}

// atEntry reports whether the cursor is on (key, val). val is ignored
// outside DupSort databases.
func (c *Cursor) atEntry(key, val []byte) bool {
	if !c.atKey(key) {
		return false
	}
	return !c.dupSort || val == nil || c.dcmp(val, c.node().data()) == 0
}

// snapshot saves the current entry so the cursor can find its place again
// after the tree changes under it.
func (c *Cursor) snapshot() {
	if c.state == cursorUnset {
		return
	}
	n := c.node()
	c.key = append(c.key[:0], n.key()...)
	if c.dupSort {
		c.val = append(c.val[:0], n.data()...)
	}
}

// revalidate re-seeks a cursor whose transaction changed since its last
// move.
func (c *Cursor) revalidate() error {
	txn := c.txn
	if c.version == txn.version {
		return nil
	}
	c.version = txn.version
	switch c.state {
	case cursorPointing:
		val := c.val
		if c.dupSort && val == nil {
			val = []byte{}
		}
		wasDeleted := c.deleted
		found, err := c.seek(c.key, val)
		if err != nil {
			return err
		}
		if found {
			c.deleted = wasDeleted || !c.atEntry(c.key, val)
		}
	case cursorEOF:
		pastEnd := c.pastEnd
		var err error
		if pastEnd {
			err = c.last()
		} else {
			err = c.first()
		}
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		c.state = cursorEOF
		c.pastEnd = pastEnd
	}
	return nil
}

func (c *Cursor) first() error {
	c.deleted = false
	if c.tree.isEmpty() {
		c.state = cursorUnset
		return NewError(ErrNotFound)
	}
	if err := c.descendEdge(false); err != nil {
		return err
	}
	c.state = cursorPointing
	return nil
}

func (c *Cursor) last() error {
	c.deleted = false
	if c.tree.isEmpty() {
		c.state = cursorUnset
		return NewError(ErrNotFound)
	}
	if err := c.descendEdge(true); err != nil {
		return err
	}
	c.state = cursorPointing
	return nil
}

func (c *Cursor) moveNext() error {
	switch c.state {
	case cursorUnset:
		return c.first()
	case cursorEOF:
		if c.pastEnd {
			return NewError(ErrNotFound)
		}
		c.state = cursorPointing
		return nil
	}
	if c.deleted {
		c.deleted = false
		return nil
	}
	ok, err := c.next()
	if err != nil {
		return err
	}
	if !ok {
		c.state, c.pastEnd = cursorEOF, true
		return NewError(ErrNotFound)
	}
	return nil
}

func (c *Cursor) movePrev() error {
	switch c.state {
	case cursorUnset:
		return c.last()
	case cursorEOF:
		if !c.pastEnd {
			return NewError(ErrNotFound)
		}
		c.state = cursorPointing
		return nil
	}
	c.deleted = false
	ok, err := c.prev()
	if err != nil {
		return err
	}
	if !ok {
		c.state, c.pastEnd = cursorEOF, false
		return NewError(ErrNotFound)
	}
	return nil
}

func (c *Cursor) checkKey(key []byte) error {
	if len(key) == 0 || len(key) > maxKeySize(c.txn.pageSize) {
		return errorf(ErrBadValSize, "key of %d bytes", len(key))
	}
	return nil
}

// set positions on key, or on the exact pair when val is not nil. It
// leaves the cursor unset when there is no match.
func (c *Cursor) set(key, val []byte) error {
	if err := c.checkKey(key); err != nil {
		return err
	}
	if !c.dupSort && val != nil {
		found, err := c.seek(key, nil)
		if err != nil {
			return err
		}
		if found && c.atKey(key) {
			v, err := c.txn.nodeValue(c.node())
			if err != nil {
				return err
			}
			if string(v) == string(val) {
				return nil
			}
		}
		c.state = cursorUnset
		return NewError(ErrNotFound)
	}
	found, err := c.seek(key, val)
	if err != nil {
		return err
	}
	if !found || !c.atEntry(key, val) {
		c.state = cursorUnset
		return NewError(ErrNotFound)
	}
	return nil
}

func (c *Cursor) setRange(key []byte) error {
	if err := c.checkKey(key); err != nil {
		return err
	}
	found, err := c.seek(key, nil)
	if err != nil {
		return err
	}
	if !found {
		return NewError(ErrNotFound)
	}
	return nil
}

func (c *Cursor) pointing() error {
	if c.state != cursorPointing || c.deleted {
		return NewError(ErrNotFound)
	}
	return nil
}

func (c *Cursor) firstDup() error {
	if err := c.pointing(); err != nil {
		return err
	}
	if !c.dupSort {
		return nil
	}
	k := append([]byte(nil), c.node().key()...)
	_, err := c.seek(k, nil)
	return err
}

func (c *Cursor) lastDup() error {
	if err := c.pointing(); err != nil {
		return err
	}
	if !c.dupSort {
		return nil
	}
	k := append([]byte(nil), c.node().key()...)
	for {
		ok, err := c.next()
		if err != nil {
			return err
		}
		if !ok || !c.atKey(k) {
			if ok {
				if _, err := c.prev(); err != nil {
					return err
				}
			}
			return nil
		}
	}
}

func (c *Cursor) nextDup() error {
	if err := c.pointing(); err != nil {
		return err
	}
	if !c.dupSort {
		return NewError(ErrNotFound)
	}
	k := append([]byte(nil), c.node().key()...)
	ok, err := c.next()
	if err != nil {
		return err
	}
	if !ok {
		return NewError(ErrNotFound)
	}
	if !c.atKey(k) {
		if _, err := c.prev(); err != nil {
			return err
		}
		return NewError(ErrNotFound)
	}
	return nil
}

func (c *Cursor) nextNoDup() error {
	if c.state != cursorPointing || c.deleted || !c.dupSort {
		return c.moveNext()
	}
	k := append([]byte(nil), c.node().key()...)
	for {
		ok, err := c.next()
		if err != nil {
			return err
		}
		if !ok {
			c.state, c.pastEnd = cursorEOF, true
			return NewError(ErrNotFound)
		}
		if !c.atKey(k) {
			return nil
		}
	}
}

func (c *Cursor) prevNoDup() error {
	if c.state != cursorPointing || !c.dupSort {
		return c.movePrev()
	}
	if !c.deleted {
		if err := c.firstDup(); err != nil {
			return err
		}
	}
	return c.movePrev()
}
