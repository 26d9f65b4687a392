package mdb

import "bytes"

// DBI is a database handle (index into environment's database array).
type DBI uint32

// MainDBI is the unnamed database. It also holds the records of named
// databases.
const MainDBI DBI = mainDBI

func newDBIInfo(name string, flags uint) *dbiInfo {
	return &dbiInfo{
		name:  name,
		flags: flags & dbPersistentFlags,
		cmp:   keyCmp(flags),
		dcmp:  bytes.Compare,
	}
}

func (e *Env) dbi(dbi DBI) *dbiInfo {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	if int(dbi) >= len(e.dbis) {
		return nil
	}
	return e.dbis[dbi]
}

// tree returns the record of dbi as seen by txn, loading a named tree from
// the main tree on first use.
func (txn *Txn) tree(dbi DBI) (*tree, *dbiInfo, error) {
	if !txn.valid() {
		return nil, nil, NewError(ErrBadTxn)
	}
	info := txn.env.dbi(dbi)
	if info == nil || int(dbi) >= len(txn.trees) {
		return nil, nil, NewError(ErrBadDBI)
	}
	if !txn.loaded[dbi] {
		t, found, err := txn.lookupTree(info.name)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			// Opened by a later txn, or dropped.
			t = emptyTree(info.flags)
		}
		txn.trees[dbi] = t
		txn.loaded[dbi] = true
	}
	return &txn.trees[dbi], info, nil
}

// lookupTree reads the record of a named database from the main tree.
func (txn *Txn) lookupTree(name string) (tree, bool, error) {
	c, err := txn.cursor(MainDBI)
	if err != nil {
		return tree{}, false, err
	}
	key := []byte(name)
	found, err := c.seek(key, nil)
	if err != nil || !found || !c.atKey(key) {
		return tree{}, false, err
	}
	n := c.node()
	if !n.isTree() {
		return tree{}, false, errorf(ErrIncompatible, "%q is a plain key of the main database", name)
	}
	t, err := decodeTree(n.data())
	return t, err == nil, err
}

// OpenDBISimple opens a database with the default comparators.
func (txn *Txn) OpenDBISimple(name string, flags uint) (DBI, error) {
	return txn.OpenDBI(name, flags, nil, nil)
}

// OpenDBI opens a named database, creating it when flags has Create. cmp
// orders keys and dcmp orders DupSort values; nil selects the default
// implied by flags. The empty name is the main database.
//
// Handles are shared by the environment. An existing database keeps its
// stored flags unless Create asks for different ones, which fails with
// ErrIncompatible.
func (txn *Txn) OpenDBI(name string, flags uint, cmp, dcmp CmpFunc) (DBI, error) {
	if !txn.valid() {
		return 0, NewError(ErrBadTxn)
	}
	env := txn.env
	if name == "" {
		main := &txn.trees[mainDBI]
		if flags&Create != 0 && flags&dbPersistentFlags != uint(main.flags) {
			return 0, errorf(ErrIncompatible, "main database has flags %#x", main.flags)
		}
		if cmp != nil || dcmp != nil {
			env.dbisMu.Lock()
			env.dbis[mainDBI] = withCmp(env.dbis[mainDBI], cmp, dcmp)
			env.dbisMu.Unlock()
		}
		return MainDBI, nil
	}

	if len(name) > maxKeySize(txn.pageSize) {
		return 0, errorf(ErrBadValSize, "database name of %d bytes", len(name))
	}
	t, found, err := txn.lookupTree(name)
	if err != nil {
		return 0, err
	}
	if found && flags&Create != 0 && flags&dbPersistentFlags != uint(t.flags) {
		return 0, errorf(ErrIncompatible, "database %q has flags %#x", name, t.flags)
	}
	if !found {
		if flags&Create == 0 {
			return 0, errorf(ErrNotFound, "database %q does not exist", name)
		}
		if !txn.writable() {
			return 0, errorf(ErrPermissionDenied, "cannot create %q in a read-only transaction", name)
		}
		t = emptyTree(flags)
		t.modTxnid = txn.id
	}

	env.dbisMu.Lock()
	defer env.dbisMu.Unlock()
	slot := -1
	for i := 1; i < len(env.dbis); i++ {
		if info := env.dbis[i]; info != nil && info.name == name {
			slot = i
			break
		}
		if env.dbis[i] == nil && slot < 0 {
			slot = i
		}
	}
	if slot < 0 {
		return 0, errorf(ErrDBsFull, "all %d handles in use", len(env.dbis))
	}
	info := env.dbis[slot]
	if info == nil || info.name != name || uint(t.flags) != info.flags {
		info = newDBIInfo(name, uint(t.flags))
	}
	env.dbis[slot] = withCmp(info, cmp, dcmp)

	txn.trees[slot] = t
	txn.loaded[slot] = true
	if !found {
		txn.dirtyDB[slot] = true
	}
	return DBI(slot), nil
}

func withCmp(info *dbiInfo, cmp, dcmp CmpFunc) *dbiInfo {
	if cmp == nil && dcmp == nil {
		return info
	}
	c := *info
	if cmp != nil {
		c.cmp = cmp
	}
	if dcmp != nil {
		c.dcmp = dcmp
	}
	return &c
}

// CreateDBI creates a named database if it does not exist.
func (txn *Txn) CreateDBI(name string) (DBI, error) {
	return txn.OpenDBISimple(name, Create)
}

// ListDBI returns the names of the databases recorded in the main tree.
func (txn *Txn) ListDBI() ([]string, error) {
	c, err := txn.OpenCursor(MainDBI)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var names []string
	for {
		k, _, err := c.Get(nil, nil, Next)
		if IsNotFound(err) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		if c.node().isTree() {
			names = append(names, string(k))
		}
	}
}

// DBIFlags returns the persistent flags of a database.
func (txn *Txn) DBIFlags(dbi DBI) (uint, error) {
	t, _, err := txn.tree(dbi)
	if err != nil {
		return 0, err
	}
	return uint(t.flags), nil
}

// Cmp compares two keys with the database's key order.
func (txn *Txn) Cmp(dbi DBI, a, b []byte) int {
	if info := txn.env.dbi(dbi); info != nil {
		return info.cmp(a, b)
	}
	return bytes.Compare(a, b)
}

// DCmp compares two values with the database's DupSort order.
func (txn *Txn) DCmp(dbi DBI, a, b []byte) int {
	if info := txn.env.dbi(dbi); info != nil {
		return info.dcmp(a, b)
	}
	return bytes.Compare(a, b)
}

// Sequence returns the database's sequence counter and adds increment
// to it. The returned value is the one before the addition.
func (txn *Txn) Sequence(dbi DBI, increment uint64) (uint64, error) {
	t, _, err := txn.tree(dbi)
	if err != nil {
		return 0, err
	}
	if increment > 0 {
		if !txn.writable() {
			return 0, NewError(ErrPermissionDenied)
		}
		txn.markDirty(dbi, t)
	}
	prev := t.sequence
	t.sequence += increment
	return prev, nil
}

func (txn *Txn) markDirty(dbi DBI, t *tree) {
	t.modTxnid = txn.id
	txn.dirtyDB[dbi] = true
}

// Drop empties a database and with del also removes it and closes the
// handle. The main database cannot be dropped.
func (txn *Txn) Drop(dbi DBI, del bool) error {
	t, info, err := txn.tree(dbi)
	if err != nil {
		return err
	}
	if !txn.writable() {
		return NewError(ErrPermissionDenied)
	}
	if dbi == MainDBI {
		return errorf(ErrIncompatible, "the main database cannot be dropped")
	}

	txn.mutate()
	if !t.isEmpty() {
		if err := txn.freeTree(t.root, 0); err != nil {
			return txn.fail(err)
		}
	}
	seq := t.sequence
	*t = emptyTree(uint(t.flags))
	t.sequence = seq
	txn.markDirty(dbi, t)

	if !del {
		return nil
	}
	c, err := txn.cursor(MainDBI)
	if err != nil {
		return err
	}
	key := []byte(info.name)
	found, err := c.seek(key, nil)
	if err != nil {
		return txn.fail(err)
	}
	if found && c.atKey(key) && c.node().isTree() {
		if err := c.del(false); err != nil {
			return txn.fail(err)
		}
	}
	txn.dirtyDB[dbi] = false
	txn.loaded[dbi] = false
	txn.env.dbisMu.Lock()
	txn.env.dbis[dbi] = nil
	txn.env.dbisMu.Unlock()
	return nil
}

// freeTree releases every page of the tree below pg.
func (txn *Txn) freeTree(pg pgno, depth int) error {
	if depth >= CursorStackSize {
		return errorf(ErrCorrupted, "tree deeper than %d", CursorStackSize)
	}
	p, err := txn.getPage(pg)
	if err != nil {
		return err
	}
	if p.isBranch() {
		for i := 0; i < p.numKeys(); i++ {
			if err := txn.freeTree(p.node(i).child(), depth+1); err != nil {
				return err
			}
		}
	} else {
		for i := 0; i < p.numKeys(); i++ {
			n := p.node(i)
			if !n.isBig() {
				continue
			}
			run, err := txn.getPage(n.overflow())
			if err != nil {
				return err
			}
			txn.freePages(n.overflow(), run.runLen())
		}
	}
	txn.freePages(pg, 1)
	return nil
}

// persistTrees writes the record of every changed named tree into the
// main tree.
func (txn *Txn) persistTrees() error {
	var rec [treeSize]byte
	for i := 1; i < len(txn.trees); i++ {
		if !txn.dirtyDB[i] {
			continue
		}
		info := txn.env.dbi(DBI(i))
		if info == nil {
			continue
		}
		c, err := txn.cursor(MainDBI)
		if err != nil {
			return err
		}
		txn.trees[i].encode(rec[:])
		if err := c.putEntry([]byte(info.name), rec[:], Upsert, nodeTree); err != nil {
			return err
		}
		txn.dirtyDB[i] = false
	}
	return nil
}
