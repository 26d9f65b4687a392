package mdb

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Giulio2002/mdb/mmap"
	"github.com/Giulio2002/mdb/spill"
)

// sysPageSize is the system's memory page size, cached at init time.
var sysPageSize = int64(mmap.PageSize())

func alignUp(size, to int64) int64 {
	if r := size % to; r != 0 {
		return size + to - r
	}
	return size
}

// envSignature is the magic number for valid environments
const envSignature uint32 = 0x4D444245 // "MDBE"

// Env is a database environment: one data file, its lock file and the
// mapping shared by every transaction.
type Env struct {
	signature atomic.Uint32
	flags     uint
	path      string
	mu        sync.RWMutex

	dataPath string
	lockPath string
	dataFile *os.File
	dataMap  *mmap.Map
	lock     *lockFile
	arena    *spill.Arena
	logger   *slog.Logger

	// Close waits for every live transaction. closing is set under mu
	// before the wait; no transaction begins once it is set.
	txnWg   sync.WaitGroup
	closing bool

	pageSize      int
	mapSize       int64
	maxReaders    int
	maxDBs        int
	writerTimeout time.Duration

	// Last meta this process observed or committed.
	meta     atomic.Pointer[meta]
	fileSize atomic.Int64

	// writer is the in-process ownership token; holding it is required to
	// take the cross-process flock. freelist and freelistTxn belong to the
	// token holder.
	writer      chan struct{}
	freelist    *freelist
	freelistTxn txnid

	dbisMu sync.RWMutex
	dbis   []*dbiInfo
}

// dbiInfo describes an open database handle.
type dbiInfo struct {
	name  string
	flags uint
	cmp   CmpFunc
	dcmp  CmpFunc
}

// NewEnv creates an unopened environment with default settings.
func NewEnv() (*Env, error) {
	e := &Env{
		pageSize:   DefaultPageSize,
		mapSize:    DefaultMapSize,
		maxReaders: DefaultMaxReaders,
		maxDBs:     DefaultMaxDBs,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		writer:     make(chan struct{}, 1),
	}
	e.signature.Store(envSignature)
	return e, nil
}

// valid returns true if the environment is valid.
func (e *Env) valid() bool {
	return e != nil && e.signature.Load() == envSignature
}

func (e *Env) isOpen() bool {
	return e.dataMap != nil
}

// SetMapSize sets the size of the mapping and so the largest the data
// file may grow. It rounds up to a whole number of pages.
func (e *Env) SetMapSize(size int64) error {
	if !e.valid() || size <= 0 {
		return NewError(ErrInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isOpen() {
		return errorf(ErrInvalid, "map size cannot change while open")
	}
	e.mapSize = size
	return nil
}

// SetMaxReaders sets the reader table size of a new lock file.
func (e *Env) SetMaxReaders(n int) error {
	if !e.valid() || n <= 0 {
		return NewError(ErrInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isOpen() {
		return errorf(ErrInvalid, "max readers cannot change while open")
	}
	e.maxReaders = n
	return nil
}

// SetMaxDBs sets how many database handles may be open, counting the
// main database.
func (e *Env) SetMaxDBs(n int) error {
	if !e.valid() || n <= 0 {
		return NewError(ErrInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isOpen() {
		return errorf(ErrInvalid, "max dbs cannot change while open")
	}
	e.maxDBs = n
	return nil
}

// SetPageSize sets the page size of a new data file. Existing files keep
// the page size they were created with.
func (e *Env) SetPageSize(n int) error {
	if !e.valid() || !validPageSize(n) {
		return NewError(ErrInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isOpen() {
		return errorf(ErrInvalid, "page size cannot change while open")
	}
	e.pageSize = n
	return nil
}

// SetWriterTimeout bounds how long a write BeginTxn waits for the
// writer token. Zero waits forever.
func (e *Env) SetWriterTimeout(d time.Duration) error {
	if !e.valid() || d < 0 {
		return NewError(ErrInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writerTimeout = d
	return nil
}

// SetLogger sets the logger for environment events. A nil logger
// discards output.
func (e *Env) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e.mu.Lock()
	e.logger = l
	e.mu.Unlock()
}

// SetOption sets a numeric option by name.
func (e *Env) SetOption(opt Option, value uint64) error {
	switch opt {
	case OptMaxDB:
		return e.SetMaxDBs(int(value))
	case OptMaxReaders:
		return e.SetMaxReaders(int(value))
	case OptMapSize:
		return e.SetMapSize(int64(value))
	case OptPageSize:
		return e.SetPageSize(int(value))
	}
	return NewError(ErrInvalid)
}

// GetOption returns a numeric option.
func (e *Env) GetOption(opt Option) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch opt {
	case OptMaxDB:
		return uint64(e.maxDBs), nil
	case OptMaxReaders:
		if e.lock != nil {
			return uint64(e.lock.maxReaders()), nil
		}
		return uint64(e.maxReaders), nil
	case OptMapSize:
		return uint64(e.mapSize), nil
	case OptPageSize:
		return uint64(e.pageSize), nil
	}
	return 0, NewError(ErrInvalid)
}

// Open opens the environment at path, creating it unless ReadOnly is set.
// mode is the permission of newly created files.
func (e *Env) Open(path string, flags uint, mode os.FileMode) error {
	if !e.valid() {
		return NewError(ErrInvalid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isOpen() {
		return errorf(ErrInvalid, "environment already open")
	}

	e.flags = flags
	e.path = path
	readOnly := flags&ReadOnly != 0

	if flags&NoSubdir != 0 {
		e.dataPath = path
		e.lockPath = path + LockSuffix
	} else {
		if readOnly {
			if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
				return errorf(ErrEnvOpen, "%s: not a directory", path)
			}
		} else if err := os.MkdirAll(path, mode|0700); err != nil {
			return WrapError(ErrEnvOpen, err)
		}
		e.dataPath = filepath.Join(path, DataFileName)
		e.lockPath = filepath.Join(path, LockFileName)
	}

	if err := e.open(readOnly, mode); err != nil {
		e.closeFiles()
		return err
	}
	return nil
}

func (e *Env) open(readOnly bool, mode os.FileMode) error {
	fileFlags := os.O_RDWR | os.O_CREATE
	if readOnly {
		fileFlags = os.O_RDONLY
	}
	f, err := os.OpenFile(e.dataPath, fileFlags, mode)
	if err != nil {
		return WrapError(ErrEnvOpen, err)
	}
	e.dataFile = f

	lf, err := openLockFile(e.lockPath, e.maxReaders, readOnly)
	if err != nil {
		return WrapError(ErrEnvOpen, err)
	}
	e.lock = lf
	if lf.lockless {
		e.logger.Warn("lock file not writable, readers are not shared with other processes", "path", e.lockPath)
	}
	if n := lf.clearStale(); n > 0 {
		e.logger.Warn("cleared stale reader slots", "count", n)
	}

	fi, err := f.Stat()
	if err != nil {
		return WrapError(ErrEnvOpen, err)
	}
	if fi.Size() == 0 {
		if readOnly {
			return errorf(ErrEnvOpen, "%s: empty data file", e.dataPath)
		}
		if err := e.initFile(); err != nil {
			return err
		}
		if fi, err = f.Stat(); err != nil {
			return WrapError(ErrEnvOpen, err)
		}
	}
	e.fileSize.Store(fi.Size())

	m, err := e.readMetaFromFile()
	if err != nil {
		return err
	}
	e.pageSize = int(m.pageSize)

	mapSize := max(e.mapSize, int64(m.mapSize), fi.Size())
	mapSize = alignUp(alignUp(mapSize, int64(e.pageSize)), sysPageSize)
	if int64(m.lastPgno)*int64(e.pageSize) > mapSize {
		return errorf(ErrCorrupted, "meta claims %d pages beyond map size %d", m.lastPgno, mapSize)
	}
	e.mapSize = mapSize

	dm, err := mmap.New(int(f.Fd()), 0, int(mapSize), false)
	if err != nil {
		return WrapError(ErrEnvOpen, err)
	}
	e.dataMap = dm
	if err := dm.AdviseRandom(); err != nil {
		e.logger.Debug("madvise failed", "err", err)
	}
	e.meta.Store(&m)

	if !readOnly {
		a, err := spill.New(e.dataPath+spillSuffix, e.pageSize, spill.DefaultSegmentPages)
		if err != nil {
			return WrapError(ErrEnvOpen, err)
		}
		e.arena = a
	}

	e.dbisMu.Lock()
	e.dbis = make([]*dbiInfo, e.maxDBs)
	e.dbis[mainDBI] = newDBIInfo("", uint(m.main.flags))
	e.dbisMu.Unlock()

	e.logger.Debug("opened environment",
		"path", e.path, "pageSize", e.pageSize, "mapSize", e.mapSize,
		"txnid", m.txnid, "lastPgno", m.lastPgno, "readers", e.lock.maxReaders())
	return nil
}

// initFile writes the two meta pages of an empty data file.
func (e *Env) initFile() error {
	if err := e.lock.lockWriter(0); err != nil {
		return WrapError(ErrEnvOpen, err)
	}
	defer e.lock.unlockWriter()

	// Another process may have initialized the file first.
	if fi, err := e.dataFile.Stat(); err != nil || fi.Size() > 0 {
		return nil
	}

	ps := e.pageSize
	buf := make([]byte, numMetas*ps)
	for slot := 0; slot < numMetas; slot++ {
		m := meta{
			pageSize: uint32(ps),
			flags:    uint32(e.flags & envPersistentFlags),
			mapSize:  uint64(e.mapSize),
			txnid:    initialTxnID - txnid(numMetas-1-slot),
			lastPgno: numMetas,
			freelist: invalidPgno,
			main:     emptyTree(0),
		}
		m.encode(page(buf[slot*ps:(slot+1)*ps]), slot)
	}
	if _, err := e.dataFile.WriteAt(buf, 0); err != nil {
		return WrapError(ErrIO, err)
	}
	if err := e.dataFile.Truncate(alignUp(int64(len(buf)), sysPageSize)); err != nil {
		return WrapError(ErrIO, err)
	}
	if err := fdatasync(e.dataFile); err != nil {
		return WrapError(ErrIO, err)
	}
	e.logger.Debug("initialized data file", "path", e.dataPath, "pageSize", ps)
	return nil
}

// readMetaFromFile reads both meta pages with pread. The page size is not
// known yet, so when meta 0 is unreadable every legal size is tried for
// meta 1.
func (e *Env) readMetaFromFile() (meta, error) {
	readPage := func(off int64) []byte {
		buf := make([]byte, pageHeaderSize+metaBodySize)
		n, _ := e.dataFile.ReadAt(buf, off)
		return buf[:n]
	}

	p0 := readPage(0)
	if m0, err := decodeMeta(p0); err == nil {
		p1 := readPage(int64(m0.pageSize))
		if _, err := decodeMeta(p1); err != nil {
			e.logger.Warn("meta page 1 is invalid, using meta page 0", "txnid", m0.txnid, "err", err)
		}
		m, _, err := pickMeta(p0, p1)
		return m, err
	}

	var firstErr error
	for ps := MinPageSize; ps <= MaxPageSize; ps *= 2 {
		m, _, err := pickMeta(p0, readPage(int64(ps)))
		if err == nil && int(m.pageSize) == ps {
			e.logger.Warn("meta page 0 is invalid, using meta page 1", "txnid", m.txnid)
			return m, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return meta{}, firstErr
}

// loadMeta returns the current meta as seen through the mapping. Another
// process may have committed since the last call.
func (e *Env) loadMeta() (meta, error) {
	data := e.dataMap.Data()
	ps := e.pageSize
	m, _, err := pickMeta(data[0:ps], data[ps:2*ps])
	if err != nil {
		return meta{}, err
	}
	if int64(m.lastPgno)*int64(ps) > e.mapSize {
		return meta{}, NewError(ErrMapResized)
	}
	if cur := e.meta.Load(); cur == nil || cur.txnid != m.txnid {
		e.meta.Store(&m)
	}
	return m, nil
}

func (e *Env) closeFiles() {
	if e.arena != nil {
		if err := e.arena.Close(); err != nil {
			e.logger.Debug("closing dirty page arena", "err", err)
		}
		e.arena = nil
	}
	if e.dataMap != nil {
		e.dataMap.Close()
		e.dataMap = nil
	}
	if e.dataFile != nil {
		e.dataFile.Close()
		e.dataFile = nil
	}
	if e.lock != nil {
		e.lock.close()
		e.lock = nil
	}
	e.freelist = nil
	e.freelistTxn = 0
}

// Close waits for live transactions to end and releases all resources.
func (e *Env) Close() {
	if !e.valid() {
		return
	}
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return
	}
	e.closing = true
	e.mu.Unlock()

	e.txnWg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeFiles()
	e.signature.Store(0)
}

// Sync flushes the data file. With force it syncs even if the environment
// was opened with NoSync.
func (e *Env) Sync(force bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.isOpen() {
		return NewError(ErrInvalid)
	}
	if e.flags&ReadOnly != 0 {
		return nil
	}
	if e.flags&NoSync != 0 && !force {
		return nil
	}
	if err := fdatasync(e.dataFile); err != nil {
		return WrapError(ErrIO, err)
	}
	return nil
}

// Path returns the path the environment was opened with.
func (e *Env) Path() string {
	return e.path
}

// Flags returns the flags the environment was opened with.
func (e *Env) Flags() uint {
	return e.flags
}

// MaxKeySize returns the longest key the environment accepts. In DupSort
// databases values share this limit.
func (e *Env) MaxKeySize() int {
	return maxKeySize(e.pageSize)
}

// BeginTxn starts a transaction. parent must be nil; nested transactions
// are not supported.
func (e *Env) BeginTxn(parent *Txn, flags uint) (*Txn, error) {
	if !e.valid() {
		return nil, NewError(ErrInvalid)
	}
	if parent != nil {
		return nil, errorf(ErrIncompatible, "nested transactions are not supported")
	}
	if flags&TxnReadOnly != 0 {
		return e.beginReadTxn()
	}
	return e.beginWriteTxn(flags)
}

func (e *Env) beginReadTxn() (*Txn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.isOpen() || e.closing {
		return nil, NewError(ErrInvalid)
	}

	slot, idx, err := e.lock.acquireSlot()
	if err != nil {
		return nil, WrapError(ErrReadersFull, err)
	}

	// Publish the snapshot, then make sure it is still the newest: a
	// writer that scanned the table before the publish may have already
	// recycled pages of an older one.
	var m meta
	for {
		if m, err = e.loadMeta(); err != nil {
			e.lock.releaseSlot(slot, idx)
			return nil, err
		}
		e.lock.publish(slot, m.txnid)
		cur, err := e.loadMeta()
		if err != nil {
			e.lock.releaseSlot(slot, idx)
			return nil, err
		}
		if cur.txnid == m.txnid {
			break
		}
	}

	e.txnWg.Add(1)
	txn := newTxn(e, TxnReadOnly, m)
	txn.slot = slot
	txn.slotIdx = idx
	return txn, nil
}

func (e *Env) beginWriteTxn(flags uint) (*Txn, error) {
	if e.flags&ReadOnly != 0 {
		return nil, NewError(ErrPermissionDenied)
	}
	e.mu.RLock()
	timeout := e.writerTimeout
	e.mu.RUnlock()
	if flags&TxnTry != 0 {
		timeout = -1
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := e.acquireWriter(timeout); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	release := func() {
		e.lock.unlockWriter()
		<-e.writer
	}
	if !e.isOpen() || e.closing {
		<-e.writer
		return nil, NewError(ErrInvalid)
	}

	// The flock gets what is left of the deadline the token wait used.
	if timeout > 0 {
		if timeout = time.Until(deadline); timeout <= 0 {
			timeout = -1
		}
	}
	if err := e.lock.lockWriter(timeout); err != nil {
		<-e.writer
		if errors.Is(err, errLockBusy) {
			return nil, WrapError(ErrTxnConflict, err)
		}
		return nil, WrapError(ErrIO, err)
	}

	m, err := e.loadMeta()
	if err != nil {
		release()
		return nil, err
	}
	if e.freelist == nil || e.freelistTxn != m.txnid {
		fl, err := e.readFreelist(m)
		if err != nil {
			release()
			return nil, err
		}
		e.freelist = fl
		e.freelistTxn = m.txnid
	}

	fl := e.freelist.clone()
	oldest, ok := e.lock.oldestReader()
	if !ok || oldest > m.txnid {
		oldest = m.txnid
	}
	if n := fl.release(oldest); n > 0 {
		e.logger.Debug("reclaimed pages", "count", n, "oldestReader", oldest)
	}

	e.txnWg.Add(1)
	txn := newTxn(e, TxnReadWrite, m)
	txn.id = m.txnid + 1
	txn.freelist = fl
	txn.nextPgno = m.lastPgno
	return txn, nil
}

// acquireWriter takes the in-process writer token. A zero timeout waits
// forever, a negative one not at all.
func (e *Env) acquireWriter(timeout time.Duration) error {
	switch {
	case timeout < 0:
		select {
		case e.writer <- struct{}{}:
			return nil
		default:
			return errorf(ErrTxnConflict, "writer token held")
		}
	case timeout == 0:
		e.writer <- struct{}{}
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case e.writer <- struct{}{}:
		return nil
	case <-t.C:
		return errorf(ErrTxnConflict, "writer token not available after %v", timeout)
	}
}

func (e *Env) readFreelist(m meta) (*freelist, error) {
	fl := newFreelist()
	if m.freelist == invalidPgno {
		return fl, nil
	}
	off := int64(m.freelist) * int64(e.pageSize)
	n := int64(m.freelistPages) * int64(e.pageSize)
	run, err := e.dataMap.Region(off, n)
	if err != nil {
		return nil, errorf(ErrCorrupted, "freelist run %d+%d: %v", m.freelist, m.freelistPages, err)
	}
	if page(run).flags()&pageFreelist == 0 {
		return nil, errorf(ErrCorrupted, "page %d is not a freelist page", m.freelist)
	}
	if err := fl.read(run[pageHeaderSize:]); err != nil {
		return nil, err
	}
	return fl, nil
}

// EnvInfo describes the state of an open environment.
type EnvInfo struct {
	MapSize      int64
	PageSize     int
	LastPgno     uint32 // first page past the allocated ones
	LastTxnID    uint64
	FreePages    int
	PendingPages int
	NumReaders   int
	MaxReaders   int
	FixedMap     bool
}

// Info reports the latest committed state.
func (e *Env) Info() (*EnvInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.isOpen() {
		return nil, NewError(ErrInvalid)
	}
	m, err := e.loadMeta()
	if err != nil {
		return nil, err
	}
	info := &EnvInfo{
		MapSize:    e.mapSize,
		PageSize:   e.pageSize,
		LastPgno:   uint32(m.lastPgno),
		LastTxnID:  uint64(m.txnid),
		NumReaders: e.lock.readers(),
		MaxReaders: e.lock.maxReaders(),
		FixedMap:   uint(m.flags)&FixedMap != 0,
	}
	fl, err := e.readFreelist(m)
	if err != nil {
		return nil, err
	}
	info.FreePages = fl.freeCount()
	info.PendingPages = fl.pendingCount()
	return info, nil
}

// Stat returns statistics of the main database.
func (e *Env) Stat() (*Stat, error) {
	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	return txn.Stat(mainDBI)
}

// ReaderCheck clears reader slots left behind by dead processes and
// returns how many were cleared.
func (e *Env) ReaderCheck() (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.isOpen() {
		return 0, NewError(ErrInvalid)
	}
	n := e.lock.clearStale()
	if n > 0 {
		e.logger.Warn("cleared stale reader slots", "count", n)
	}
	return n, nil
}

// Copy writes a consistent snapshot of the environment to a new data file
// at path. Both meta pages of the copy describe the snapshot.
func (e *Env) Copy(path string) error {
	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return err
	}
	defer txn.Abort()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	defer f.Close()

	ps := int64(e.pageSize)
	m := txn.meta
	hdr := make([]byte, 2*ps)
	for slot := 0; slot < numMetas; slot++ {
		// The other slot gets an older txnid so the next commit to the
		// copy overwrites it and not the current meta.
		mm := m
		if slot != int(m.txnid%numMetas) {
			mm.txnid--
		}
		mm.encode(page(hdr[int64(slot)*ps:int64(slot+1)*ps]), slot)
	}
	if _, err := f.Write(hdr); err != nil {
		return WrapError(ErrIO, err)
	}

	body, err := e.dataMap.Region(2*ps, (int64(m.lastPgno)-2)*ps)
	if err != nil {
		return WrapError(ErrCorrupted, err)
	}
	for len(body) > 0 {
		n := min(len(body), 1<<20)
		if _, err := f.Write(body[:n]); err != nil {
			return WrapError(ErrIO, err)
		}
		body = body[n:]
	}
	if err := f.Sync(); err != nil {
		return WrapError(ErrIO, err)
	}
	e.logger.Debug("copied environment", "dst", path, "txnid", m.txnid, "pages", m.lastPgno)
	return nil
}
