//go:build unix

package mdb

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// cachedPID is the process ID, cached at init to avoid syscall overhead
var cachedPID = uint32(os.Getpid())

const (
	lockMagic   uint64 = 0x4D44424C4F434B01 // "MDBLOCK" + version
	lockVersion uint32 = 1

	lockHeaderSize = 64
	readerSlotSize = 16

	// slot txnid values with special meaning
	slotFree     uint64 = 0
	slotClaiming uint64 = ^uint64(0)
)

// lockHeader is the first lockHeaderSize bytes of the lock file.
//
//	Offset  Size  Field
//	0       8     magic
//	8       4     version
//	12      4     number of reader slots
//	16      8     oldest reader seen by the last writer
type lockHeader struct {
	magic        uint64
	version      uint32
	numSlots     uint32
	cachedOldest uint64
	_            [lockHeaderSize - 24]byte
}

// readerSlot is one entry of the shared reader table. A slot is free when
// txnid is 0 and being claimed when it is slotClaiming.
type readerSlot struct {
	txnid uint64
	pid   uint32
	_     uint32
}

// lockFile is the shared lock file: a reader table that writers consult
// before recycling pages, plus the flock that serializes writers across
// processes.
type lockFile struct {
	file   *os.File
	data   []byte
	header *lockHeader
	slots  []readerSlot

	// lockless mode keeps the table in process memory. Used when a
	// read-only env cannot open the lock file for writing.
	lockless bool

	freeMu    sync.Mutex
	freeSlots []int
}

var (
	errLockInvalidFile = &lockError{op: "invalid lock file"}
	errLockReadersFull = &lockError{op: "reader slots full"}
	errLockBusy        = &lockError{op: "writer lock held"}
)

type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	if e.err != nil {
		return "lock: " + e.op + ": " + e.err.Error()
	}
	return "lock: " + e.op
}

func (e *lockError) Unwrap() error {
	return e.err
}

// openLockFile opens or creates the lock file at path with room for
// maxReaders slots. An existing file keeps its own slot count. A read-only
// env never creates the file; without one it runs lockless.
func openLockFile(path string, maxReaders int, readOnly bool) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = DefaultMaxReaders
	}

	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if readOnly {
			return newLocklessFile(maxReaders), nil
		}
		return nil, &lockError{op: "open", err: err}
	}

	lf := &lockFile{file: f}

	// Initialization happens under the writer lock so two processes
	// opening a fresh environment do not both write the header.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, &lockError{op: "lock for init", err: err}
	}
	err = lf.setup(maxReaders)
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if err != nil {
		lf.close()
		return nil, err
	}
	return lf, nil
}

func newLocklessFile(maxReaders int) *lockFile {
	return &lockFile{
		lockless: true,
		header:   &lockHeader{magic: lockMagic, version: lockVersion, numSlots: uint32(maxReaders)},
		slots:    make([]readerSlot, maxReaders),
	}
}

func (lf *lockFile) setup(maxReaders int) error {
	fi, err := lf.file.Stat()
	if err != nil {
		return &lockError{op: "stat", err: err}
	}

	size := fi.Size()
	if size == 0 {
		size = int64(lockHeaderSize + maxReaders*readerSlotSize)
		if err := lf.file.Truncate(size); err != nil {
			return &lockError{op: "truncate", err: err}
		}
		var hdr [lockHeaderSize]byte
		le.PutUint64(hdr[0:], lockMagic)
		le.PutUint32(hdr[8:], lockVersion)
		le.PutUint32(hdr[12:], uint32(maxReaders))
		if _, err := lf.file.WriteAt(hdr[:], 0); err != nil {
			return &lockError{op: "write header", err: err}
		}
	}
	if size < lockHeaderSize+readerSlotSize {
		return errLockInvalidFile
	}

	data, err := unix.Mmap(int(lf.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return &lockError{op: "mmap", err: err}
	}
	lf.data = data
	lf.header = (*lockHeader)(unsafe.Pointer(&data[0]))
	if lf.header.magic != lockMagic || lf.header.version != lockVersion {
		return errLockInvalidFile
	}

	n := int(lf.header.numSlots)
	if fit := (len(data) - lockHeaderSize) / readerSlotSize; n == 0 || n > fit {
		n = fit
	}
	lf.slots = unsafe.Slice((*readerSlot)(unsafe.Pointer(&data[lockHeaderSize])), n)
	return nil
}

func (lf *lockFile) close() error {
	var first error
	if lf.data != nil {
		first = unix.Munmap(lf.data)
		lf.data = nil
	}
	lf.slots = nil
	if lf.file != nil {
		if err := lf.file.Close(); err != nil && first == nil {
			first = err
		}
		lf.file = nil
	}
	return first
}

func (lf *lockFile) maxReaders() int {
	return len(lf.slots)
}

// lockWriter takes the cross-process writer lock. A zero timeout blocks
// until the lock is free, a negative one never waits.
func (lf *lockFile) lockWriter(timeout time.Duration) error {
	if lf.lockless {
		return nil
	}
	fd := int(lf.file.Fd())
	if timeout == 0 {
		if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
			return &lockError{op: "acquire writer lock", err: err}
		}
		return nil
	}

	deadline := time.Now().Add(timeout)
	backoff := 50 * time.Microsecond
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return &lockError{op: "acquire writer lock", err: err}
		}
		if timeout < 0 || time.Now().After(deadline) {
			return errLockBusy
		}
		time.Sleep(backoff)
		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

func (lf *lockFile) unlockWriter() error {
	if lf.lockless || lf.file == nil {
		return nil
	}
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_UN); err != nil {
		return &lockError{op: "release writer lock", err: err}
	}
	return nil
}

// acquireSlot claims a free reader slot for this process.
func (lf *lockFile) acquireSlot() (*readerSlot, int, error) {
	lf.freeMu.Lock()
	for len(lf.freeSlots) > 0 {
		idx := lf.freeSlots[len(lf.freeSlots)-1]
		lf.freeSlots = lf.freeSlots[:len(lf.freeSlots)-1]
		slot := &lf.slots[idx]
		if atomic.CompareAndSwapUint64(&slot.txnid, slotFree, slotClaiming) {
			lf.freeMu.Unlock()
			atomic.StoreUint32(&slot.pid, cachedPID)
			return slot, idx, nil
		}
	}
	lf.freeMu.Unlock()

	for i := range lf.slots {
		slot := &lf.slots[i]
		if atomic.LoadUint64(&slot.txnid) != slotFree {
			continue
		}
		if atomic.CompareAndSwapUint64(&slot.txnid, slotFree, slotClaiming) {
			atomic.StoreUint32(&slot.pid, cachedPID)
			return slot, i, nil
		}
	}
	return nil, -1, errLockReadersFull
}

func (lf *lockFile) releaseSlot(slot *readerSlot, idx int) {
	atomic.StoreUint32(&slot.pid, 0)
	atomic.StoreUint64(&slot.txnid, slotFree)

	lf.freeMu.Lock()
	lf.freeSlots = append(lf.freeSlots, idx)
	lf.freeMu.Unlock()
}

func (lf *lockFile) publish(slot *readerSlot, id txnid) {
	atomic.StoreUint64(&slot.txnid, uint64(id))
}

// oldestReader returns the smallest snapshot txnid held by any reader,
// or false when no reader is active.
func (lf *lockFile) oldestReader() (txnid, bool) {
	oldest := slotClaiming
	for i := range lf.slots {
		id := atomic.LoadUint64(&lf.slots[i].txnid)
		if id != slotFree && id != slotClaiming && id < oldest {
			oldest = id
		}
	}
	atomic.StoreUint64(&lf.header.cachedOldest, oldest)
	if oldest == slotClaiming {
		return 0, false
	}
	return txnid(oldest), true
}

// readers returns the number of slots holding a snapshot.
func (lf *lockFile) readers() int {
	n := 0
	for i := range lf.slots {
		id := atomic.LoadUint64(&lf.slots[i].txnid)
		if id != slotFree && id != slotClaiming {
			n++
		}
	}
	return n
}

// clearStale frees slots owned by processes that no longer exist and
// returns how many were cleared.
func (lf *lockFile) clearStale() int {
	cleared := 0
	for i := range lf.slots {
		slot := &lf.slots[i]
		id := atomic.LoadUint64(&slot.txnid)
		if id == slotFree {
			continue
		}
		pid := atomic.LoadUint32(&slot.pid)
		if pid == 0 || pid == cachedPID || processExists(int(pid)) {
			continue
		}
		if atomic.CompareAndSwapUint64(&slot.txnid, id, slotFree) {
			cleared++
		}
	}
	return cleared
}

func processExists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
