package mdb

import "encoding/binary"

// All on-disk integers are little-endian.
var le = binary.LittleEndian

// File format constants
const (
	// Magic identifies an mdb data file.
	Magic uint32 = 0xBEEFC0DE

	// DataVersion is the data file format version.
	DataVersion uint32 = 1
)

// Page size constraints
const (
	MinPageSize     = 512
	MaxPageSize     = 65536
	DefaultPageSize = 4096
)

// Environment defaults
const (
	// DefaultMapSize is the map size used when none is configured (10 MiB).
	DefaultMapSize = 10485760

	// DefaultMaxReaders is the reader table size of a new lock file.
	DefaultMaxReaders = 126

	// DefaultMaxDBs is the number of handles, including the main database.
	DefaultMaxDBs = 16

	// MaxDataSize is the largest value that can be stored.
	MaxDataSize = 0x7fff0000

	// CursorStackSize bounds the depth of a tree.
	CursorStackSize = 32
)

const (
	pageHeaderSize = 20
	nodeHeaderSize = 8
	numMetas       = 2

	// mainDBI is the handle of the unnamed database.
	mainDBI = 0

	// initialTxnID is the txnid of a freshly created environment.
	initialTxnID txnid = 1

	// largest key accepted regardless of page size
	maxKeyCap = 511
)

// File names inside an environment directory.
const (
	DataFileName = "data.mdb"
	LockFileName = "lock.mdb"

	// LockSuffix is appended to the data file path under NoSubdir.
	LockSuffix = "-lock"

	spillSuffix = "-spill"
)

// Environment flags
const (
	// FixedMap reserves the whole map up front so the mapping address
	// never changes for the life of the environment.
	FixedMap uint = 0x01

	// NoSubdir means the path names the data file, not a directory.
	NoSubdir uint = 0x4000

	// NoSync skips fdatasync after commit. A crash may lose the last
	// transactions but never corrupts the file.
	NoSync uint = 0x10000

	// ReadOnly opens the environment without write access.
	ReadOnly uint = 0x20000

	// NoMetaSync syncs data pages but not the meta page.
	NoMetaSync uint = 0x40000

	envPersistentFlags = FixedMap
)

// Transaction flags
const (
	TxnReadWrite uint = 0
	TxnReadOnly  uint = 0x20000

	// TxnTry makes BeginTxn fail with ErrTxnConflict instead of waiting
	// for the writer lock.
	TxnTry uint = 0x10000000
)

// Database flags
const (
	// ReverseKey compares keys from the last byte to the first.
	ReverseKey uint = 0x02

	// DupSort allows several sorted values per key.
	DupSort uint = 0x04

	// IntegerKey treats keys as native uint32 or uint64 values.
	IntegerKey uint = 0x08

	// Create creates the named database if it does not exist.
	Create uint = 0x40000

	dbPersistentFlags = ReverseKey | DupSort | IntegerKey
)

// Put flags
const (
	// Upsert inserts or replaces. In a DupSort database it adds the
	// value unless the exact pair is already present.
	Upsert uint = 0

	// NoOverwrite fails with ErrKeyExist if the key is present.
	NoOverwrite uint = 0x10

	// NoDupData fails with ErrKeyExist if the exact pair is present.
	NoDupData uint = 0x20

	// AllowDup adds another value under an existing key. DupSort only.
	AllowDup uint = 0x100
)

// Cursor operations
const (
	First uint = iota
	FirstDup
	GetBoth
	GetCurrent
	Last
	LastDup
	Next
	NextDup
	NextNoDup
	Prev
	PrevNoDup
	Set
	SetKey
	SetRange
)

// Option selects a numeric environment setting for SetOption.
type Option int

const (
	OptMaxDB Option = iota
	OptMaxReaders
	OptMapSize
	OptPageSize
)

type pgno uint32

type txnid uint64

const invalidPgno pgno = 0xFFFFFFFF

// pageFlags identify the kind of page.
type pageFlags uint16

const (
	pageBranch   pageFlags = 0x01
	pageLeaf     pageFlags = 0x02
	pageOverflow pageFlags = 0x04
	pageMeta     pageFlags = 0x08
	pageFreelist pageFlags = 0x10
)

// nodeFlags describe how a node stores its data.
type nodeFlags uint8

const (
	// leaf: data is the first page of an overflow run
	nodeBig nodeFlags = 0x01

	// leaf: data is the tree record of a named database
	nodeTree nodeFlags = 0x02

	// branch: separator carries a value after the key
	nodeSepValue nodeFlags = 0x04
)
