package mdb

import (
	"errors"
	"hash/crc32"
)

// tree is the persistent record of one B-tree.
//
// Memory layout (little-endian, 48 bytes):
//
//	Offset  Size  Field
//	0       2     database flags
//	2       2     depth
//	4       4     root pgno
//	8       4     branch pages
//	12      4     leaf pages
//	16      4     overflow pages
//	20      4     unused
//	24      8     entries
//	32      8     sequence
//	40      8     txnid of last modification
type tree struct {
	flags         uint16
	depth         uint16
	root          pgno
	branchPages   uint32
	leafPages     uint32
	overflowPages uint32
	entries       uint64
	sequence      uint64
	modTxnid      txnid
}

const treeSize = 48

func emptyTree(flags uint) tree {
	return tree{flags: uint16(flags & dbPersistentFlags), root: invalidPgno}
}

func (t *tree) isEmpty() bool   { return t.root == invalidPgno }
func (t *tree) isDupSort() bool { return uint(t.flags)&DupSort != 0 }

func (t *tree) encode(b []byte) {
	le.PutUint16(b[0:], t.flags)
	le.PutUint16(b[2:], t.depth)
	le.PutUint32(b[4:], uint32(t.root))
	le.PutUint32(b[8:], t.branchPages)
	le.PutUint32(b[12:], t.leafPages)
	le.PutUint32(b[16:], t.overflowPages)
	le.PutUint32(b[20:], 0)
	le.PutUint64(b[24:], t.entries)
	le.PutUint64(b[32:], t.sequence)
	le.PutUint64(b[40:], uint64(t.modTxnid))
}

func decodeTree(b []byte) (tree, error) {
	if len(b) != treeSize {
		return tree{}, errorf(ErrCorrupted, "tree record has %d bytes", len(b))
	}
	return tree{
		flags:         le.Uint16(b[0:]),
		depth:         le.Uint16(b[2:]),
		root:          pgno(le.Uint32(b[4:])),
		branchPages:   le.Uint32(b[8:]),
		leafPages:     le.Uint32(b[12:]),
		overflowPages: le.Uint32(b[16:]),
		entries:       le.Uint64(b[24:]),
		sequence:      le.Uint64(b[32:]),
		modTxnid:      txnid(le.Uint64(b[40:])),
	}, nil
}

// meta is the decoded body of a meta page. Pages 0 and 1 alternate; the
// valid one with the higher txnid is current.
//
// Memory layout after the page header (little-endian):
//
//	Offset  Size  Field
//	0       4     magic
//	4       4     format version
//	8       4     page size
//	12      4     environment flags
//	16      8     map size
//	24      8     txnid
//	32      4     next unallocated pgno
//	36      4     freelist pgno
//	40      4     freelist run length
//	44      4     unused
//	48      48    main tree
//	96      8     txnid again, written last
//	104     4     CRC-32C of bytes 0..104
type meta struct {
	pageSize      uint32
	flags         uint32
	mapSize       uint64
	txnid         txnid
	lastPgno      pgno
	freelist      pgno
	freelistPages uint32
	main          tree
}

const (
	metaBodySize = 108
	metaCRCOff   = 104
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	errMetaTooSmall     = errors.New("meta page truncated")
	errMetaMagic        = errors.New("bad magic")
	errMetaVersion      = errors.New("unsupported format version")
	errMetaChecksum     = errors.New("checksum mismatch")
	errMetaInconsistent = errors.New("torn meta page")
	errMetaPageSize     = errors.New("invalid page size")
)

// encode writes m as meta page slot into p, which must be one page.
func (m *meta) encode(p page, slot int) {
	clear(p)
	p.init(pgno(slot), pageMeta, m.txnid)
	b := p[pageHeaderSize:]
	le.PutUint32(b[0:], Magic)
	le.PutUint32(b[4:], DataVersion)
	le.PutUint32(b[8:], m.pageSize)
	le.PutUint32(b[12:], m.flags)
	le.PutUint64(b[16:], m.mapSize)
	le.PutUint64(b[24:], uint64(m.txnid))
	le.PutUint32(b[32:], uint32(m.lastPgno))
	le.PutUint32(b[36:], uint32(m.freelist))
	le.PutUint32(b[40:], m.freelistPages)
	m.main.encode(b[48 : 48+treeSize])
	le.PutUint64(b[96:], uint64(m.txnid))
	le.PutUint32(b[metaCRCOff:], crc32.Checksum(b[:metaCRCOff], castagnoli))
}

// decodeMeta parses a meta page. The error names the first check that
// failed so callers can tell a foreign file from a damaged one.
func decodeMeta(p []byte) (meta, error) {
	if len(p) < pageHeaderSize+metaBodySize {
		return meta{}, errMetaTooSmall
	}
	b := p[pageHeaderSize:]
	if le.Uint32(b[0:]) != Magic {
		return meta{}, errMetaMagic
	}
	if le.Uint32(b[4:]) != DataVersion {
		return meta{}, errMetaVersion
	}
	if crc32.Checksum(b[:metaCRCOff], castagnoli) != le.Uint32(b[metaCRCOff:]) {
		return meta{}, errMetaChecksum
	}
	m := meta{
		pageSize:      le.Uint32(b[8:]),
		flags:         le.Uint32(b[12:]),
		mapSize:       le.Uint64(b[16:]),
		txnid:         txnid(le.Uint64(b[24:])),
		lastPgno:      pgno(le.Uint32(b[32:])),
		freelist:      pgno(le.Uint32(b[36:])),
		freelistPages: le.Uint32(b[40:]),
	}
	if txnid(le.Uint64(b[96:])) != m.txnid || page(p).txnid() != m.txnid {
		return meta{}, errMetaInconsistent
	}
	if !validPageSize(int(m.pageSize)) {
		return meta{}, errMetaPageSize
	}
	var err error
	if m.main, err = decodeTree(b[48 : 48+treeSize]); err != nil {
		return meta{}, err
	}
	if m.lastPgno < numMetas {
		return meta{}, errMetaInconsistent
	}
	return m, nil
}

// pickMeta chooses the current meta from both slots.
func pickMeta(p0, p1 []byte) (meta, int, error) {
	m0, err0 := decodeMeta(p0)
	m1, err1 := decodeMeta(p1)
	switch {
	case err0 == nil && err1 == nil:
		if m1.txnid > m0.txnid {
			return m1, 1, nil
		}
		return m0, 0, nil
	case err0 == nil:
		return m0, 0, nil
	case err1 == nil:
		return m1, 1, nil
	}

	notMeta := func(err error) bool {
		return errors.Is(err, errMetaMagic) || errors.Is(err, errMetaTooSmall)
	}
	if notMeta(err0) && notMeta(err1) {
		return meta{}, -1, WrapError(ErrEnvOpen, errMetaMagic)
	}
	if errors.Is(err0, errMetaVersion) || errors.Is(err1, errMetaVersion) {
		return meta{}, -1, WrapError(ErrEnvOpen, errMetaVersion)
	}
	return meta{}, -1, WrapError(ErrCorrupted, errors.Join(err0, err1))
}

func validPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}
