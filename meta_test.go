package mdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta(id txnid) meta {
	return meta{
		pageSize:      4096,
		mapSize:       1 << 20,
		txnid:         id,
		lastPgno:      42,
		freelist:      40,
		freelistPages: 2,
		main: tree{
			depth:     2,
			root:      17,
			leafPages: 30,
			entries:   999,
			sequence:  5,
			modTxnid:  id,
		},
	}
}

func encodeMeta(m meta, slot int) []byte {
	p := make([]byte, m.pageSize)
	m.encode(page(p), slot)
	return p
}

func TestMetaRoundTrip(t *testing.T) {
	m := testMeta(9)
	got, err := decodeMeta(encodeMeta(m, 1))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestMetaDetectsDamage(t *testing.T) {
	p := encodeMeta(testMeta(3), 1)

	torn := append([]byte(nil), p...)
	torn[pageHeaderSize+50] ^= 0xff
	_, err := decodeMeta(torn)
	assert.ErrorIs(t, err, errMetaChecksum)

	foreign := make([]byte, len(p))
	_, err = decodeMeta(foreign)
	assert.ErrorIs(t, err, errMetaMagic)

	_, err = decodeMeta(p[:pageHeaderSize+10])
	assert.ErrorIs(t, err, errMetaTooSmall)

	// Header txnid disagreeing with the body.
	mixed := append([]byte(nil), p...)
	page(mixed).setTxnid(4)
	_, err = decodeMeta(mixed)
	assert.ErrorIs(t, err, errMetaInconsistent)
}

func TestPickMeta(t *testing.T) {
	older := encodeMeta(testMeta(6), 0)
	newer := encodeMeta(testMeta(7), 1)

	m, slot, err := pickMeta(older, newer)
	require.NoError(t, err)
	assert.Equal(t, txnid(7), m.txnid)
	assert.Equal(t, 1, slot)

	bad := append([]byte(nil), newer...)
	bad[pageHeaderSize+60] ^= 1
	m, slot, err = pickMeta(older, bad)
	require.NoError(t, err)
	assert.Equal(t, txnid(6), m.txnid, "falls back to the older meta")
	assert.Equal(t, 0, slot)

	_, _, err = pickMeta(make([]byte, 4096), make([]byte, 4096))
	assert.Equal(t, ErrEnvOpen, Code(err))

	badOld := append([]byte(nil), older...)
	badOld[pageHeaderSize+60] ^= 1
	_, _, err = pickMeta(badOld, bad)
	assert.True(t, IsCorrupted(err))
}

func TestTreeRecord(t *testing.T) {
	tr := testMeta(1).main
	tr.flags = uint16(DupSort)
	var b [treeSize]byte
	tr.encode(b[:])
	got, err := decodeTree(b[:])
	require.NoError(t, err)
	assert.Equal(t, tr, got)
	assert.True(t, got.isDupSort())

	_, err = decodeTree(b[:10])
	assert.Error(t, err)
	et := emptyTree(0)
	assert.True(t, et.isEmpty())
}

func TestValidPageSize(t *testing.T) {
	for _, n := range []int{512, 1024, 4096, 65536} {
		assert.True(t, validPageSize(n), n)
	}
	for _, n := range []int{0, 256, 1000, 3000, 131072} {
		assert.False(t, validPageSize(n), n)
	}
}
