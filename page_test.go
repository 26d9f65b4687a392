package mdb

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageInsertRemove(t *testing.T) {
	p := page(make([]byte, 512))
	p.init(7, pageLeaf, 3)
	require.NoError(t, p.validate(7))
	assert.Equal(t, 0, p.numKeys())
	assert.Equal(t, 512-pageHeaderSize, p.free())

	// Insert out of order by index.
	for i, k := range []string{"b", "d", "a", "c"} {
		idx := map[string]int{"b": 0, "d": 1, "a": 0, "c": 2}[k]
		nd := appendLeafNode(nil, []byte(k), []byte("val-"+k), 0, len("val-"+k))
		require.True(t, p.insert(idx, nd), "insert %d", i)
	}
	var keys []string
	for i := 0; i < p.numKeys(); i++ {
		keys = append(keys, string(p.node(i).key()))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)
	assert.Equal(t, "val-c", string(p.node(2).data()))

	used := p.used()
	p.remove(1)
	assert.Equal(t, 3, p.numKeys())
	assert.Equal(t, used-p.node(0).size(false)-2, p.used())
	for i, want := range []string{"a", "c", "d"} {
		assert.Equal(t, want, string(p.node(i).key()))
		assert.Equal(t, "val-"+want, string(p.node(i).data()))
	}
	require.NoError(t, p.validate(7))
	assert.Error(t, p.validate(8), "wrong page number")
}

func TestPageFull(t *testing.T) {
	p := page(make([]byte, 512))
	p.init(2, pageLeaf, 1)
	n := 0
	for {
		nd := appendLeafNode(nil, []byte(fmt.Sprintf("%04d", n)), make([]byte, 20), 0, 20)
		if !p.insert(n, nd) {
			break
		}
		n++
	}
	// 8+4+20 bytes per node plus 2 for its entry.
	assert.Equal(t, (512-pageHeaderSize)/34, n)
	assert.Less(t, p.free(), 34)
	require.NoError(t, p.validate(2))

	p.reset(5)
	assert.Equal(t, 0, p.numKeys())
	assert.Equal(t, txnid(5), p.txnid())
	assert.True(t, p.isLeaf())
}

func TestPageLargeSize(t *testing.T) {
	// lower and upper still fit 16 bits at the largest page size.
	p := page(make([]byte, MaxPageSize))
	p.init(3, pageBranch, 1)
	assert.Equal(t, MaxPageSize-pageHeaderSize, p.free())
	nd := appendBranchNode(nil, []byte("k"), nil, 99)
	require.True(t, p.insert(0, nd))
	assert.Equal(t, pgno(99), p.node(0).child())
	require.NoError(t, p.validate(3))
}

func TestPageValidateFlags(t *testing.T) {
	p := page(make([]byte, 512))
	p.init(4, pageOverflow, 1)
	assert.Error(t, p.validate(4))
	p.init(4, pageLeaf|pageBranch, 1)
	assert.Error(t, p.validate(4))
	assert.Equal(t, "leaf", pageLeaf.String())
	assert.Equal(t, "freelist", pageFreelist.String())
}

func TestNodeEncoding(t *testing.T) {
	leaf := node(appendLeafNode(nil, []byte("key"), []byte("value"), 0, 5))
	assert.Equal(t, "key", string(leaf.key()))
	assert.Equal(t, "value", string(leaf.data()))
	assert.Equal(t, leafNodeSize([]byte("key"), []byte("value")), leaf.size(false))

	var ref [4]byte
	le.PutUint32(ref[:], 1234)
	big := node(appendLeafNode(nil, []byte("big"), ref[:], nodeBig, 100000))
	assert.True(t, big.isBig())
	assert.Equal(t, pgno(1234), big.overflow())
	assert.Equal(t, 100000, big.dsize())
	assert.Equal(t, nodeHeaderSize+3+4, big.size(false))

	sep := node(appendBranchNode(nil, []byte("k"), []byte("dup"), 77))
	assert.Equal(t, pgno(77), sep.child())
	assert.Equal(t, "dup", string(sep.sepValue()))
	assert.Equal(t, branchNodeSize([]byte("k"), []byte("dup")), sep.size(true))

	plain := node(appendBranchNode(nil, []byte("k"), nil, 78))
	assert.Nil(t, plain.sepValue())
}

func TestSizeLimits(t *testing.T) {
	assert.Equal(t, 1016, nodeMax(4096))
	assert.Equal(t, 511, maxKeySize(4096))
	assert.Equal(t, 76, maxKeySize(512))
	for ps := MinPageSize; ps <= MaxPageSize; ps *= 2 {
		// A DupSort separator of maximal key and value plus its entry
		// fits the split bound, and three such nodes fit a page.
		assert.LessOrEqual(t, nodeHeaderSize+2+2*maxKeySize(ps), splitMax(ps), ps)
		assert.LessOrEqual(t, 3*(splitMax(ps)+2), ps-pageHeaderSize, ps)
		assert.Equal(t, 1, pagesFor(ps-pageHeaderSize, ps))
		assert.Equal(t, 2, pagesFor(ps-pageHeaderSize+1, ps))
	}
}

func TestComparators(t *testing.T) {
	assert.Negative(t, cmpReverse([]byte("ba"), []byte("ab")))
	assert.Negative(t, cmpReverse([]byte("b"), []byte("ab")))
	assert.Zero(t, cmpReverse([]byte("xy"), []byte("xy")))

	small, large := make([]byte, 8), make([]byte, 8)
	le.PutUint64(small, 255)
	le.PutUint64(large, 256)
	// Native order is little-endian on every supported platform.
	assert.Negative(t, cmpInteger(small, large))
	assert.Positive(t, cmpInteger(large, small))
	assert.Negative(t, cmpInteger(make([]byte, 4), make([]byte, 8)))
}
