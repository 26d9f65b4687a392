package mdb

// node is a slice starting at a node header and running to the end of
// its page.
//
// Memory layout (little-endian):
//
//	Offset  Size  Field
//	0       4     leaf: data size; branch: child pgno
//	4       1     flags
//	5       1     unused
//	6       2     key size
//	8       ks    key
//	8+ks    ...   leaf: data, or the overflow pgno when nodeBig is set
//	              branch: u16 length and value when nodeSepValue is set
type node []byte

func (n node) flags() nodeFlags { return nodeFlags(n[4]) }
func (n node) ksize() int       { return int(le.Uint16(n[6:])) }
func (n node) key() []byte      { return n[nodeHeaderSize : nodeHeaderSize+n.ksize()] }
func (n node) dsize() int       { return int(le.Uint32(n[0:])) }
func (n node) child() pgno      { return pgno(le.Uint32(n[0:])) }
func (n node) setChild(pg pgno) { le.PutUint32(n[0:], uint32(pg)) }
func (n node) isBig() bool      { return n.flags()&nodeBig != 0 }
func (n node) isTree() bool     { return n.flags()&nodeTree != 0 }

// data returns inline leaf data.
func (n node) data() []byte {
	off := nodeHeaderSize + n.ksize()
	if n.isBig() {
		return n[off : off+4]
	}
	return n[off : off+n.dsize()]
}

func (n node) overflow() pgno {
	return pgno(le.Uint32(n[nodeHeaderSize+n.ksize():]))
}

// sepValue returns the value half of a branch separator in a DupSort tree.
func (n node) sepValue() []byte {
	if n.flags()&nodeSepValue == 0 {
		return nil
	}
	off := nodeHeaderSize + n.ksize()
	vs := int(le.Uint16(n[off:]))
	return n[off+2 : off+2+vs]
}

// size returns the encoded length of the node.
func (n node) size(branch bool) int {
	ks := n.ksize()
	if branch {
		if n.flags()&nodeSepValue != 0 {
			return nodeHeaderSize + ks + 2 + int(le.Uint16(n[nodeHeaderSize+ks:]))
		}
		return nodeHeaderSize + ks
	}
	if n.isBig() {
		return nodeHeaderSize + ks + 4
	}
	return nodeHeaderSize + ks + n.dsize()
}

// bytes returns exactly the encoded node.
func (n node) bytes(branch bool) []byte {
	return n[:n.size(branch)]
}

func leafNodeSize(key, data []byte) int {
	return nodeHeaderSize + len(key) + len(data)
}

func branchNodeSize(key, sepVal []byte) int {
	n := nodeHeaderSize + len(key)
	if sepVal != nil {
		n += 2 + len(sepVal)
	}
	return n
}

// appendLeafNode encodes a leaf node. For a big node data is the 4-byte
// overflow pgno and dsize the real value length.
func appendLeafNode(dst, key, data []byte, flags nodeFlags, dsize int) []byte {
	var hdr [nodeHeaderSize]byte
	le.PutUint32(hdr[0:], uint32(dsize))
	hdr[4] = byte(flags)
	le.PutUint16(hdr[6:], uint16(len(key)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, key...)
	return append(dst, data...)
}

// appendBranchNode encodes a branch node. A non-nil sepVal is stored
// after the key; DupSort trees separate on key and value together.
func appendBranchNode(dst, key, sepVal []byte, child pgno) []byte {
	var hdr [nodeHeaderSize]byte
	le.PutUint32(hdr[0:], uint32(child))
	le.PutUint16(hdr[6:], uint16(len(key)))
	if sepVal != nil {
		hdr[4] = byte(nodeSepValue)
	}
	dst = append(dst, hdr[:]...)
	dst = append(dst, key...)
	if sepVal != nil {
		var vs [2]byte
		le.PutUint16(vs[:], uint16(len(sepVal)))
		dst = append(dst, vs[:]...)
		dst = append(dst, sepVal...)
	}
	return dst
}

// nodeMax is the largest leaf node kept inline; bigger values go to
// overflow pages.
func nodeMax(pageSize int) int {
	return ((pageSize-pageHeaderSize)/4)&^1 - 2
}

// splitMax bounds every node on a page. With nodes no larger than a third
// of the usable space a split at the byte midpoint always leaves two
// halves that fit.
func splitMax(pageSize int) int {
	return ((pageSize-pageHeaderSize)/3)&^1 - 2
}

// maxKeySize is the longest key for a page size. A DupSort separator
// holds a key and a value, both bounded by this, and still fits splitMax.
func maxKeySize(pageSize int) int {
	return min(maxKeyCap, (splitMax(pageSize)-nodeHeaderSize-2)/2)
}
