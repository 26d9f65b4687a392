// Package spill keeps a write transaction's dirty pages in file-backed
// mapped memory instead of the Go heap.
package spill

import "math/bits"

// bitmap tracks which slots of a segment are in use.
type bitmap struct {
	words []uint64
	n     uint32
	hint  uint32 // no free slot below hint
	used  uint32
}

func newBitmap(n uint32) *bitmap {
	return &bitmap{words: make([]uint64, (n+63)/64), n: n}
}

// take claims the lowest free slot.
func (b *bitmap) take() (uint32, bool) {
	for w := b.hint / 64; w < uint32(len(b.words)); w++ {
		word := b.words[w]
		if word == ^uint64(0) {
			continue
		}
		i := w*64 + uint32(bits.TrailingZeros64(^word))
		if i >= b.n {
			break
		}
		b.words[w] |= 1 << (i % 64)
		b.hint = i + 1
		b.used++
		return i, true
	}
	b.hint = b.n
	return 0, false
}

func (b *bitmap) release(i uint32) bool {
	if i >= b.n || !b.isSet(i) {
		return false
	}
	b.words[i/64] &^= 1 << (i % 64)
	if i < b.hint {
		b.hint = i
	}
	b.used--
	return true
}

func (b *bitmap) isSet(i uint32) bool {
	return i < b.n && b.words[i/64]&(1<<(i%64)) != 0
}

func (b *bitmap) reset() {
	clear(b.words)
	b.hint = 0
	b.used = 0
}

func (b *bitmap) count() uint32 {
	var c uint32
	for _, w := range b.words {
		c += uint32(bits.OnesCount64(w))
	}
	return c
}
