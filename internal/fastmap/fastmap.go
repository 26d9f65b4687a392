// Package fastmap is an open-addressing hash map keyed by page number.
// Fibonacci hashing spreads the sequential page numbers a write
// transaction allocates.
package fastmap

// Map maps uint32 keys to uint64 values. The zero value is ready to use.
type Map struct {
	slots []slot
	count int
	mask  uint32
}

type slot struct {
	key  uint32
	val  uint64
	used bool
}

// 2^32 / golden ratio
const fib32 = 2654435769

func (m *Map) home(key uint32) uint32 {
	return (key * fib32) & m.mask
}

// Get returns the value stored for key.
func (m *Map) Get(key uint32) (uint64, bool) {
	if m.count == 0 {
		return 0, false
	}
	for i := m.home(key); ; i = (i + 1) & m.mask {
		s := &m.slots[i]
		if !s.used {
			return 0, false
		}
		if s.key == key {
			return s.val, true
		}
	}
}

// Set stores val under key, replacing any previous value.
func (m *Map) Set(key uint32, val uint64) {
	if len(m.slots) == 0 {
		m.resize(16)
	} else if m.count >= len(m.slots)*3/4 {
		m.resize(len(m.slots) * 2)
	}
	for i := m.home(key); ; i = (i + 1) & m.mask {
		s := &m.slots[i]
		if !s.used {
			*s = slot{key: key, val: val, used: true}
			m.count++
			return
		}
		if s.key == key {
			s.val = val
			return
		}
	}
}

// Delete removes key and reports whether it was present. Entries after
// the hole are shifted back so probe chains stay unbroken.
func (m *Map) Delete(key uint32) bool {
	if m.count == 0 {
		return false
	}
	i := m.home(key)
	for {
		s := &m.slots[i]
		if !s.used {
			return false
		}
		if s.key == key {
			break
		}
		i = (i + 1) & m.mask
	}

	hole := i
	for j := (hole + 1) & m.mask; m.slots[j].used; j = (j + 1) & m.mask {
		h := m.home(m.slots[j].key)
		// Move j into the hole unless its home lies cyclically in (hole, j].
		if (j > hole && (h <= hole || h > j)) || (j < hole && h <= hole && h > j) {
			m.slots[hole] = m.slots[j]
			hole = j
		}
	}
	m.slots[hole] = slot{}
	m.count--
	return true
}

func (m *Map) resize(n int) {
	old := m.slots
	m.slots = make([]slot, n)
	m.mask = uint32(n - 1)
	m.count = 0
	for i := range old {
		if old[i].used {
			m.Set(old[i].key, old[i].val)
		}
	}
}

// ForEach calls fn for every entry in unspecified order. fn must not
// modify the map.
func (m *Map) ForEach(fn func(key uint32, val uint64)) {
	for i := range m.slots {
		if m.slots[i].used {
			fn(m.slots[i].key, m.slots[i].val)
		}
	}
}

// Keys appends all keys to dst and returns it.
func (m *Map) Keys(dst []uint32) []uint32 {
	for i := range m.slots {
		if m.slots[i].used {
			dst = append(dst, m.slots[i].key)
		}
	}
	return dst
}

// Clear drops all entries and keeps the table.
func (m *Map) Clear() {
	clear(m.slots)
	m.count = 0
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return m.count
}
