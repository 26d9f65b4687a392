// Package oracle runs one workload against mdb and against established
// engines (bbolt, libmdbx through mdbx-go, and RocksDB when built with the
// rocksdb tag) so tests and benchmarks can compare their answers.
package oracle

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("oracle: key not found")

	// ErrUnsupported is returned by Open when an engine cannot model the
	// requested options.
	ErrUnsupported = errors.New("oracle: unsupported by engine")
)

// Op is one write. A Delete with a nil Value removes the key; in a DupSort
// store a Delete with a Value removes only that pair.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Options configure a store.
type Options struct {
	// DupSort stores several sorted values per key.
	DupSort bool

	// NoSync skips durability syncs where the engine allows it.
	NoSync bool
}

// Store is an ordered byte-key store with transactional batches.
type Store interface {
	// Name identifies the engine.
	Name() string

	// Apply performs ops in a single write transaction. A Delete of a
	// missing key is not an error.
	Apply(ops []Op) error

	// Get returns the value of key, the smallest one in a DupSort store.
	Get(key []byte) ([]byte, error)

	// Scan calls fn for each pair with key >= from in order, stopping
	// when fn returns false. A nil from starts at the first key.
	Scan(from []byte, fn func(k, v []byte) bool) error

	Close() error
}

// Opener creates a store in dir.
type Opener func(dir string, opts Options) (Store, error)

var (
	openersMu sync.RWMutex
	openers   = make(map[string]Opener)
)

// Register makes an engine available to Open.
func Register(name string, fn Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	if _, dup := openers[name]; dup {
		panic("oracle: engine registered twice: " + name)
	}
	openers[name] = fn
}

// Engines lists the registered engine names in sorted order.
func Engines() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a store of the named engine in dir.
func Open(engine, dir string, opts Options) (Store, error) {
	openersMu.RLock()
	fn, ok := openers[engine]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("oracle: unknown engine %q", engine)
	}
	return fn(dir, opts)
}

// Pair is a key and a value as returned by Dump.
type Pair struct {
	Key, Value []byte
}

// Dump returns every pair of s in order.
func Dump(s Store) ([]Pair, error) {
	var out []Pair
	err := s.Scan(nil, func(k, v []byte) bool {
		out = append(out, Pair{bytes.Clone(k), bytes.Clone(v)})
		return true
	})
	return out, err
}

// Diff compares the full contents of two stores and describes the first
// difference, or returns nil when they hold the same pairs in the same
// order.
func Diff(a, b Store) error {
	pa, err := Dump(a)
	if err != nil {
		return fmt.Errorf("%s: %w", a.Name(), err)
	}
	pb, err := Dump(b)
	if err != nil {
		return fmt.Errorf("%s: %w", b.Name(), err)
	}
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if !bytes.Equal(pa[i].Key, pb[i].Key) || !bytes.Equal(pa[i].Value, pb[i].Value) {
			return fmt.Errorf("pair %d: %s has %x=%x, %s has %x=%x",
				i, a.Name(), pa[i].Key, pa[i].Value, b.Name(), pb[i].Key, pb[i].Value)
		}
	}
	if len(pa) != len(pb) {
		return fmt.Errorf("%s has %d pairs, %s has %d", a.Name(), len(pa), b.Name(), len(pb))
	}
	return nil
}

// Workload generates random batches over a bounded key space so that
// later batches overwrite and delete earlier keys.
type Workload struct {
	rng      *rand.Rand
	keySpace int
	maxValue int
	delRatio float64
}

// NewWorkload returns a deterministic generator for seed.
func NewWorkload(seed int64, keySpace, maxValue int, delRatio float64) *Workload {
	return &Workload{
		rng:      rand.New(rand.NewSource(seed)),
		keySpace: keySpace,
		maxValue: maxValue,
		delRatio: delRatio,
	}
}

// Key returns the i-th key of the key space.
func (w *Workload) Key(i int) []byte {
	return []byte(fmt.Sprintf("key-%08d", i))
}

// Batch returns n random ops. Values are never empty so engines that
// conflate empty and missing values agree.
func (w *Workload) Batch(n int) []Op {
	ops := make([]Op, n)
	for i := range ops {
		ops[i].Key = w.Key(w.rng.Intn(w.keySpace))
		if w.rng.Float64() < w.delRatio {
			ops[i].Delete = true
			continue
		}
		v := make([]byte, 1+w.rng.Intn(w.maxValue))
		w.rng.Read(v)
		ops[i].Value = v
	}
	return ops
}

// Model is an in-memory reference store: a sorted slice of pairs.
type Model struct {
	opts  Options
	pairs []Pair
}

func init() {
	Register("model", func(_ string, opts Options) (Store, error) {
		return &Model{opts: opts}, nil
	})
}

func (m *Model) Name() string { return "model" }

func (m *Model) cmp(a Pair, k, v []byte) int {
	if c := bytes.Compare(a.Key, k); c != 0 || !m.opts.DupSort {
		return c
	}
	return bytes.Compare(a.Value, v)
}

func (m *Model) Apply(ops []Op) error {
	for _, op := range ops {
		var v []byte
		if m.opts.DupSort {
			v = op.Value
		}
		i, found := slices.BinarySearchFunc(m.pairs, op, func(p Pair, op Op) int { return m.cmp(p, op.Key, v) })
		switch {
		case op.Delete && m.opts.DupSort && op.Value == nil:
			j := i
			for j < len(m.pairs) && bytes.Equal(m.pairs[j].Key, op.Key) {
				j++
			}
			m.pairs = slices.Delete(m.pairs, i, j)
		case op.Delete:
			if found {
				m.pairs = slices.Delete(m.pairs, i, i+1)
			}
		case found:
			m.pairs[i].Value = bytes.Clone(op.Value)
		default:
			m.pairs = slices.Insert(m.pairs, i, Pair{bytes.Clone(op.Key), bytes.Clone(op.Value)})
		}
	}
	return nil
}

func (m *Model) Get(key []byte) ([]byte, error) {
	i, _ := slices.BinarySearchFunc(m.pairs, key, func(p Pair, k []byte) int { return m.cmp(p, k, nil) })
	if i < len(m.pairs) && bytes.Equal(m.pairs[i].Key, key) {
		return m.pairs[i].Value, nil
	}
	return nil, ErrNotFound
}

func (m *Model) Scan(from []byte, fn func(k, v []byte) bool) error {
	i, _ := slices.BinarySearchFunc(m.pairs, from, func(p Pair, k []byte) int { return bytes.Compare(p.Key, k) })
	for ; i < len(m.pairs); i++ {
		if !fn(m.pairs[i].Key, m.pairs[i].Value) {
			break
		}
	}
	return nil
}

func (m *Model) Close() error { return nil }
