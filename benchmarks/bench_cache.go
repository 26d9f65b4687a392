// Package benchmarks compares mdb with bbolt, libmdbx and, when built
// with the rocksdb tag, RocksDB on the same workloads.
package benchmarks

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Giulio2002/mdb/internal/oracle"
)

const valueSize = 32

var (
	cacheMu  sync.Mutex
	cacheDir string
	stores   = make(map[string]oracle.Store)
)

// benchEngines returns the registered engines other than the in-memory
// model.
func benchEngines() []string {
	var names []string
	for _, name := range oracle.Engines() {
		if name != "model" {
			names = append(names, name)
		}
	}
	return names
}

// benchKey encodes i as an 8-byte big-endian key.
func benchKey(key []byte, i int) []byte {
	binary.BigEndian.PutUint64(key, uint64(i))
	return key
}

// getCachedStore returns a store of engine holding numKeys sequential
// keys. Stores are shared between benchmarks that only read.
func getCachedStore(b *testing.B, engine string, numKeys int) oracle.Store {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	id := fmt.Sprintf("%s_%d", engine, numKeys)
	if s, ok := stores[id]; ok {
		return s
	}
	if cacheDir == "" {
		dir, err := os.MkdirTemp("", "mdb-bench-*")
		if err != nil {
			b.Fatal(err)
		}
		cacheDir = dir
	}
	dir := filepath.Join(cacheDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		b.Fatal(err)
	}
	s, err := oracle.Open(engine, dir, oracle.Options{NoSync: true})
	if err != nil {
		b.Fatal(err)
	}
	populate(b, s, numKeys)
	stores[id] = s
	return s
}

// newStore returns an empty store that is removed when b ends.
func newStore(b *testing.B, engine string, opts oracle.Options) oracle.Store {
	s, err := oracle.Open(engine, b.TempDir(), opts)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { s.Close() })
	return s
}

// populate writes numKeys sequential keys in batches.
func populate(b *testing.B, s oracle.Store, numKeys int) {
	const batch = 10_000
	for start := 0; start < numKeys; start += batch {
		n := min(batch, numKeys-start)
		ops := make([]oracle.Op, n)
		for i := range ops {
			key := benchKey(make([]byte, 8), start+i)
			val := make([]byte, valueSize)
			copy(val, key)
			ops[i] = oracle.Op{Key: key, Value: val}
		}
		if err := s.Apply(ops); err != nil {
			b.Fatal(err)
		}
	}
}

// shuffled returns 0..n-1 in a fixed pseudo-random order.
func shuffled(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := len(order) - 1; i > 0; i-- {
		j := int(uint64(i*17+31) % uint64(i+1))
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// CleanupBenchCache closes cached stores and removes their files.
func CleanupBenchCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	for id, s := range stores {
		s.Close()
		delete(stores, id)
	}
	if cacheDir != "" {
		os.RemoveAll(cacheDir)
		cacheDir = ""
	}
}

func formatSize(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dk", n/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
