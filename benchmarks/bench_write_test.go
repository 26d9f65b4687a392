package benchmarks

import (
	"fmt"
	"testing"

	"github.com/Giulio2002/mdb/internal/oracle"
)

// BenchmarkBatchWrite measures one committed transaction of batch random
// puts and deletes per iteration.
func BenchmarkBatchWrite(b *testing.B) {
	for _, batch := range []int{1, 100, 10_000} {
		for _, engine := range benchEngines() {
			b.Run(fmt.Sprintf("Batch_%s/%s", formatSize(batch), engine), func(b *testing.B) {
				s := newStore(b, engine, oracle.Options{NoSync: true})
				w := oracle.NewWorkload(1, 100_000, valueSize, 0.1)
				batches := make([][]oracle.Op, 64)
				for i := range batches {
					batches[i] = w.Batch(batch)
				}

				b.ResetTimer()
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					if err := s.Apply(batches[i%len(batches)]); err != nil {
						b.Fatal(err)
					}
				}
				b.ReportMetric(float64(b.N*batch)/b.Elapsed().Seconds(), "ops/s")
			})
		}
	}
}

// BenchmarkSeqFill measures loading sequential keys into an empty store.
func BenchmarkSeqFill(b *testing.B) {
	const numKeys = 100_000
	for _, engine := range benchEngines() {
		b.Run(fmt.Sprintf("Fill_%s/%s", formatSize(numKeys), engine), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				s := newStore(b, engine, oracle.Options{NoSync: true})
				b.StartTimer()
				populate(b, s, numKeys)
			}
		})
	}
}

// BenchmarkDurableCommit measures single-put transactions with syncs on.
func BenchmarkDurableCommit(b *testing.B) {
	for _, engine := range benchEngines() {
		b.Run(engine, func(b *testing.B) {
			s := newStore(b, engine, oracle.Options{})
			key := make([]byte, 8)
			val := make([]byte, valueSize)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.Apply([]oracle.Op{{Key: benchKey(key, i), Value: val}}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
