package oracle

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, engine string, opts Options) Store {
	t.Helper()
	s, err := Open(engine, t.TempDir(), opts)
	if errors.Is(err, ErrUnsupported) {
		t.Skipf("%s: %v", engine, err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnginesRegistered(t *testing.T) {
	names := Engines()
	for _, want := range []string{"bolt", "mdb", "mdbx", "model"} {
		assert.Contains(t, names, want)
	}
	_, err := Open("nope", t.TempDir(), Options{})
	assert.Error(t, err)
}

func TestModel(t *testing.T) {
	m := openStore(t, "model", Options{})
	require.NoError(t, m.Apply([]Op{
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("c"), Value: []byte("3")},
		{Key: []byte("b"), Value: []byte("two")},
		{Key: []byte("c"), Delete: true},
		{Key: []byte("zz"), Delete: true},
	}))
	pairs, err := Dump(m)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", string(pairs[0].Key))
	assert.Equal(t, "two", string(pairs[1].Value))

	_, err = m.Get([]byte("c"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestModelDupSort(t *testing.T) {
	m := openStore(t, "model", Options{DupSort: true})
	require.NoError(t, m.Apply([]Op{
		{Key: []byte("k"), Value: []byte("c")},
		{Key: []byte("k"), Value: []byte("a")},
		{Key: []byte("k"), Value: []byte("b")},
		{Key: []byte("k"), Value: []byte("a")},
		{Key: []byte("j"), Value: []byte("x")},
	}))
	v, err := m.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))

	require.NoError(t, m.Apply([]Op{{Key: []byte("k"), Value: []byte("b"), Delete: true}}))
	pairs, err := Dump(m)
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	require.NoError(t, m.Apply([]Op{{Key: []byte("k"), Delete: true}}))
	pairs, err = Dump(m)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "j", string(pairs[0].Key))
}

func TestWorkloadDeterministic(t *testing.T) {
	a := NewWorkload(7, 100, 16, 0.2).Batch(50)
	b := NewWorkload(7, 100, 16, 0.2).Batch(50)
	assert.Equal(t, a, b)
	for _, op := range a {
		if !op.Delete {
			assert.NotEmpty(t, op.Value)
		}
	}
}

// TestDifferential replays one workload against mdb and every other
// engine and compares full contents after each batch.
func TestDifferential(t *testing.T) {
	for _, engine := range Engines() {
		if engine == "mdb" {
			continue
		}
		t.Run(engine, func(t *testing.T) {
			ours := openStore(t, "mdb", Options{NoSync: true})
			ref := openStore(t, engine, Options{NoSync: true})
			w := NewWorkload(42, 2000, 200, 0.3)

			for round := 0; round < 20; round++ {
				batch := w.Batch(500)
				require.NoError(t, ours.Apply(batch))
				require.NoError(t, ref.Apply(batch))
				require.NoError(t, Diff(ours, ref), "round %d", round)
			}
			require.NoError(t, Check(ours))

			for i := 0; i < 2000; i += 37 {
				key := w.Key(i)
				got, err1 := ours.Get(key)
				want, err2 := ref.Get(key)
				if errors.Is(err2, ErrNotFound) {
					assert.ErrorIs(t, err1, ErrNotFound, "key %s", key)
					continue
				}
				require.NoError(t, err1)
				assert.Equal(t, want, got, "key %s", key)
			}
		})
	}
}

func TestDifferentialDupSort(t *testing.T) {
	for _, engine := range []string{"model", "mdbx"} {
		t.Run(engine, func(t *testing.T) {
			ours := openStore(t, "mdb", Options{DupSort: true, NoSync: true})
			ref := openStore(t, engine, Options{DupSort: true, NoSync: true})
			// A small key space piles many values under each key.
			w := NewWorkload(9, 50, 40, 0.05)

			for round := 0; round < 10; round++ {
				batch := w.Batch(400)
				require.NoError(t, ours.Apply(batch))
				require.NoError(t, ref.Apply(batch))
				require.NoError(t, Diff(ours, ref), "round %d", round)
			}
			require.NoError(t, Check(ours))

			// Delete single pairs picked from the current contents.
			pairs, err := Dump(ref)
			require.NoError(t, err)
			var dels []Op
			for i := 0; i < len(pairs); i += 3 {
				dels = append(dels, Op{Key: pairs[i].Key, Value: pairs[i].Value, Delete: true})
			}
			require.NoError(t, ours.Apply(dels))
			require.NoError(t, ref.Apply(dels))
			require.NoError(t, Diff(ours, ref))
			require.NoError(t, Check(ours))
		})
	}
}

func TestScanFrom(t *testing.T) {
	for _, engine := range []string{"mdb", "bolt", "mdbx", "model"} {
		t.Run(engine, func(t *testing.T) {
			s := openStore(t, engine, Options{NoSync: true})
			w := NewWorkload(1, 100, 8, 0)
			var ops []Op
			for i := 0; i < 100; i += 2 {
				ops = append(ops, Op{Key: w.Key(i), Value: []byte{byte(i)}})
			}
			require.NoError(t, s.Apply(ops))

			var got [][]byte
			err := s.Scan(w.Key(51), func(k, v []byte) bool {
				got = append(got, bytes.Clone(k))
				return len(got) < 3
			})
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, w.Key(52), got[0])
			assert.Equal(t, w.Key(56), got[2])

			got = got[:0]
			require.NoError(t, s.Scan(w.Key(99), func(k, v []byte) bool {
				got = append(got, k)
				return true
			}))
			assert.Empty(t, got)
		})
	}
}

func TestReopenMatchesModel(t *testing.T) {
	dir := t.TempDir()
	model := openStore(t, "model", Options{})
	w := NewWorkload(3, 500, 64, 0.25)

	s, err := Open("mdb", dir, Options{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		batch := w.Batch(200)
		require.NoError(t, s.Apply(batch))
		require.NoError(t, model.Apply(batch))
	}
	require.NoError(t, s.Close())

	s, err = Open("mdb", dir, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, Diff(s, model))
	require.NoError(t, Check(s))
}

func TestCheckRejectsOtherStores(t *testing.T) {
	assert.Error(t, Check(openStore(t, "model", Options{})))
}
