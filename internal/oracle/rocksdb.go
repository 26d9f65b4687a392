//go:build rocksdb

package oracle

import (
	"bytes"
	"path/filepath"

	"github.com/tecbot/gorocksdb"
)

// rocksStore needs librocksdb at build time, hence the build tag.
type rocksStore struct {
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions
}

func init() {
	Register("rocksdb", openRocks)
}

func openRocks(dir string, opts Options) (Store, error) {
	if opts.DupSort {
		return nil, ErrUnsupported
	}
	o := gorocksdb.NewDefaultOptions()
	o.SetCreateIfMissing(true)
	o.SetWriteBufferSize(64 << 20)
	db, err := gorocksdb.OpenDb(o, filepath.Join(dir, "rocks.db"))
	if err != nil {
		return nil, err
	}
	wo := gorocksdb.NewDefaultWriteOptions()
	wo.DisableWAL(opts.NoSync)
	return &rocksStore{db: db, ro: gorocksdb.NewDefaultReadOptions(), wo: wo}, nil
}

func (s *rocksStore) Name() string { return "rocksdb" }

func (s *rocksStore) Apply(ops []Op) error {
	batch := gorocksdb.NewWriteBatch()
	defer batch.Destroy()
	for _, op := range ops {
		if op.Delete {
			batch.Delete(op.Key)
		} else {
			batch.Put(op.Key, op.Value)
		}
	}
	return s.db.Write(s.wo, batch)
}

func (s *rocksStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(s.ro, key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	return bytes.Clone(v.Data()), nil
}

func (s *rocksStore) Scan(from []byte, fn func(k, v []byte) bool) error {
	it := s.db.NewIterator(s.ro)
	defer it.Close()
	if len(from) > 0 {
		it.Seek(from)
	} else {
		it.SeekToFirst()
	}
	for ; it.Valid(); it.Next() {
		k, v := it.Key(), it.Value()
		ok := fn(k.Data(), v.Data())
		k.Free()
		v.Free()
		if !ok {
			break
		}
	}
	return it.Err()
}

func (s *rocksStore) Close() error {
	s.ro.Destroy()
	s.wo.Destroy()
	s.db.Close()
	return nil
}
