package oracle

import (
	"bytes"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

type boltStore struct {
	db *bolt.DB
}

func init() {
	Register("bolt", openBolt)
}

func openBolt(dir string, opts Options) (Store, error) {
	if opts.DupSort {
		return nil, ErrUnsupported
	}
	db, err := bolt.Open(filepath.Join(dir, "bolt.db"), 0644, &bolt.Options{
		NoSync:         opts.NoSync,
		NoFreelistSync: opts.NoSync,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(tableName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Name() string { return "bolt" }

func (s *boltStore) Apply(ops []Op) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tableName))
		for _, op := range ops {
			var err error
			if op.Delete {
				err = b.Delete(op.Key)
			} else {
				err = b.Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(tableName)).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (s *boltStore) Scan(from []byte, fn func(k, v []byte) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(tableName)).Cursor()
		var k, v []byte
		if len(from) > 0 {
			k, v = c.Seek(from)
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
