package oracle

import (
	"errors"

	"github.com/Giulio2002/mdb"
)

const tableName = "oracle"

type mdbStore struct {
	env *mdb.Env
	dbi mdb.DBI
	dup bool
}

func init() {
	Register("mdb", openMdb)
}

func openMdb(dir string, opts Options) (Store, error) {
	env, err := mdb.NewEnv()
	if err != nil {
		return nil, err
	}
	if err := env.SetMapSize(1 << 30); err != nil {
		env.Close()
		return nil, err
	}
	var flags uint
	if opts.NoSync {
		flags |= mdb.NoSync
	}
	if err := env.Open(dir, flags, 0644); err != nil {
		env.Close()
		return nil, err
	}

	dbFlags := mdb.Create
	if opts.DupSort {
		dbFlags |= mdb.DupSort
	}
	s := &mdbStore{env: env, dup: opts.DupSort}
	err = env.Update(func(txn *mdb.Txn) error {
		s.dbi, err = txn.OpenDBISimple(tableName, dbFlags)
		return err
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return s, nil
}

// Env exposes the environment for engine-specific checks.
func (s *mdbStore) Env() *mdb.Env { return s.env }

func (s *mdbStore) Name() string { return "mdb" }

func (s *mdbStore) Apply(ops []Op) error {
	return s.env.Update(func(txn *mdb.Txn) error {
		for _, op := range ops {
			var err error
			if op.Delete {
				var val []byte
				if s.dup {
					val = op.Value
				}
				err = txn.Del(s.dbi, op.Key, val)
				if mdb.IsNotFound(err) {
					err = nil
				}
			} else {
				err = txn.Put(s.dbi, op.Key, op.Value, 0)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *mdbStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.env.View(func(txn *mdb.Txn) error {
		v, err := txn.Get(s.dbi, key)
		out = append([]byte(nil), v...)
		return err
	})
	if mdb.IsNotFound(err) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *mdbStore) Scan(from []byte, fn func(k, v []byte) bool) error {
	return s.env.View(func(txn *mdb.Txn) error {
		c, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer c.Close()

		op := uint(mdb.First)
		if len(from) > 0 {
			op = mdb.SetRange
		}
		k, v, err := c.Get(from, nil, op)
		for err == nil {
			if !fn(k, v) {
				return nil
			}
			k, v, err = c.Get(nil, nil, mdb.Next)
		}
		if mdb.IsNotFound(err) {
			return nil
		}
		return err
	})
}

func (s *mdbStore) Close() error {
	s.env.Close()
	return nil
}

// Check verifies the mdb store's internal structure.
func Check(s Store) error {
	ms, ok := s.(*mdbStore)
	if !ok {
		return errors.New("oracle: not an mdb store")
	}
	return ms.env.View(func(txn *mdb.Txn) error {
		return txn.Check()
	})
}
