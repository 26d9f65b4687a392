package oracle

import (
	"bytes"
	"path/filepath"
	"runtime"

	"github.com/erigontech/mdbx-go/mdbx"
)

// mdbxStore drives libmdbx through cgo. Write transactions are bound to
// an OS thread for their lifetime.
type mdbxStore struct {
	env *mdbx.Env
	dbi mdbx.DBI
	dup bool
}

func init() {
	Register("mdbx", openMdbx)
}

func openMdbx(dir string, opts Options) (Store, error) {
	env, err := mdbx.NewEnv(mdbx.Label("oracle"))
	if err != nil {
		return nil, err
	}
	if err := env.SetOption(mdbx.OptMaxDB, 4); err != nil {
		env.Close()
		return nil, err
	}
	if err := env.SetGeometry(-1, -1, 1<<30, -1, -1, 4096); err != nil {
		env.Close()
		return nil, err
	}
	flags := uint(mdbx.NoSubdir)
	if opts.NoSync {
		flags |= mdbx.NoMetaSync | mdbx.WriteMap
	}
	if err := env.Open(filepath.Join(dir, "mdbx.db"), flags, 0644); err != nil {
		env.Close()
		return nil, err
	}

	s := &mdbxStore{env: env, dup: opts.DupSort}
	dbFlags := uint(mdbx.Create)
	if opts.DupSort {
		dbFlags |= mdbx.DupSort
	}
	err = s.update(func(txn *mdbx.Txn) error {
		s.dbi, err = txn.OpenDBI(tableName, dbFlags, nil, nil)
		return err
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return s, nil
}

func (s *mdbxStore) update(fn func(txn *mdbx.Txn) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, err := s.env.BeginTxn(nil, 0)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	_, err = txn.Commit()
	return err
}

func (s *mdbxStore) view(fn func(txn *mdbx.Txn) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, err := s.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}

func (s *mdbxStore) Name() string { return "mdbx" }

func (s *mdbxStore) Apply(ops []Op) error {
	return s.update(func(txn *mdbx.Txn) error {
		for _, op := range ops {
			var err error
			if op.Delete {
				var val []byte
				if s.dup {
					val = op.Value
				}
				err = txn.Del(s.dbi, op.Key, val)
				if mdbx.IsNotFound(err) {
					err = nil
				}
			} else {
				err = txn.Put(s.dbi, op.Key, op.Value, mdbx.Upsert)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *mdbxStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.view(func(txn *mdbx.Txn) error {
		v, err := txn.Get(s.dbi, key)
		if mdbx.IsNotFound(err) {
			return ErrNotFound
		}
		out = bytes.Clone(v)
		return err
	})
	return out, err
}

func (s *mdbxStore) Scan(from []byte, fn func(k, v []byte) bool) error {
	return s.view(func(txn *mdbx.Txn) error {
		c, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer c.Close()

		op := uint(mdbx.First)
		if len(from) > 0 {
			op = mdbx.SetRange
		}
		k, v, err := c.Get(from, nil, op)
		for err == nil {
			if !fn(k, v) {
				return nil
			}
			k, v, err = c.Get(nil, nil, mdbx.Next)
		}
		if mdbx.IsNotFound(err) {
			return nil
		}
		return err
	})
}

func (s *mdbxStore) Close() error {
	s.env.Close()
	return nil
}
