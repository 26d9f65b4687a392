package main

import (
	"fmt"
	"os"
	"time"

	"github.com/Giulio2002/mdb"
	"github.com/urfave/cli"
	bolt "go.etcd.io/bbolt"
)

// importBatch bounds the number of puts in one write transaction.
const importBatch = 10000

func importBoltAction(c *cli.Context) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	if _, err := os.Stat(a[0]); err != nil {
		return err
	}
	src, err := bolt.Open(a[0], 0400, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return err
	}
	defer src.Close()

	env, err := createEnv(c, a[1])
	if err != nil {
		return err
	}
	defer env.Close()

	return src.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			n, err := importBucket(env, string(name), b)
			if err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
			fmt.Fprintf(out(c), "%s: %d keys\n", name, n)
			return nil
		})
	})
}

// importBucket copies the plain pairs of b into the named database.
// Nested buckets are skipped.
func importBucket(env *mdb.Env, name string, b *bolt.Bucket) (int, error) {
	var (
		total int
		txn   *mdb.Txn
		dbi   mdb.DBI
	)
	if err := env.Update(func(txn *mdb.Txn) error {
		_, err := txn.CreateDBI(name)
		return err
	}); err != nil {
		return 0, err
	}
	flush := func() error {
		if txn == nil {
			return nil
		}
		_, err := txn.Commit()
		txn = nil
		return err
	}
	err := b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		if txn == nil {
			var err error
			if txn, err = env.BeginTxn(nil, 0); err != nil {
				return err
			}
			if dbi, err = txn.OpenDBISimple(name, 0); err != nil {
				return err
			}
		}
		if err := txn.Put(dbi, k, v, 0); err != nil {
			return err
		}
		total++
		if total%importBatch == 0 {
			return flush()
		}
		return nil
	})
	if err != nil {
		if txn != nil {
			txn.Abort()
		}
		return total, err
	}
	return total, flush()
}
