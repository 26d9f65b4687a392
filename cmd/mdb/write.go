package main

import (
	"fmt"

	"github.com/Giulio2002/mdb"
	"github.com/urfave/cli"
)

func putAction(c *cli.Context) error {
	a, err := args(c, 3)
	if err != nil {
		return err
	}
	key, err := decode(c, a[1])
	if err != nil {
		return err
	}
	val, err := decode(c, a[2])
	if err != nil {
		return err
	}
	env, err := createEnv(c, a[0])
	if err != nil {
		return err
	}
	defer env.Close()

	var dbFlags uint
	if c.Bool("create") {
		dbFlags |= mdb.Create
	}
	if c.Bool("dupsort") {
		dbFlags |= mdb.Create | mdb.DupSort
	}
	var putFlags uint
	if c.Bool("nooverwrite") {
		putFlags |= mdb.NoOverwrite
	}
	return env.Update(func(txn *mdb.Txn) error {
		dbi, err := txn.OpenDBISimple(c.String(dbFlag.Name), dbFlags)
		if err != nil {
			return err
		}
		return txn.Put(dbi, key, val, putFlags)
	})
}

func delAction(c *cli.Context) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	key, err := decode(c, a[1])
	if err != nil {
		return err
	}
	var val []byte
	if c.NArg() > 2 {
		if val, err = decode(c, c.Args().Get(2)); err != nil {
			return err
		}
	}
	env, err := openEnv(c, a[0], false)
	if err != nil {
		return err
	}
	defer env.Close()
	return env.Update(func(txn *mdb.Txn) error {
		dbi, err := txn.OpenDBISimple(c.String(dbFlag.Name), 0)
		if err != nil {
			return err
		}
		return txn.Del(dbi, key, val)
	})
}

func readersAction(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	env, err := openEnv(c, a[0], false)
	if err != nil {
		return err
	}
	defer env.Close()
	n, err := env.ReaderCheck()
	if err != nil {
		return err
	}
	fmt.Fprintf(out(c), "Cleared %d stale readers\n", n)
	return nil
}
