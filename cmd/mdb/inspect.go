package main

import (
	"fmt"

	"github.com/Giulio2002/mdb"
	"github.com/urfave/cli"
)

// view runs fn in a read transaction of a read-only environment at the
// first argument, with the database selected by --db.
func view(c *cli.Context, fn func(txn *mdb.Txn, dbi mdb.DBI) error) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	env, err := openEnv(c, a[0], true)
	if err != nil {
		return err
	}
	defer env.Close()
	return env.View(func(txn *mdb.Txn) error {
		dbi, err := txn.OpenDBISimple(c.String(dbFlag.Name), 0)
		if err != nil {
			return err
		}
		return fn(txn, dbi)
	})
}

func infoAction(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	env, err := openEnv(c, a[0], true)
	if err != nil {
		return err
	}
	defer env.Close()
	info, err := env.Info()
	if err != nil {
		return err
	}
	w := out(c)
	fmt.Fprintf(w, "Map size: %d\n", info.MapSize)
	fmt.Fprintf(w, "Page size: %d\n", info.PageSize)
	fmt.Fprintf(w, "Last page: %d\n", info.LastPgno)
	fmt.Fprintf(w, "Last txnid: %d\n", info.LastTxnID)
	fmt.Fprintf(w, "Free pages: %d\n", info.FreePages)
	fmt.Fprintf(w, "Pending pages: %d\n", info.PendingPages)
	fmt.Fprintf(w, "Readers: %d/%d\n", info.NumReaders, info.MaxReaders)
	return nil
}

func statAction(c *cli.Context) error {
	return view(c, func(txn *mdb.Txn, dbi mdb.DBI) error {
		st, err := txn.Stat(dbi)
		if err != nil {
			return err
		}
		w := out(c)
		fmt.Fprintf(w, "Page size: %d\n", st.PageSize)
		fmt.Fprintf(w, "Depth: %d\n", st.Depth)
		fmt.Fprintf(w, "Branch pages: %d\n", st.BranchPages)
		fmt.Fprintf(w, "Leaf pages: %d\n", st.LeafPages)
		fmt.Fprintf(w, "Overflow pages: %d\n", st.OverflowPages)
		fmt.Fprintf(w, "Entries: %d\n", st.Entries)
		if !c.Bool("usage") {
			return nil
		}
		u, err := txn.Usage(dbi)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Branch bytes: %d/%d (%s)\n", u.BranchInuse, u.BranchAlloc, percent(u.BranchInuse, u.BranchAlloc))
		fmt.Fprintf(w, "Leaf bytes: %d/%d (%s)\n", u.LeafInuse, u.LeafAlloc, percent(u.LeafInuse, u.LeafAlloc))
		fmt.Fprintf(w, "Overflow bytes: %d/%d (%s)\n", u.OverflowInuse, u.OverflowAlloc, percent(u.OverflowInuse, u.OverflowAlloc))
		return nil
	})
}

func percent(n, d int) string {
	if d == 0 {
		return "0%"
	}
	return fmt.Sprintf("%d%%", n*100/d)
}

func dbsAction(c *cli.Context) error {
	return view(c, func(txn *mdb.Txn, _ mdb.DBI) error {
		names, err := txn.ListDBI()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(out(c), name)
		}
		return nil
	})
}

// each walks every entry of dbi in order.
func each(txn *mdb.Txn, dbi mdb.DBI, fn func(k, v []byte)) error {
	cur, err := txn.OpenCursor(dbi)
	if err != nil {
		return err
	}
	defer cur.Close()
	for {
		k, v, err := cur.Get(nil, nil, mdb.Next)
		if mdb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(k, v)
	}
}

func keysAction(c *cli.Context) error {
	return view(c, func(txn *mdb.Txn, dbi mdb.DBI) error {
		cur, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer cur.Close()
		for {
			k, _, err := cur.Get(nil, nil, mdb.NextNoDup)
			if mdb.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out(c), encode(c, k))
		}
	})
}

func getAction(c *cli.Context) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	key, err := decode(c, a[1])
	if err != nil {
		return err
	}
	return view(c, func(txn *mdb.Txn, dbi mdb.DBI) error {
		v, err := txn.Get(dbi, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(out(c), encode(c, v))
		return nil
	})
}

func dumpAction(c *cli.Context) error {
	return view(c, func(txn *mdb.Txn, dbi mdb.DBI) error {
		return each(txn, dbi, func(k, v []byte) {
			fmt.Fprintf(out(c), "%s: %s\n", encode(c, k), encode(c, v))
		})
	})
}

func checkAction(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	env, err := openEnv(c, a[0], true)
	if err != nil {
		return err
	}
	defer env.Close()
	if err := env.View(func(txn *mdb.Txn) error { return txn.Check() }); err != nil {
		return err
	}
	fmt.Fprintln(out(c), "OK")
	return nil
}

func copyAction(c *cli.Context) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	env, err := openEnv(c, a[0], true)
	if err != nil {
		return err
	}
	defer env.Close()
	return env.Copy(a[1])
}
