// Package mdb is a pure Go embedded transactional key-value store: a
// copy-on-write B+ tree in a memory-mapped file with one writer and any
// number of readers.
//
// Key features:
//   - Readers see a consistent snapshot and never block or get blocked
//   - One writer at a time, across goroutines and processes
//   - Two alternating checksummed meta pages; a commit is durable once
//     its meta page is synced
//   - Named databases, sorted duplicates (DupSort) and large values in
//     overflow pages
//
// Basic usage:
//
//	env, err := mdb.NewEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := env.Open("/path/to/db", 0, 0644); err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	err = env.Update(func(txn *mdb.Txn) error {
//	    return txn.Put(mdb.MainDBI, []byte("key"), []byte("value"), 0)
//	})
//
//	err = env.View(func(txn *mdb.Txn) error {
//	    v, err := txn.Get(mdb.MainDBI, []byte("key"))
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Printf("%s\n", v)
//	    return nil
//	})
package mdb
