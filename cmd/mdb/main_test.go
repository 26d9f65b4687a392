package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Giulio2002/mdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

// run executes a command against the CLI and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := NewApp()
	app.Writer = &buf
	app.ErrWriter = &buf
	err := app.Run(append([]string{"mdb", "--mapsize", "16777216"}, args...))
	return strings.TrimSpace(buf.String()), err
}

// mustRun fails the test if the command fails.
func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestPutGet(t *testing.T) {
	path := t.TempDir()
	mustRun(t, "put", path, "foo", "bar")
	assert.Equal(t, "bar", mustRun(t, "get", path, "foo"))

	_, err := run(t, "get", path, "missing")
	assert.True(t, mdb.IsNotFound(err), "%v", err)
}

func TestPutNoOverwrite(t *testing.T) {
	path := t.TempDir()
	mustRun(t, "put", path, "foo", "bar")
	_, err := run(t, "put", "--nooverwrite", path, "foo", "baz")
	assert.True(t, mdb.IsKeyExist(err), "%v", err)
	assert.Equal(t, "bar", mustRun(t, "get", path, "foo"))
}

func TestKeys(t *testing.T) {
	path := t.TempDir()
	for _, k := range []string{"0002", "0001", "0003"} {
		mustRun(t, "put", "--db", "widgets", "--create", path, k, "x")
	}
	assert.Equal(t, "0001\n0002\n0003", mustRun(t, "keys", "--db", "widgets", path))
	assert.Equal(t, "widgets", mustRun(t, "dbs", path))
}

func TestKeysDBNotFound(t *testing.T) {
	_, err := run(t, "keys", filepath.Join(t.TempDir(), "no", "such", "db"))
	assert.Error(t, err)
}

func TestKeysBucketNotFound(t *testing.T) {
	path := t.TempDir()
	mustRun(t, "put", path, "a", "1")
	_, err := run(t, "keys", "--db", "widgets", path)
	assert.True(t, mdb.IsNotFound(err), "%v", err)
}

func TestMissingArgs(t *testing.T) {
	_, err := run(t, "get", t.TempDir())
	assert.ErrorIs(t, err, errUsage)
}

func TestDumpHex(t *testing.T) {
	path := t.TempDir()
	mustRun(t, "put", "--hex", path, "0102", "ff")
	mustRun(t, "put", path, "b", "c")
	assert.Equal(t, "0102: ff\n62: 63", mustRun(t, "dump", "--hex", path))
}

func TestDupSortDel(t *testing.T) {
	path := t.TempDir()
	for _, v := range []string{"c", "a", "b"} {
		mustRun(t, "put", "--db", "d", "--dupsort", path, "k", v)
	}
	assert.Equal(t, "k: a\nk: b\nk: c", mustRun(t, "dump", "--db", "d", path))
	assert.Equal(t, "k", mustRun(t, "keys", "--db", "d", path))

	mustRun(t, "del", "--db", "d", path, "k", "b")
	assert.Equal(t, "k: a\nk: c", mustRun(t, "dump", "--db", "d", path))

	mustRun(t, "del", "--db", "d", path, "k")
	assert.Equal(t, "", mustRun(t, "dump", "--db", "d", path))
}

func TestStatInfoCheck(t *testing.T) {
	path := t.TempDir()
	for i := 0; i < 50; i++ {
		mustRun(t, "put", path, strings.Repeat("k", i+1), "v")
	}
	stat := mustRun(t, "stat", "--usage", path)
	assert.Contains(t, stat, "Entries: 50")
	assert.Contains(t, stat, "Leaf bytes:")

	info := mustRun(t, "info", path)
	assert.Contains(t, info, "Page size: 4096")
	assert.Contains(t, info, "Last txnid: 51")

	assert.Equal(t, "OK", mustRun(t, "check", path))
	assert.Equal(t, "Cleared 0 stale readers", mustRun(t, "readers", path))
}

func TestCopy(t *testing.T) {
	path := t.TempDir()
	mustRun(t, "put", path, "a", "1")
	dest := filepath.Join(t.TempDir(), "copy")
	mustRun(t, "copy", path, dest)
	assert.Equal(t, "1", mustRun(t, "--nosubdir", "get", dest, "a"))
}

func TestImportBolt(t *testing.T) {
	src := filepath.Join(t.TempDir(), "bolt.db")
	db, err := bolt.Open(src, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"x", "y", "z"} {
			if err := b.Put([]byte(k), []byte(k+k)); err != nil {
				return err
			}
		}
		// Nested buckets are not copied.
		if _, err := b.CreateBucket([]byte("nested")); err != nil {
			return err
		}
		_, err = tx.CreateBucket([]byte("empty"))
		return err
	}))
	require.NoError(t, db.Close())

	path := t.TempDir()
	out := mustRun(t, "import-bolt", src, path)
	assert.Equal(t, "empty: 0 keys\nwidgets: 3 keys", out)
	assert.Equal(t, "x: xx\ny: yy\nz: zz", mustRun(t, "dump", "--db", "widgets", path))
	assert.Equal(t, "empty\nwidgets", mustRun(t, "dbs", path))
	assert.Equal(t, "OK", mustRun(t, "check", path))
}
