// Command mdb inspects and edits mdb environments.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Giulio2002/mdb"
	"github.com/urfave/cli"
)

var branch, commit string

func main() {
	if err := NewApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	dbFlag = cli.StringFlag{
		Name:  "db",
		Usage: "named database, empty for the main database",
	}
	hexFlag = cli.BoolFlag{
		Name:  "hex",
		Usage: "read and print keys and values as hex",
	}
	subdirFlag = cli.BoolFlag{
		Name:  "nosubdir",
		Usage: "path names the data file instead of a directory",
	}
	mapSizeFlag = cli.Int64Flag{
		Name:  "mapsize",
		Usage: "map size in bytes for writing commands",
		Value: 1 << 30,
	}
)

// NewApp creates the command line application. Output goes to the app's
// Writer so tests can capture it.
func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = "mdb"
	app.Usage = "mdb environment toolkit"
	app.Version = fmt.Sprintf("%s (%s %s)", mdb.Version(), branch, commit)
	app.Flags = []cli.Flag{subdirFlag, mapSizeFlag}
	app.Commands = []cli.Command{
		{
			Name:      "info",
			Usage:     "Print environment geometry and reader state",
			ArgsUsage: "PATH",
			Action:    infoAction,
		},
		{
			Name:      "stat",
			Usage:     "Print tree statistics of a database",
			ArgsUsage: "PATH",
			Flags:     []cli.Flag{dbFlag, cli.BoolFlag{Name: "usage", Usage: "also measure page fill"}},
			Action:    statAction,
		},
		{
			Name:      "dbs",
			Usage:     "List the named databases",
			ArgsUsage: "PATH",
			Action:    dbsAction,
		},
		{
			Name:      "keys",
			Usage:     "List the keys of a database",
			ArgsUsage: "PATH",
			Flags:     []cli.Flag{dbFlag, hexFlag},
			Action:    keysAction,
		},
		{
			Name:      "get",
			Usage:     "Print the value of a key",
			ArgsUsage: "PATH KEY",
			Flags:     []cli.Flag{dbFlag, hexFlag},
			Action:    getAction,
		},
		{
			Name:      "dump",
			Usage:     "Print every key and value of a database",
			ArgsUsage: "PATH",
			Flags:     []cli.Flag{dbFlag, hexFlag},
			Action:    dumpAction,
		},
		{
			Name:      "put",
			Usage:     "Store a value under a key",
			ArgsUsage: "PATH KEY VALUE",
			Flags: []cli.Flag{
				dbFlag, hexFlag,
				cli.BoolFlag{Name: "create", Usage: "create the database if missing"},
				cli.BoolFlag{Name: "dupsort", Usage: "create the database with sorted duplicates"},
				cli.BoolFlag{Name: "nooverwrite", Usage: "fail if the key exists"},
			},
			Action: putAction,
		},
		{
			Name:      "del",
			Usage:     "Delete a key, or a single value of a DupSort key",
			ArgsUsage: "PATH KEY [VALUE]",
			Flags:     []cli.Flag{dbFlag, hexFlag},
			Action:    delAction,
		},
		{
			Name:      "check",
			Usage:     "Verify the structure of every database",
			ArgsUsage: "PATH",
			Action:    checkAction,
		},
		{
			Name:      "copy",
			Usage:     "Write a consistent copy of the data file",
			ArgsUsage: "PATH DEST",
			Action:    copyAction,
		},
		{
			Name:      "readers",
			Usage:     "Clear reader slots left by dead processes",
			ArgsUsage: "PATH",
			Action:    readersAction,
		},
		{
			Name:      "import-bolt",
			Usage:     "Copy the top-level buckets of a bolt file into named databases",
			ArgsUsage: "BOLTFILE PATH",
			Action:    importBoltAction,
		},
	}
	return app
}

var errUsage = errors.New("missing arguments")

// args returns the first n positional arguments or errUsage.
func args(c *cli.Context, n int) ([]string, error) {
	if c.NArg() < n {
		return nil, fmt.Errorf("%s: %w, usage: %s %s", c.Command.Name, errUsage, c.Command.Name, c.Command.ArgsUsage)
	}
	return c.Args()[:n], nil
}

// maxDBs is the handle limit of environments opened by the tool.
const maxDBs = 256

// openEnv opens the existing environment at path.
func openEnv(c *cli.Context, path string, readOnly bool) (*mdb.Env, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	var flags uint
	if readOnly {
		flags |= mdb.ReadOnly
	}
	return newEnv(c, path, flags)
}

// createEnv opens path for writing, creating it if needed.
func createEnv(c *cli.Context, path string) (*mdb.Env, error) {
	return newEnv(c, path, 0)
}

func newEnv(c *cli.Context, path string, flags uint) (*mdb.Env, error) {
	if c.GlobalBool(subdirFlag.Name) {
		flags |= mdb.NoSubdir
	}
	env, err := mdb.NewEnv()
	if err != nil {
		return nil, err
	}
	if err := env.SetOption(mdb.OptMaxDB, maxDBs); err != nil {
		env.Close()
		return nil, err
	}
	if err := env.SetOption(mdb.OptMapSize, uint64(c.GlobalInt64(mapSizeFlag.Name))); err != nil {
		env.Close()
		return nil, err
	}
	if err := env.Open(path, flags, 0644); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func decode(c *cli.Context, s string) ([]byte, error) {
	if c.Bool(hexFlag.Name) {
		return hex.DecodeString(s)
	}
	return []byte(s), nil
}

func encode(c *cli.Context, b []byte) string {
	if c.Bool(hexFlag.Name) {
		return hex.EncodeToString(b)
	}
	return string(b)
}

func out(c *cli.Context) io.Writer {
	return c.App.Writer
}
