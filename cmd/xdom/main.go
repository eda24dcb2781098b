package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"nikand.dev/go/xdom"
	"nikand.dev/go/xdom/journal"
)

func main() {
	app := &cli.Command{
		Name:   "xdom",
		Before: before,
		Flags: []*cli.Flag{
			cli.NewFlag("dir,d", ".", "database directory"),
			cli.NewFlag("config,c", "", "toml config file"),
			cli.NewFlag("verbosity,v", "", "tlog verbosity topics"),
			cli.NewFlag("detailed,vv", false, "detailed log"),
			cli.HelpFlag,
		},
		Commands: []*cli.Command{{
			Name:   "stats",
			Action: stats,
		}, {
			Name:   "dump",
			Action: dump,
			Flags: []*cli.Flag{
				cli.NewFlag("index,i", -1, "dump keys of the index instead of the records, 0 is the primary one"),
			},
		}, {
			Name:   "keys",
			Action: keys,
		}, {
			Name:   "inspect",
			Action: inspect,
			Args:   cli.Args{},
		}, {
			Name:   "journal",
			Action: journalList,
			Flags: []*cli.Flag{
				cli.NewFlag("file,f", -1, "journal file number, all if negative"),
			},
		}, {
			Name:   "query",
			Action: query,
			Args:   cli.Args{},
			Flags: []*cli.Flag{
				cli.NewFlag("index,i", 0, "index id, 0 is the primary one"),
				cli.NewFlag("op", "TRUNC_RIGHT", "EQ NEQ GT GEQ LT LEQ TRUNC_RIGHT RANGE"),
			},
		}, {
			Name:   "get",
			Action: get,
			Args:   cli.Args{},
		}, {
			Name:   "put",
			Action: put,
			Args:   cli.Args{},
		}, {
			Name:   "del",
			Action: del,
			Args:   cli.Args{},
		}, {
			Name:   "backup",
			Action: backup,
			Flags: []*cli.Flag{
				cli.NewFlag("output,o", "", "output file, stdout if empty"),
				cli.NewFlag("codec", "snappy", "none, snappy or lz4"),
			},
		}, {
			Name:   "restore",
			Action: restore,
			Flags: []*cli.Flag{
				cli.NewFlag("input,in", "", "backup file, stdin if empty"),
			},
		}, {
			Name:   "config",
			Action: config,
		}},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func before(c *cli.Command) error {
	if c.Bool("vv") {
		tlog.DefaultLogger = tlog.New(tlog.NewConsoleWriter(os.Stderr, tlog.LdetFlags))
	}

	tlog.SetVerbosity(c.String("v"))

	return nil
}

func loadConfig(c *cli.Command) (*xdom.Config, error) {
	if n := c.String("config"); n != "" {
		return xdom.LoadConfig(n)
	}

	return xdom.DefaultConfig(), nil
}

func open(ctx context.Context, c *cli.Command) (*xdom.DB, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	return xdom.Open(ctx, c.String("dir"), cfg)
}

func withDB(c *cli.Command, f func(ctx context.Context, db *xdom.DB) error) (err error) {
	ctx := context.Background()

	db, err := open(ctx, c)
	if err != nil {
		return err
	}

	defer func() {
		if e := db.Close(); err == nil {
			err = e
		}
	}()

	return f(ctx, db)
}

func stats(c *cli.Command) error {
	return withDB(c, func(ctx context.Context, db *xdom.DB) error {
		s, err := db.DOM().Stats(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("%-12s  %v\n", xdom.DOMFileName, s)

		for _, id := range db.Indexes() {
			t, err := db.Index(id)
			if err != nil {
				return err
			}

			ts, err := t.Stats(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%-12s  depth %d  leaves %d  branches %d  keys %d  fill %.2f\n",
				t.File().Name(), ts.Depth, ts.Leaves, ts.Branches, ts.Keys, ts.Fill)
		}

		r := db.Recovered

		fmt.Printf("%-12s  records %d  redone %d  losers %d  undone %d  truncated %d  last txn %d\n",
			"recovery", r.Records, r.Redone, r.Losers, r.Undone, r.Truncated, r.LastTxn)

		return nil
	})
}

func dump(c *cli.Command) error {
	return withDB(c, func(ctx context.Context, db *xdom.DB) error {
		id := c.Int("index")
		if id < 0 {
			return db.DOM().Dump(ctx, os.Stdout)
		}

		t, err := tree(db, id)
		if err != nil {
			return err
		}

		return t.RawScan(ctx, nil, func(k xdom.Value, ptr int64) bool {
			fmt.Printf("%-40q  %#x\n", k, ptr)
			return true
		})
	})
}

func keys(c *cli.Command) error {
	return withDB(c, func(ctx context.Context, db *xdom.DB) error {
		return xdom.DebugDump(ctx, os.Stdout, db)
	})
}

func inspect(c *cli.Command) error {
	names := []string(c.Args)
	if len(names) == 0 {
		names = []string{filepath.Join(c.String("dir"), xdom.DOMFileName)}
	}

	for _, n := range names {
		fi, err := xdom.Inspect(context.Background(), n)
		if err != nil {
			return err
		}

		fmt.Printf("%v\n", fi)
	}

	return nil
}

func tree(db *xdom.DB, id int) (*xdom.BTree, error) {
	if id == 0 {
		return db.DOM().BTree, nil
	}

	if id < 0 || id > 0xff {
		return nil, errors.New("bad index id: %d", id)
	}

	return db.Index(byte(id))
}

func journalList(c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	dir := cfg.JournalDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.String("dir"), dir)
	}

	files, err := journal.Files(dir)
	if err != nil {
		return err
	}

	reg := xdom.NewRegistry(xdom.NewFiles())

	for _, num := range files {
		if f := c.Int("file"); f >= 0 && uint32(f) != num {
			continue
		}

		r, err := journal.OpenReader(dir, num, reg)
		if err != nil {
			return err
		}

		fmt.Printf("file %d  size %d\n", num, r.Size())

		for {
			l, err := r.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				fmt.Printf("  %v: %v\n", journal.MakeLSN(num, r.Pos()), err)
				break
			}

			fmt.Printf("  %v  %v\n", l.LSN(), l)
		}
	}

	return nil
}

func query(c *cli.Command) error {
	op, err := xdom.ParseOp(c.String("op"))
	if err != nil {
		return err
	}

	vals := make([]xdom.Value, len(c.Args))
	for i, a := range c.Args {
		vals[i] = xdom.Value(a)
	}

	return withDB(c, func(ctx context.Context, db *xdom.DB) error {
		t, err := tree(db, c.Int("index"))
		if err != nil {
			return err
		}

		n := 0

		err = t.Query(ctx, xdom.NewQuery(op, vals...), func(k xdom.Value, ptr int64) bool {
			fmt.Printf("%-40q  %#x\n", k, ptr)
			n++

			return true
		})
		if err != nil {
			return err
		}

		fmt.Printf("%d keys\n", n)

		return nil
	})
}

func get(c *cli.Command) error {
	if len(c.Args) != 1 {
		return errors.New("expected key")
	}

	return withDB(c, func(ctx context.Context, db *xdom.DB) error {
		v, err := db.DOM().Find(ctx, xdom.Value(c.Args[0]))
		if err != nil {
			return err
		}

		if v == nil {
			return errors.New("%q: not found", c.Args[0])
		}

		_, err = os.Stdout.Write(v)

		return err
	})
}

func put(c *cli.Command) error {
	if len(c.Args) != 2 {
		return errors.New("expected key and value")
	}

	return withDB(c, func(ctx context.Context, db *xdom.DB) error {
		return db.Update(ctx, func(ctx context.Context, tx *xdom.Txn) error {
			addr, err := db.DOM().Put(ctx, tx, xdom.Value(c.Args[0]), []byte(c.Args[1]))
			if err != nil {
				return err
			}

			fmt.Printf("%q  page %#x  tid %#x\n", c.Args[0], xdom.AddrPage(addr), xdom.AddrTid(addr))

			return nil
		})
	})
}

func del(c *cli.Command) error {
	if len(c.Args) != 1 {
		return errors.New("expected key")
	}

	return withDB(c, func(ctx context.Context, db *xdom.DB) error {
		return db.Update(ctx, func(ctx context.Context, tx *xdom.Txn) error {
			ok, err := db.DOM().Delete(ctx, tx, xdom.Value(c.Args[0]))
			if err != nil {
				return err
			}

			if !ok {
				return errors.New("%q: not found", c.Args[0])
			}

			return nil
		})
	})
}

func backup(c *cli.Command) error {
	return withDB(c, func(ctx context.Context, db *xdom.DB) (err error) {
		var w io.Writer = os.Stdout

		if n := c.String("output"); n != "" {
			f, err := os.Create(n)
			if err != nil {
				return err
			}

			defer func() {
				if e := f.Close(); err == nil {
					err = e
				}
			}()

			w = f
		}

		s, err := db.Backup(ctx, w, c.String("codec"))
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "files %d  pages %d  raw %d  written %d\n", s.Files, s.Pages, s.Raw, s.Written)

		return nil
	})
}

func restore(c *cli.Command) error {
	var r io.Reader = os.Stdin

	if n := c.String("input"); n != "" {
		f, err := os.Open(n)
		if err != nil {
			return err
		}

		defer f.Close()

		r = f
	}

	s, err := xdom.Restore(context.Background(), r, c.String("dir"))
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "files %d  pages %d\n", s.Files, s.Pages)

	return nil
}

func config(c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(data)

	return err
}
