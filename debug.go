package xdom

import (
	"context"
	"fmt"
	"io"
)

// DebugDump prints every key of the database: the primary keys with
// the records they point to, then the keys of each secondary index.
func DebugDump(ctx context.Context, w io.Writer, d *DB) error {
	dom := d.DOM()

	_, err := Read(ctx, dom.p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, debugDump(ctx, w, 0, dom.BTree, func(ptr int64) string {
			v, err := dom.Get(ctx, ptr)
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}

			return fmt.Sprintf("%.40q (%4d)", v, len(v))
		})
	})
	if err != nil {
		return err
	}

	for _, id := range d.Indexes() {
		t, err := d.Index(id)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "index %02x  %v--->\n", id, t.File().Name())

		err = debugDump(ctx, w, 1, t, nil)
		if err != nil {
			return err
		}
	}

	return nil
}

func debugDump(ctx context.Context, w io.Writer, d int, t *BTree, val func(ptr int64) string) error {
	const pad = "                                                              "

	var err error

	qerr := t.RawScan(ctx, nil, func(k Value, ptr int64) bool {
		if val == nil {
			_, err = fmt.Fprintf(w, "%v%16.16x -> %16.16x  |  %-40.40q (%4d)\n", pad[:d*4], []byte(k), ptr, []byte(k), len(k))
		} else {
			_, err = fmt.Fprintf(w, "%v%16.16x -> %16.16x  |  %-40.40q (%4d) -> %v\n", pad[:d*4], []byte(k), ptr, []byte(k), len(k), val(ptr))
		}

		return err == nil
	})
	if qerr != nil {
		return qerr
	}

	return err
}
