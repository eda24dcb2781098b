package xdom

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/OneOfOne/xxhash"
	"tlog.app/go/errors"
)

/*
	Backup file

	x  d  o  m  b  a  k  1
	FF                          // number of files

	File

	NN name[NN] II              // file name, file id
	PP PP PP PP                 // page size
	CC CC CC CC CC CC CC CC     // page count
	block*                      // up to backupBlockPages pages each, see codec.go
	SS SS SS SS SS SS SS SS     // xxhash64 of the pages
*/

const backupBlockPages = 64

var backupMagic = []byte("xdombak1")

var ErrBadBackup = errors.New("bad backup")

type BackupStats struct {
	Files   int
	Pages   int64
	Raw     int64
	Written int64
}

// Backup writes a consistent copy of all the files to w.
// No transaction may be running.
func (d *DB) Backup(ctx context.Context, w io.Writer, codec string) (s BackupStats, err error) {
	c := Codecs[codec]
	if c == nil {
		return s, errors.Wrap(ErrUnknownCodec, "%q", codec)
	}

	err = d.Checkpoint(ctx)
	if err != nil {
		return s, err
	}

	files := d.fs.All()

	err = readAll(ctx, files, func(ctx context.Context) error {
		if n := d.txns.Active(); n != 0 {
			return errors.Wrap(ErrTxnActive, "backup: %d running", n)
		}

		buf := append([]byte{}, backupMagic...)
		buf = append(buf, byte(len(files)))

		for _, p := range files {
			buf, err = backupFile(ctx, buf, p, c, &s)
			if err != nil {
				return errors.Wrap(err, "%v", p.Name())
			}

			if len(buf) > 1<<20 {
				err = flushTo(w, &buf, &s)
				if err != nil {
					return err
				}
			}
		}

		return flushTo(w, &buf, &s)
	})
	if err != nil {
		return s, err
	}

	d.l.Printw("backup", "files", s.Files, "pages", s.Pages, "raw", s.Raw, "written", s.Written, "codec", codec)

	return s, nil
}

func flushTo(w io.Writer, buf *[]byte, s *BackupStats) error {
	n, err := w.Write(*buf)
	s.Written += int64(n)
	*buf = (*buf)[:0]

	if err != nil {
		return errors.Wrap(err, "write backup")
	}

	return nil
}

// readAll runs f holding read locks of all the files.
func readAll(ctx context.Context, ps []*Paged, f func(ctx context.Context) error) error {
	if len(ps) == 0 {
		return f(ctx)
	}

	_, err := Read(ctx, ps[0], func(ctx context.Context) (struct{}, error) {
		return struct{}{}, readAll(ctx, ps[1:], f)
	})

	return err
}

func backupFile(ctx context.Context, buf []byte, p *Paged, c Codec, s *BackupStats) (_ []byte, err error) {
	name := p.Name()
	count := p.pageCount()

	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, p.ID())
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.psize))
	buf = binary.BigEndian.AppendUint64(buf, uint64(count))

	h := xxhash.New64()
	raw := make([]byte, 0, backupBlockPages*p.psize)

	for no := int64(0); no < count; {
		if err = terminated(ctx); err != nil {
			return buf, err
		}

		raw = raw[:0]

		for i := 0; i < backupBlockPages && no < count; i, no = i+1, no+1 {
			b, err := p.read(no)
			if err != nil {
				return buf, err
			}

			raw = append(raw, b...)
		}

		_, _ = h.Write(raw)

		buf, err = EncodeBlock(buf, c, raw)
		if err != nil {
			return buf, err
		}

		s.Raw += int64(len(raw))
	}

	buf = binary.BigEndian.AppendUint64(buf, h.Sum64())

	s.Files++
	s.Pages += count

	return buf, nil
}

// Restore writes the files of a backup into dir,
// which must not hold a database.
func Restore(ctx context.Context, r io.Reader, dir string) (s BackupStats, err error) {
	if _, err = os.Stat(filepath.Join(dir, DOMFileName)); err == nil {
		return s, errors.New("%v: database exists", dir)
	}

	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return s, errors.Wrap(err, "create database dir")
	}

	hdr := make([]byte, len(backupMagic)+1)

	_, err = io.ReadFull(r, hdr)
	if err != nil {
		return s, errors.Wrap(noEOF(err), "backup header")
	}

	if !bytes.Equal(hdr[:len(backupMagic)], backupMagic) {
		return s, errors.Wrap(ErrBadBackup, "magic %q", hdr[:len(backupMagic)])
	}

	n := int(hdr[len(backupMagic)])

	for i := 0; i < n; i++ {
		err = restoreFile(ctx, r, dir, &s)
		if err != nil {
			return s, err
		}
	}

	return s, nil
}

func restoreFile(ctx context.Context, r io.Reader, dir string, s *BackupStats) (err error) {
	var nl [1]byte

	_, err = io.ReadFull(r, nl[:])
	if err != nil {
		return errors.Wrap(noEOF(err), "file header")
	}

	hdr := make([]byte, int(nl[0])+1+4+8)

	_, err = io.ReadFull(r, hdr)
	if err != nil {
		return errors.Wrap(noEOF(err), "file header")
	}

	name := string(hdr[:nl[0]])
	id := hdr[nl[0]]
	psize := int64(binary.BigEndian.Uint32(hdr[nl[0]+1:]))
	count := int64(binary.BigEndian.Uint64(hdr[nl[0]+5:]))

	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.Wrap(ErrBadBackup, "file name %q", name)
	}

	b, err := OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_RDWR)
	if err != nil {
		return err
	}

	defer func() {
		if e := b.Close(); err == nil && e != nil {
			err = errors.Wrap(e, "close %v", name)
		}
	}()

	h := xxhash.New64()

	var raw []byte
	var off int64

	for off < count*psize {
		if err = terminated(ctx); err != nil {
			return err
		}

		raw, err = ReadBlock(r, raw[:0])
		if err != nil {
			return errors.Wrap(noEOF(err), "%v: page %x", name, off/psize)
		}

		if len(raw) == 0 || int64(len(raw))%psize != 0 {
			return errors.Wrap(ErrBadBackup, "%v: block of %d bytes", name, len(raw))
		}

		_, _ = h.Write(raw)

		_, err = b.WriteAt(raw, off)
		if err != nil {
			return errors.Wrap(err, "%v: write", name)
		}

		off += int64(len(raw))
		s.Raw += int64(len(raw))
	}

	var sum [8]byte

	_, err = io.ReadFull(r, sum[:])
	if err != nil {
		return errors.Wrap(noEOF(err), "%v: checksum", name)
	}

	if binary.BigEndian.Uint64(sum[:]) != h.Sum64() {
		return errors.Wrap(ErrBadBackup, "%v: checksum mismatch", name)
	}

	err = b.Sync()
	if err != nil {
		return errors.Wrap(err, "%v: sync", name)
	}

	p, err := OpenPaged(b, PagedOptions{Name: name})
	if err != nil {
		return errors.Wrap(err, "%v: verify", name)
	}

	if p.ID() != id || p.PageSize() != psize {
		return errors.Wrap(ErrBadBackup, "%v: header id %x size %x, want %x %x", name, p.ID(), p.PageSize(), id, psize)
	}

	s.Files++
	s.Pages += count

	return nil
}
