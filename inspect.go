//go:build linux || darwin

package xdom

import (
	"context"
	"fmt"

	"tlog.app/go/errors"
)

// FileInfo is the result of Inspect.
type FileInfo struct {
	Name     string
	ID       byte
	PageSize int64
	Pages    int64

	Statuses map[byte]int64

	// Free is the length of the free list, FreeCount is what the header says.
	Free      int64
	FreeCount int64

	// Bad pages failed to read.
	Bad []int64
}

var statusNames = map[byte]string{
	pageFree:     "free",
	pageHeader:   "header",
	pageLeaf:     "leaf",
	pageBranch:   "branch",
	pageData:     "data",
	pageOverflow: "overflow",
}

// Inspect reads a data file through a read-only mapping and verifies
// every page and the free list. The file must not be open for writing.
func Inspect(ctx context.Context, name string) (fi FileInfo, err error) {
	b, err := Mmap(name)
	if err != nil {
		return fi, errors.Wrap(err, "%v", name)
	}

	defer func() {
		if e := b.Close(); err == nil && e != nil {
			err = errors.Wrap(e, "close %v", name)
		}
	}()

	p, err := OpenPaged(b, PagedOptions{Name: name})
	if err != nil {
		return fi, errors.Wrap(err, "%v", name)
	}

	fi = FileInfo{
		Name:      name,
		ID:        p.ID(),
		PageSize:  p.PageSize(),
		Pages:     p.pageCount(),
		FreeCount: p.hdr(fhFreeCount),
		Statuses:  map[byte]int64{},
	}

	for no := int64(0); no < fi.Pages; no++ {
		if err = terminated(ctx); err != nil {
			return fi, err
		}

		pb, err := p.read(no)
		if err != nil {
			fi.Bad = append(fi.Bad, no)
			continue
		}

		fi.Statuses[pb[offStatus]]++
	}

	seen := map[int64]struct{}{}

	for no := p.hdr(fhFirstFree); no != NoPage; {
		if _, ok := seen[no]; ok {
			return fi, errors.Wrap(ErrCorrupted, "%v: free list loops at page %x", name, no)
		}

		seen[no] = struct{}{}

		pb, err := p.read(no)
		if err != nil {
			return fi, err
		}

		if pb[offStatus] != pageFree {
			return fi, errors.Wrap(ErrCorrupted, "%v: page %x in the free list: status %d", name, no, pb[offStatus])
		}

		fi.Free++
		no = getInt64(pb, offNext)
	}

	return fi, nil
}

func (fi FileInfo) String() string {
	s := fmt.Sprintf("%v  id %02x  page size %#x  pages %d  free %d/%d", fi.Name, fi.ID, fi.PageSize, fi.Pages, fi.Free, fi.FreeCount)

	for st := pageFree; st <= pageOverflow; st++ {
		if n := fi.Statuses[st]; n != 0 {
			s += fmt.Sprintf("  %s %d", statusNames[st], n)
		}
	}

	if len(fi.Bad) != 0 {
		s += fmt.Sprintf("  bad %x", fi.Bad)
	}

	return s
}
