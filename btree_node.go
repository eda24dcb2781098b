package xdom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"tlog.app/go/errors"
)

/*
	B+tree node, after the common page header

	20: KK KK __ __ __ __ __ __   // number of keys
	28: <prev leaf>               // leaves only
	30: entries

	Leaf entry, the key is compressed against the previous one

		pfx    byte    // bytes shared with the previous key
		sfxlen uint16
		sfx    []byte
		ptr    int64

	Branch

		ptr0 int64
		{
			keylen uint16
			key    []byte
			ptr    int64 // subtree of keys >= key
		}
*/

const (
	nodeNKeys = 0x20
	nodePrev  = 0x28
	nodeData  = 0x30

	maxPrefix = 0xff
)

type (
	node struct {
		no   int64
		leaf bool

		keys []Value
		ptrs []int64 // len(keys) for leaves, len(keys)+1 for branches

		next, prev int64
	}

	// keylink is a page number and an index in it.
	keylink int64
)

func mklink(no int64, i int) keylink { return keylink(no<<16 | int64(i)) }

func (l keylink) Page() int64 { return int64(l) >> 16 }
func (l keylink) Index() int  { return int(int64(l) & 0xffff) }

func newLeaf(no int64) *node {
	return &node{no: no, leaf: true, next: NoPage, prev: NoPage}
}

func decodeNode(no int64, b []byte) (*node, error) {
	n := &node{
		no:   no,
		next: getInt64(b, offNext),
		prev: NoPage,
	}

	switch b[offStatus] {
	case pageLeaf:
		n.leaf = true
		n.prev = getInt64(b, nodePrev)
	case pageBranch:
	default:
		return nil, errors.Wrap(ErrBadNode, "page %x: status %d", no, b[offStatus])
	}

	nk := int(binary.BigEndian.Uint16(b[nodeNKeys:]))
	end := nodeData + dataLen(b)

	if end > len(b) {
		return nil, errors.Wrap(ErrBadNode, "page %x: data length %x", no, dataLen(b))
	}

	n.keys = make([]Value, nk)
	st := nodeData

	if n.leaf {
		n.ptrs = make([]int64, nk)

		var prev Value

		for i := 0; i < nk; i++ {
			if st+3 > end {
				return nil, errors.Wrap(ErrBadNode, "page %x: key %d header", no, i)
			}

			pfx := int(b[st])
			sfx := int(binary.BigEndian.Uint16(b[st+1:]))
			st += 3

			if pfx > len(prev) || st+sfx+8 > end {
				return nil, errors.Wrap(ErrBadNode, "page %x: key %d: pfx %d sfx %d", no, i, pfx, sfx)
			}

			k := make(Value, pfx+sfx)
			copy(k, prev[:pfx])
			copy(k[pfx:], b[st:st+sfx])
			st += sfx

			n.keys[i] = k
			n.ptrs[i] = getInt64(b, st)
			st += 8

			prev = k
		}
	} else {
		n.ptrs = make([]int64, nk+1)

		if st+8 > end {
			return nil, errors.Wrap(ErrBadNode, "page %x: no first pointer", no)
		}

		n.ptrs[0] = getInt64(b, st)
		st += 8

		for i := 0; i < nk; i++ {
			if st+2 > end {
				return nil, errors.Wrap(ErrBadNode, "page %x: key %d header", no, i)
			}

			kl := int(binary.BigEndian.Uint16(b[st:]))
			st += 2

			if st+kl+8 > end {
				return nil, errors.Wrap(ErrBadNode, "page %x: key %d: len %d", no, i, kl)
			}

			n.keys[i] = Value(b[st : st+kl]).Copy()
			st += kl

			n.ptrs[i+1] = getInt64(b, st)
			st += 8
		}
	}

	if st != end {
		return nil, errors.Wrap(ErrBadNode, "page %x: %d trailing bytes", no, end-st)
	}

	return n, nil
}

// encode writes the node into page b. The page must be big enough.
func (n *node) encode(b []byte) {
	for i := pageHeaderSize; i < len(b); i++ {
		b[i] = 0
	}

	if n.leaf {
		b[offStatus] = pageLeaf
		setInt64(b, nodePrev, n.prev)
	} else {
		b[offStatus] = pageBranch
	}

	setInt64(b, offNext, n.next)
	binary.BigEndian.PutUint16(b[nodeNKeys:], uint16(len(n.keys)))

	st := nodeData

	if n.leaf {
		var prev Value

		for i, k := range n.keys {
			pfx := k.CommonPrefix(prev)
			if pfx > maxPrefix {
				pfx = maxPrefix
			}

			b[st] = byte(pfx)
			binary.BigEndian.PutUint16(b[st+1:], uint16(len(k)-pfx))
			st += 3
			st += copy(b[st:], k[pfx:])

			setInt64(b, st, n.ptrs[i])
			st += 8

			prev = k
		}
	} else {
		setInt64(b, st, n.ptrs[0])
		st += 8

		for i, k := range n.keys {
			binary.BigEndian.PutUint16(b[st:], uint16(len(k)))
			st += 2
			st += copy(b[st:], k)

			setInt64(b, st, n.ptrs[i+1])
			st += 8
		}
	}

	setDataLen(b, st-nodeData)
}

// size is the encoded size of keys [i, j) of the node with its page headers.
func (n *node) size(i, j int) int {
	s := nodeData

	if n.leaf {
		var prev Value

		for _, k := range n.keys[i:j] {
			pfx := k.CommonPrefix(prev)
			if pfx > maxPrefix {
				pfx = maxPrefix
			}

			s += 3 + len(k) - pfx + 8
			prev = k
		}

		return s
	}

	s += 8

	for _, k := range n.keys[i:j] {
		s += 2 + len(k) + 8
	}

	return s
}

// search returns the index of the first key >= k and whether it's equal.
func (n *node) search(k Value) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool {
		return n.keys[i].Compare(k) >= 0
	})

	return i, i < len(n.keys) && n.keys[i].Equal(k)
}

// child returns the index of the subtree k belongs to.
func (n *node) child(k Value) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return n.keys[i].Compare(k) > 0
	})
}

func (n *node) insertLeaf(i int, k Value, ptr int64) {
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = k.Copy()

	n.ptrs = append(n.ptrs, 0)
	copy(n.ptrs[i+1:], n.ptrs[i:])
	n.ptrs[i] = ptr
}

func (n *node) removeLeaf(i int) {
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.ptrs = append(n.ptrs[:i], n.ptrs[i+1:]...)
}

// insertBranch puts separator k with right subtree ptr after child i.
func (n *node) insertBranch(i int, k Value, ptr int64) {
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = k.Copy()

	n.ptrs = append(n.ptrs, 0)
	copy(n.ptrs[i+2:], n.ptrs[i+1:])
	n.ptrs[i+1] = ptr
}

// removeChild drops child i and the separator next to it.
func (n *node) removeChild(i int) {
	n.ptrs = append(n.ptrs[:i], n.ptrs[i+1:]...)

	if len(n.keys) == 0 {
		return
	}

	if i == 0 {
		n.keys = n.keys[1:]
	} else {
		n.keys = append(n.keys[:i-1], n.keys[i:]...)
	}
}

// pivot finds where to split the node so that the left part
// gets at least half of the key bytes.
func (n *node) pivot() int {
	total := 0
	for _, k := range n.keys {
		total += len(k)
	}

	sum := 0
	for i, k := range n.keys {
		sum += len(k)

		if sum > total/2 {
			return clampPivot(i+1, len(n.keys))
		}
	}

	return clampPivot(len(n.keys)/2, len(n.keys))
}

func clampPivot(p, n int) int {
	if p >= n {
		p = n - 1
	}

	if p < 1 {
		p = 1
	}

	return p
}

func (n *node) String() string {
	var b strings.Builder

	tp := "branch"
	if n.leaf {
		tp = "leaf"
	}

	fmt.Fprintf(&b, "%s %x  keys %d  next %x prev %x\n", tp, n.no, len(n.keys), n.next, n.prev)

	if !n.leaf {
		fmt.Fprintf(&b, "    -> %x\n", n.ptrs[0])
	}

	for i, k := range n.keys {
		p := n.ptrs[i]
		if !n.leaf {
			p = n.ptrs[i+1]
		}

		fmt.Fprintf(&b, "    %q -> %x\n", []byte(k), p)
	}

	return b.String()
}
