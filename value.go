package xdom

import (
	"bytes"
	"encoding/binary"
)

// Value is a key or record body. It aliases the memory it was made from.
type Value []byte

// KeyNotFound is returned by lookups for absent keys.
const KeyNotFound int64 = -1

func (v Value) Size() int { return len(v) }

// Compare orders values byte by byte, a prefix before its extensions.
func (v Value) Compare(w Value) int {
	return bytes.Compare(v, w)
}

func (v Value) Equal(w Value) bool {
	return bytes.Equal(v, w)
}

func (v Value) HasPrefix(p Value) bool {
	return bytes.HasPrefix(v, p)
}

// ComparePrefix compares the first len(p) bytes of v with p.
func (v Value) ComparePrefix(p Value) int {
	if len(v) > len(p) {
		v = v[:len(p)]
	}

	return bytes.Compare(v, p)
}

// CommonPrefix returns the length of the common prefix of v and w.
func (v Value) CommonPrefix(w Value) int {
	n := len(v)
	if len(w) < n {
		n = len(w)
	}

	for i := 0; i < n; i++ {
		if v[i] != w[i] {
			return i
		}
	}

	return n
}

func (v Value) Copy() Value {
	if v == nil {
		return nil
	}

	return append(Value{}, v...)
}

// PrefixValue16 prepends a 2-byte tag to content.
// Values sort by tag first, then by content.
func PrefixValue16(tag uint16, content []byte) Value {
	v := make(Value, 2+len(content))
	binary.BigEndian.PutUint16(v, tag)
	copy(v[2:], content)

	return v
}

// PrefixValue32 prepends a 4-byte tag to content.
func PrefixValue32(tag uint32, content []byte) Value {
	v := make(Value, 4+len(content))
	binary.BigEndian.PutUint32(v, tag)
	copy(v[4:], content)

	return v
}

// successor returns the smallest value greater than every value
// having v as a prefix, or nil if there is none.
func successor(v Value) Value {
	s := v.Copy()

	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != 0xff {
			s[i]++
			return s[:i+1]
		}
	}

	return nil
}
