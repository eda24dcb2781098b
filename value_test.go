package xdom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueCompare(t *testing.T) {
	assert.Equal(t, 0, Value("abc").Compare(Value("abc")))
	assert.Equal(t, -1, Value("ab").Compare(Value("abc")))
	assert.Equal(t, 1, Value("b").Compare(Value("abc")))
	assert.Equal(t, -1, Value(nil).Compare(Value("a")))

	assert.True(t, Value("C123").HasPrefix(Value("C")))
	assert.False(t, Value("D123").HasPrefix(Value("C")))

	assert.Equal(t, 0, Value("C123").ComparePrefix(Value("C1")))
	assert.Equal(t, -1, Value("C").ComparePrefix(Value("C1")))
	assert.Equal(t, 1, Value("D0").ComparePrefix(Value("C1")))

	assert.Equal(t, 3, Value("abcd").CommonPrefix(Value("abcx")))
	assert.Equal(t, 2, Value("ab").CommonPrefix(Value("abc")))
	assert.Equal(t, 0, Value("x").CommonPrefix(Value("abc")))
}

func TestValueCopy(t *testing.T) {
	b := []byte("key")
	v := Value(b).Copy()

	b[0] = 'K'

	assert.Equal(t, Value("key"), v)
	assert.Nil(t, Value(nil).Copy())
}

func TestPrefixValue(t *testing.T) {
	a := PrefixValue16(1, []byte("zzz"))
	b := PrefixValue16(2, []byte("aaa"))

	assert.Equal(t, Value{0, 1, 'z', 'z', 'z'}, a)
	assert.Equal(t, -1, a.Compare(b), "tag orders first")

	c := PrefixValue32(0x01020304, []byte("x"))
	assert.Equal(t, Value{1, 2, 3, 4, 'x'}, c)
}

func TestSuccessor(t *testing.T) {
	assert.Equal(t, Value("D"), successor(Value("C")))
	assert.Equal(t, Value("ac"), successor(Value("ab")))
	assert.Equal(t, Value{'b'}, successor(Value{'a', 0xff}))
	assert.Nil(t, successor(Value{0xff, 0xff}))
	assert.Nil(t, successor(nil))
}
