package xdom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryTest(t *testing.T) {
	v := Value("m")

	for _, tc := range []struct {
		op  Op
		key string
		exp bool
	}{
		{EQ, "m", true},
		{EQ, "n", false},
		{NEQ, "m", false},
		{NEQ, "a", true},
		{GT, "m", false},
		{GT, "ma", true},
		{GEQ, "m", true},
		{GEQ, "l", false},
		{LT, "l", true},
		{LT, "m", false},
		{LEQ, "m", true},
		{LEQ, "n", false},
		{TruncRight, "mango", true},
		{TruncRight, "apple", false},
	} {
		assert.Equal(t, tc.exp, NewQuery(tc.op, v).Test(Value(tc.key)), "%v %q", tc.op, tc.key)
	}

	r := NewQuery(Range, Value("b"), Value("d"))

	assert.True(t, r.Test(Value("b")))
	assert.True(t, r.Test(Value("c")))
	assert.True(t, r.Test(Value("d")), "range is closed")
	assert.False(t, r.Test(Value("da")))
	assert.False(t, r.Test(Value("a")))

	var all *IndexQuery
	assert.True(t, all.Test(Value("anything")))
}

func TestQueryPast(t *testing.T) {
	assert.True(t, NewQuery(EQ, Value("b")).past(Value("c")))
	assert.False(t, NewQuery(EQ, Value("b")).past(Value("b")))
	assert.True(t, NewQuery(LT, Value("b")).past(Value("b")))
	assert.False(t, NewQuery(NEQ, Value("b")).past(Value("z")))
	assert.False(t, NewQuery(GT, Value("b")).past(Value("z")))
	assert.True(t, NewQuery(TruncRight, Value("C")).past(Value("D")))
	assert.False(t, NewQuery(TruncRight, Value("C")).past(Value("C999")))
	assert.False(t, NewQuery(TruncRight, Value{0xff}).past(Value{0xff, 0xff}))
	assert.True(t, NewQuery(Range, Value("a"), Value("c")).past(Value("ca")))
}

func TestQueryCheck(t *testing.T) {
	assert.NoError(t, NewQuery(EQ, Value("a")).check())
	assert.Error(t, NewQuery(EQ).check())
	assert.Error(t, NewQuery(Range, Value("a")).check())
	assert.Error(t, NewQuery(Op(100), Value("a")).check())

	var all *IndexQuery
	assert.NoError(t, all.check())
}

func TestParseOp(t *testing.T) {
	for o := EQ; o <= Range; o++ {
		p, err := ParseOp(o.String())
		require.NoError(t, err)
		assert.Equal(t, o, p)
	}

	p, err := ParseOp("trunc_right")
	assert.NoError(t, err)
	assert.Equal(t, TruncRight, p)

	_, err = ParseOp("LIKE")
	assert.Error(t, err)
}
