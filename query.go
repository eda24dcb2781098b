package xdom

import (
	"fmt"
	"strings"

	"tlog.app/go/errors"
)

type (
	Op int

	// IndexQuery selects keys. TRUNC_RIGHT is a prefix match,
	// RANGE is the closed interval [Values[0], Values[1]].
	IndexQuery struct {
		Op     Op
		Values []Value
	}

	// Callback receives matching entries in ascending key order.
	// Returning false stops the scan.
	Callback func(key Value, ptr int64) bool
)

const (
	EQ Op = iota
	NEQ
	GT
	GEQ
	LT
	LEQ
	TruncRight
	Range
)

func NewQuery(op Op, vals ...Value) *IndexQuery {
	return &IndexQuery{Op: op, Values: vals}
}

// Test reports whether key matches the query. A nil query matches everything.
func (q *IndexQuery) Test(key Value) bool {
	if q == nil {
		return true
	}

	c := key.Compare(q.Values[0])

	switch q.Op {
	case EQ:
		return c == 0
	case NEQ:
		return c != 0
	case GT:
		return c > 0
	case GEQ:
		return c >= 0
	case LT:
		return c < 0
	case LEQ:
		return c <= 0
	case TruncRight:
		return key.HasPrefix(q.Values[0])
	case Range:
		return c >= 0 && key.Compare(q.Values[1]) <= 0
	}

	return false
}

// lower is the key a scan starts from, nil for the first key.
func (q *IndexQuery) lower() Value {
	if q == nil {
		return nil
	}

	switch q.Op {
	case EQ, GT, GEQ, TruncRight, Range:
		return q.Values[0]
	}

	return nil
}

// past reports whether key and every key after it cannot match.
func (q *IndexQuery) past(key Value) bool {
	if q == nil {
		return false
	}

	switch q.Op {
	case EQ, LEQ:
		return key.Compare(q.Values[0]) > 0
	case LT:
		return key.Compare(q.Values[0]) >= 0
	case TruncRight:
		up := successor(q.Values[0])
		return up != nil && key.Compare(up) >= 0
	case Range:
		return key.Compare(q.Values[1]) > 0
	}

	return false
}

func (q *IndexQuery) check() error {
	if q == nil {
		return nil
	}

	need := 1
	if q.Op == Range {
		need = 2
	}

	if q.Op < EQ || q.Op > Range || len(q.Values) < need {
		return errors.New("bad query: %v", q)
	}

	return nil
}

func (q *IndexQuery) String() string {
	if q == nil {
		return "all"
	}

	return fmt.Sprintf("%v %q", q.Op, q.Values)
}

func (o Op) String() string {
	switch o {
	case EQ:
		return "EQ"
	case NEQ:
		return "NEQ"
	case GT:
		return "GT"
	case GEQ:
		return "GEQ"
	case LT:
		return "LT"
	case LEQ:
		return "LEQ"
	case TruncRight:
		return "TRUNC_RIGHT"
	case Range:
		return "RANGE"
	}

	return fmt.Sprintf("Op(%d)", int(o))
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, error) {
	for o := EQ; o <= Range; o++ {
		if strings.EqualFold(s, o.String()) {
			return o, nil
		}
	}

	return 0, errors.New("unknown query op: %q", s)
}
