package entity

import (
	"math"
	"strconv"
)

type numberKind int

const (
	kindInt numberKind = iota + 1
	kindUint
	kindFloat
)

// number holds a Go numeric value without losing integer precision.
type number struct {
	kind numberKind
	i    int64
	u    uint64
	f    float64
}

func asNumber(v any) (number, bool) {
	switch n := v.(type) {
	case int:
		return number{kind: kindInt, i: int64(n)}, true
	case int8:
		return number{kind: kindInt, i: int64(n)}, true
	case int16:
		return number{kind: kindInt, i: int64(n)}, true
	case int32:
		return number{kind: kindInt, i: int64(n)}, true
	case int64:
		return number{kind: kindInt, i: n}, true
	case uint:
		return number{kind: kindUint, u: uint64(n)}, true
	case uint8:
		return number{kind: kindUint, u: uint64(n)}, true
	case uint16:
		return number{kind: kindUint, u: uint64(n)}, true
	case uint32:
		return number{kind: kindUint, u: uint64(n)}, true
	case uint64:
		return number{kind: kindUint, u: n}, true
	case float32:
		return number{kind: kindFloat, f: float64(n)}, true
	case float64:
		return number{kind: kindFloat, f: n}, true
	default:
		return number{}, false
	}
}

// integral narrows a float to the integer kinds when it holds an exact
// integer in range. Other numbers are returned unchanged.
func (n number) integral() number {
	if n.kind != kindFloat || n.f != math.Trunc(n.f) {
		return n
	}
	switch {
	case n.f >= math.MinInt64 && n.f < math.MaxInt64:
		return number{kind: kindInt, i: int64(n.f)}
	case n.f >= 0 && n.f < math.MaxUint64:
		return number{kind: kindUint, u: uint64(n.f)}
	default:
		return n
	}
}

func (n number) equal(o number) bool {
	n, o = n.integral(), o.integral()
	switch {
	case n.kind == kindFloat && o.kind == kindFloat:
		return n.f == o.f
	case n.kind == kindFloat || o.kind == kindFloat:
		return false
	case n.kind == kindInt && o.kind == kindInt:
		return n.i == o.i
	case n.kind == kindUint && o.kind == kindUint:
		return n.u == o.u
	case n.kind == kindInt:
		return n.i >= 0 && uint64(n.i) == o.u
	default:
		return o.i >= 0 && n.u == uint64(o.i)
	}
}

func (n number) String() string {
	n = n.integral()
	switch n.kind {
	case kindInt:
		return strconv.FormatInt(n.i, 10)
	case kindUint:
		return strconv.FormatUint(n.u, 10)
	default:
		return strconv.FormatFloat(n.f, 'g', -1, 64)
	}
}
