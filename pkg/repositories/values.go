package repositories

import (
	"math"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// columnValue converts a value decoded by pgx into the form change commands
// carry after JSON decoding: uuids become strings, integers int64 and
// numerics int64 when integral or float64 otherwise. Timestamps stay
// time.Time; entity.DefaultEquality compares them with RFC 3339 strings.
func columnValue(v any) any {
	switch n := v.(type) {
	case [16]byte:
		return uuid.UUID(n).String()
	case pgtype.UUID:
		if !n.Valid {
			return nil
		}
		return uuid.UUID(n.Bytes).String()
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		// shortest decimal form, so 0.1 stays 0.1 rather than 0.10000000149
		f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(n), 'g', -1, 32), 64)
		return f
	case pgtype.Numeric:
		return numericValue(n)
	default:
		return v
	}
}

func numericValue(n pgtype.Numeric) any {
	switch {
	case !n.Valid:
		return nil
	case n.NaN:
		return math.NaN()
	case n.InfinityModifier == pgtype.Infinity:
		return math.Inf(1)
	case n.InfinityModifier == pgtype.NegativeInfinity:
		return math.Inf(-1)
	case n.Int == nil:
		return int64(0)
	}

	d := decimal.NewFromBigInt(n.Int, n.Exp)
	if d.IsInteger() {
		if i := d.BigInt(); i.IsInt64() {
			return i.Int64()
		}
	}
	f, _ := d.Float64()
	return f
}
