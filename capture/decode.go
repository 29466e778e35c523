package capture

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// unknownType is the token used for OIDs the type map does not know.
const unknownType = "unknown"

// TypeName returns the Postgres type name for oid, e.g. "int4".
func TypeName(m *pgtype.Map, oid uint32) string {
	if t, ok := m.TypeForOID(oid); ok {
		return t.Name
	}
	return unknownType
}

// DecodeCell turns one DataRow value into a JSON-friendly Go value. NULL is
// nil. Values the type map cannot decode fall back to their text form.
func DecodeCell(m *pgtype.Map, oid uint32, format int16, src []byte) any {
	if src == nil {
		return nil
	}

	t, ok := m.TypeForOID(oid)
	if !ok {
		return fallback(format, src)
	}
	v, err := t.Codec.DecodeValue(m, oid, format, src)
	if err != nil {
		return fallback(format, src)
	}
	return normalize(v, format, src)
}

func normalize(v any, format int16, src []byte) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool, string, int64:
		return x
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return nonFinite(x, format, src)
		}
		return x
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return normalize(float64(x), format, src)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid || math.IsInf(f.Float64, 0) || math.IsNaN(f.Float64) {
			return fallback(format, src)
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(x).String()
	case netip.Prefix:
		return x.String()
	case []byte:
		return string(x)
	case map[string]any, []any:
		return x
	default:
		return fallback(format, src)
	}
}

// nonFinite spells NaN and infinities the way Postgres prints them, since
// JSON has no number for them.
func nonFinite(f float64, format int16, src []byte) string {
	if format == pgtype.TextFormatCode {
		return string(src)
	}
	switch {
	case math.IsNaN(f):
		return "NaN"
	case f > 0:
		return "Infinity"
	default:
		return "-Infinity"
	}
}

// fallback keeps text-format values as sent and hex-encodes binary ones.
func fallback(format int16, src []byte) any {
	if format == pgtype.TextFormatCode {
		return string(src)
	}
	return fmt.Sprintf("\\x%x", src)
}

// commandRows parses the row count out of a command tag such as
// "SELECT 3" or "INSERT 0 5".
func commandRows(tag string) (int64, bool) {
	for i := len(tag) - 1; i >= 0; i-- {
		if tag[i] == ' ' {
			n, err := strconv.ParseInt(tag[i+1:], 10, 64)
			return n, err == nil
		}
	}
	return 0, false
}
