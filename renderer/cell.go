package renderer

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Float converts a numeric cell to float64. NaN and infinities are not
// plottable and report false.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, finite(n)
	case float32:
		return float64(n), finite(float64(n))
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || !finite(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.DateOnly,
	time.TimeOnly,
}

// Time converts a date cell to time.Time.
func Time(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// String formats any cell for display; nil renders as NULL.
func String(v any) string {
	switch s := v.(type) {
	case nil:
		return "NULL"
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprint(s)
	}
}
