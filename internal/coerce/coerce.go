// Package coerce converts loosely typed document values into numbers and instants.
//
// Documents cross the storage boundary as map[string]any: numbers may arrive as any
// Go numeric kind, as json.Number or as numeric strings, and timestamps may be native
// time values, protobuf timestamps, epoch milliseconds or ISO-8601 strings. Every read of
// a numeric or temporal field goes through Number/NumberOK and Instant.
package coerce

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Number returns v as a finite float64, or 0 when v is missing or non-numeric.
func Number(v any) float64 {
	f, _ := NumberOK(v)
	return f
}

// NumberOK is Number that also reports whether v held a usable number.
func NumberOK(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// layouts accepted for string timestamps; values without a zone are read as UTC.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Instant returns v as a UTC instant. Missing, zero or unparseable values yield (zero, false).
func Instant(v any) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return nonZero(x)
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return nonZero(*x)
	case *timestamppb.Timestamp:
		if x == nil || !x.IsValid() {
			return time.Time{}, false
		}
		return nonZero(x.AsTime())
	case map[string]any:
		return fromSecondsNanos(x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		if ms, err := strconv.ParseFloat(s, 64); err == nil {
			return fromMillis(ms)
		}
		for _, l := range layouts {
			if t, err := time.Parse(l, s); err == nil {
				return nonZero(t)
			}
		}
		return time.Time{}, false
	default:
		ms, ok := NumberOK(v)
		if !ok {
			return time.Time{}, false
		}
		return fromMillis(ms)
	}
}

// fromSecondsNanos reads the JSON shapes of a protobuf/Firestore timestamp.
func fromSecondsNanos(m map[string]any) (time.Time, bool) {
	secV, ok := m["seconds"]
	if !ok {
		secV, ok = m["_seconds"]
	}
	if !ok {
		return time.Time{}, false
	}
	sec, ok := NumberOK(secV)
	if !ok {
		return time.Time{}, false
	}
	nanoV, ok := m["nanos"]
	if !ok {
		nanoV = m["_nanoseconds"]
	}
	nanos := Number(nanoV)
	return nonZero(time.Unix(int64(sec), int64(nanos)))
}

func fromMillis(ms float64) (time.Time, bool) {
	if ms == 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, false
	}
	whole := math.Floor(ms)
	ns := int64(math.Round((ms - whole) * 1e6))
	return nonZero(time.UnixMilli(int64(whole)).Add(time.Duration(ns)))
}

func nonZero(t time.Time) (time.Time, bool) {
	if t.IsZero() || t.Unix() == 0 && t.Nanosecond() == 0 {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// String returns v as a trimmed string; non-string values yield "".
func String(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// Bool returns v as a bool; only true or "true" are true.
func Bool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(strings.TrimSpace(x), "true")
	}
	return false
}

// Strings returns v as a string slice, dropping non-string elements.
func Strings(v any) []string {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
