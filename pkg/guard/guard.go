// Package guard classifies untrusted backend values before they reach a
// consumer. Ambiguous or unrecognized input degrades to an explicit unknown,
// never to a favorable default.
package guard

import (
	"encoding/json"
	"math"
	"strings"
)

// Metric accepts a value only when it is a finite real number. Zero is a
// valid measurement; NaN, infinities, strings, and absent values are not.
func Metric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case float32:
		return Metric(float64(n))
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return Metric(f)
	default:
		return 0, false
	}
}

// Status returns v only when it is a member of the declared closed set;
// everything else maps to the explicit fallback. A status the client does
// not recognize must never be read as a favorable one.
func Status(v any, known []string, fallback string) string {
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	s = strings.TrimSpace(s)
	for _, k := range known {
		if s == k {
			return s
		}
	}
	return fallback
}

// Bool distinguishes confirmed false from unknown: known is false for
// anything that is not a genuine boolean.
func Bool(v any) (value, known bool) {
	b, ok := v.(bool)
	if !ok {
		return false, false
	}
	return b, true
}
