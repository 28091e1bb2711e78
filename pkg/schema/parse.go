package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// deltaSentinels are the non-numeric renderings of a delta that mean
// "undefined" rather than zero. They map to a nil *float64 so that a missing
// baseline is never confused with perfect agreement.
var deltaSentinels = map[string]bool{
	"":     true,
	"-":    true,
	"n/a":  true,
	"na":   true,
	"null": true,
	"none": true,
	"∞":    true,
	"inf":  true,
	"+inf": true,
	"-inf": true,
	"infinity": true,
}

// ParseDeltaPct parses a rendered percentage delta such as "+5.2%" or
// "-3.1" into a pointer. Sentinel renderings of an undefined delta ("",
// "-", "N/A", "∞", "inf") return nil with no error. Anything else that
// fails to parse as a number is an error.
func ParseDeltaPct(raw string) (*float64, error) {
	s := strings.TrimSpace(raw)
	if deltaSentinels[strings.ToLower(s)] {
		return nil, nil
	}
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(strings.TrimPrefix(s, "+"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("parse delta %q: %w", raw, err)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, nil
	}
	return &v, nil
}

// FormatDeltaPct renders a delta for alerts: one decimal, explicit sign,
// percent suffix. A nil delta renders as "N/A".
func FormatDeltaPct(d *float64) string {
	if d == nil {
		return "N/A"
	}
	return fmt.Sprintf("%+.1f%%", *d)
}

// CoerceFloat converts the loosely typed values network APIs put in JSON
// numeric fields: native numbers, json.Number, and strings with currency
// symbols, thousands separators, or percent suffixes. nil coerces to zero.
func CoerceFloat(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimPrefix(s, "$")
		s = strings.TrimSuffix(s, "%")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("coerce float %q: %w", t, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("coerce float: unsupported type %T", v)
	}
}

// CoerceInt converts loosely typed counts. Fractional inputs round to the
// nearest integer since JSON decodes all numbers as float64.
func CoerceInt(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("coerce int %q: %w", t.String(), err)
		}
		return int64(math.Round(f)), nil
	default:
		f, err := CoerceFloat(v)
		if err != nil {
			return 0, fmt.Errorf("coerce int: %w", err)
		}
		return int64(math.Round(f)), nil
	}
}
