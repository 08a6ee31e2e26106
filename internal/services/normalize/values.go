package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ParseDecimal coerces a raw numeric value into a fixed-point decimal.
// float32 values are rendered with 32-bit precision first so 45.5f never becomes 45.4999...
func ParseDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Decimal{}, ErrMissing
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return decimal.Decimal{}, ErrMissing
		}
		if strings.Contains(s, ",") && !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, ErrInvalid
		}
		return d, nil
	case json.Number:
		return ParseDecimal(x.String())
	case float32:
		return ParseDecimal(strconv.FormatFloat(float64(x), 'f', -1, 32))
	case float64:
		return ParseDecimal(strconv.FormatFloat(x, 'f', -1, 64))
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	default:
		return decimal.Decimal{}, ErrInvalid
	}
}

// parseDate returns the calendar date at UTC midnight
func parseDate(s string, formats []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrMissing
	}
	for _, layout := range formats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, ErrInvalid
}

// parseTimeOfDay returns the canonical 15:04:05[.ffffff] form
func parseTimeOfDay(s string, formats []string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrMissing
	}
	for _, layout := range formats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Truncate(time.Microsecond).Format("15:04:05.999999"), nil
		}
	}
	return "", ErrInvalid
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC 3339 style strings and unix epochs (seconds or milliseconds)
func parseTimestamp(v any) (time.Time, error) {
	s := stringify(v)
	if s == "" {
		return time.Time{}, ErrMissing
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, ErrInvalid
}

// stringify renders scalar JSON values as trimmed strings
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// Flatten collapses nested objects into dotted keys: {"machine":{"name":"M1"}} -> {"machine.name":"M1"}.
// Arrays are kept as values.
func Flatten(item map[string]any) map[string]any {
	out := make(map[string]any, len(item))
	flattenInto(out, "", item)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

// fieldKey folds a JSON key so machineName, machine_name and Machine-Name compare equal
func fieldKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(k)
}
