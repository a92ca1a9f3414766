package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// stringField returns the first present key as a string. Numbers keep their
// literal text ("42"), nested objects are rendered as compact JSON.
func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			return x
		case json.Number:
			return x.String()
		case bool:
			return strconv.FormatBool(x)
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		default:
			b, err := json.Marshal(x)
			if err != nil {
				continue
			}
			return string(b)
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch x := m[k].(type) {
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return int(n)
			}
			if f, err := x.Float64(); err == nil {
				return int(f)
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
				return n
			}
		case float64:
			return int(x)
		case bool:
			if x {
				return 1
			}
			return 0
		}
	}
	return 0
}

// timeLayouts are the ISO-8601 forms the service emits.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
}

// timeField parses an ISO-8601 string or a Unix timestamp in milliseconds.
func timeField(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		switch x := m[k].(type) {
		case json.Number:
			if ms, err := x.Int64(); err == nil {
				return time.UnixMilli(ms).UTC()
			}
		case float64:
			return time.UnixMilli(int64(x)).UTC()
		case string:
			if t, ok := parseTime(x); ok {
				return t
			}
		}
	}
	return time.Time{}
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
