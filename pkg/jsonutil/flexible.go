package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotObject is returned by DecodeStringOrObject for values that are
// neither a string nor a JSON object.
var ErrNotObject = errors.New("value is neither a string nor an object")

// Layouts accepted for timestamps, most specific first.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// IsNull reports whether raw is absent or JSON null.
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

// FlexibleStringValue converts a json.RawMessage to a string, handling cases where
// extractors return numbers or booleans instead of strings. Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	if IsNull(raw) {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		return formatFloat(numVal)
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return strconv.FormatBool(boolVal)
	}

	return string(raw)
}

// FlexibleFloat reads a number that may arrive as a JSON number or a numeric
// string. present is false for null/empty input.
func FlexibleFloat(raw json.RawMessage) (value float64, present bool, err error) {
	if IsNull(raw) {
		return 0, false, nil
	}

	if err := json.Unmarshal(raw, &value); err == nil {
		return value, true, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, true, fmt.Errorf("expected number, got %s", truncate(raw))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	value, err = strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, true, fmt.Errorf("expected number, got %q", s)
	}
	if strings.HasSuffix(s, "%") {
		value /= 100
	}
	return value, true, nil
}

// FlexibleTime reads a timestamp given as RFC3339, a bare date, or unix
// seconds. Returns nil for null/empty input.
func FlexibleTime(raw json.RawMessage) (*time.Time, error) {
	if IsNull(raw) {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(raw, &secs); err != nil {
			return nil, fmt.Errorf("expected timestamp, got %s", truncate(raw))
		}
		t := time.Unix(int64(secs), 0).UTC()
		return &t, nil
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", s)
}

// DecodeStringOrObject handles fields that may be a bare string or an object.
// A string is returned as str with isObject=false; an object is decoded into dst.
func DecodeStringOrObject(raw json.RawMessage, dst any) (str string, isObject bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if IsNull(trimmed) {
		return "", false, nil
	}

	switch trimmed[0] {
	case '{':
		if err := json.Unmarshal(trimmed, dst); err != nil {
			return "", true, fmt.Errorf("invalid object: %w", err)
		}
		return "", true, nil
	case '"':
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return "", false, fmt.Errorf("invalid string: %w", err)
		}
		return str, false, nil
	case '[':
		return "", false, ErrNotObject
	}

	// Numbers and booleans are treated as names ("42" as a literal id).
	return FlexibleStringValue(trimmed), false, nil
}

func formatFloat(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func truncate(raw json.RawMessage) string {
	const max = 40
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
