package models

import (
	"fmt"
	"strconv"
	"time"
)

// Row is the flat record representation that flows from the adapter through
// the rule engine. Keys are internal field names after vendor renames.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Has reports whether the field is present and non-nil.
func (r Row) Has(field string) bool {
	v, ok := r[field]
	return ok && v != nil
}

// String coerces the field to a string. Missing or nil fields return "".
func (r Row) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Int64 coerces the field to int64.
func (r Row) Int64(field string) (int64, error) {
	v, ok := r[field]
	if !ok || v == nil {
		return 0, fmt.Errorf("field %q missing", field)
	}
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", field, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("field %q: cannot coerce %T to int64", field, v)
	}
}

// Float64 coerces the field to float64.
func (r Row) Float64(field string) (float64, error) {
	v, ok := r[field]
	if !ok || v == nil {
		return 0, fmt.Errorf("field %q missing", field)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", field, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field %q: cannot coerce %T to float64", field, v)
	}
}

// Time coerces the field to a UTC time. Accepts time.Time, RFC3339 strings,
// and integer nanoseconds since epoch (the vendor wire format).
func (r Row) Time(field string) (time.Time, error) {
	v, ok := r[field]
	if !ok || v == nil {
		return time.Time{}, fmt.Errorf("field %q missing", field)
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC(), nil
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(0, n).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("field %q: unparseable time %q", field, t)
	case int64:
		return time.Unix(0, t).UTC(), nil
	case float64:
		return time.Unix(0, int64(t)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("field %q: cannot coerce %T to time", field, v)
	}
}

// OptInt64 returns a nullable integer, distinguishing absent/nil from zero.
func (r Row) OptInt64(field string) (*int64, error) {
	if !r.Has(field) {
		return nil, nil
	}
	n, err := r.Int64(field)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// OptFloat64 returns a nullable float.
func (r Row) OptFloat64(field string) (*float64, error) {
	if !r.Has(field) {
		return nil, nil
	}
	f, err := r.Float64(field)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// OptTime returns a nullable timestamp.
func (r Row) OptTime(field string) (*time.Time, error) {
	if !r.Has(field) {
		return nil, nil
	}
	ts, err := r.Time(field)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
