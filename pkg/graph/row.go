package graph

import "fmt"

// Row is one result record keyed by column name.
type Row map[string]any

// Value returns the raw column value.
func (r Row) Value(key string) any { return r[key] }

// String returns the column as a string; non-string values are formatted,
// nil becomes "".
func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns the column as an int64, accepting the numeric types the
// engines produce.
func (r Row) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	}
	return 0
}

// Bool returns the column as a bool.
func (r Row) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Strings returns a list column as strings, skipping non-string items.
func (r Row) Strings(key string) []string {
	var out []string
	switch v := r[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// FirstInt64 returns key from the first row, or 0 when there are no rows.
func FirstInt64(rows []Row, key string) int64 {
	if len(rows) == 0 {
		return 0
	}
	return rows[0].Int64(key)
}
