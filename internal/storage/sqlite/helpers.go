package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/savecontext/savecontext/internal/storage"
)

// isNotFound reports whether err wraps the not-found kind.
func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// formatJSONStringArray serializes a string slice for a TEXT column.
// nil and empty both store as "[]".
func formatJSONStringArray(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// parseJSONStringArray deserializes a TEXT column into a string slice.
// Malformed data yields nil rather than an error; the column is internal.
func parseJSONStringArray(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil
	}
	return values
}

// globToLike converts a key pattern with * wildcards to a LIKE pattern,
// escaping LIKE metacharacters in the literal parts.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isUniqueConstraintError checks if err is a UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// nullInt64 converts a zero value to NULL for nullable INTEGER columns.
func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

// fromNullInt64 converts a nullable column back to a zero-default int64.
func fromNullInt64(v sql.NullInt64) int64 {
	if !v.Valid {
		return 0
	}
	return v.Int64
}

// hasTag reports whether tags contains tag.
func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// hasAnyTag reports whether tags contains at least one of wanted.
func hasAnyTag(tags, wanted []string) bool {
	for _, w := range wanted {
		if hasTag(tags, w) {
			return true
		}
	}
	return false
}
