// Package gorm provides the GORM-based state database for skill-mill.
package gorm

import (
	"database/sql"
	"net/http"
	"strconv"
)

// nullString creates a sql.NullString from a string.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// boolToInt stores a bool as the 0/1 integer column form.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ParseLimitParam parses the "limit" query parameter from an HTTP request.
// Returns defaultLimit if the parameter is missing or invalid.
func ParseLimitParam(r *http.Request, defaultLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultLimit
}
