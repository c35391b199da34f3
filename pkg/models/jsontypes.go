// Package models contains domain models for skill-mill.
package models

import (
	"database/sql/driver"
	"fmt"

	json "github.com/goccy/go-json"
)

// JSONStringArray is a []string stored as a JSON TEXT column.
// Implements sql.Scanner and driver.Valuer for GORM.
type JSONStringArray []string

// Scan implements sql.Scanner.
func (a *JSONStringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("scan JSONStringArray: unsupported type %T", value)
	}
}

// Value implements driver.Valuer.
func (a JSONStringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
