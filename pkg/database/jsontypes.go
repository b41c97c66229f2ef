package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

func scanJSON(value any, dst any) error {
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSON column: %T", value)
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, dst)
}

// StringSlice is a []string stored as a JSON text column.
type StringSlice []string

// Scan implements the sql.Scanner interface for StringSlice.
func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	return scanJSON(value, s)
}

// GormDataType stores StringSlice in a text column.
func (StringSlice) GormDataType() string { return "text" }

// Value implements the driver.Valuer interface for StringSlice.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// StringMap is a map[string]string stored as a JSON text column.
type StringMap map[string]string

// Scan implements the sql.Scanner interface for StringMap.
func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSON(value, m)
}

// GormDataType stores StringMap in a text column.
func (StringMap) GormDataType() string { return "text" }

// Value implements the driver.Valuer interface for StringMap.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONMap is a map[string]any stored as a JSON text column.
type JSONMap map[string]any

// Scan implements the sql.Scanner interface for JSONMap.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSON(value, m)
}

// GormDataType stores JSONMap in a text column.
func (JSONMap) GormDataType() string { return "text" }

// Value implements the driver.Valuer interface for JSONMap.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
