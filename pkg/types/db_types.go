package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// StringSlice stores a list of strings as a JSON array column
type StringSlice []string

// Value implements the driver.Valuer interface for StringSlice
func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for StringSlice
func (s *StringSlice) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*s = StringSlice{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}

	if len(data) == 0 {
		*s = StringSlice{}
		return nil
	}
	return json.Unmarshal(data, (*[]string)(s))
}

// Contains reports whether v is in the slice
func (s StringSlice) Contains(v string) bool {
	return slices.Contains(s, v)
}

// String joins the values with spaces, the OAuth scope parameter format
func (s StringSlice) String() string {
	return strings.Join(s, " ")
}

// ParseScopes splits a space or comma separated scope string, dropping blanks and duplicates
func ParseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	return NormalizeScopes(fields)
}

// NormalizeScopes trims, drops blanks and removes duplicates while keeping order
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	return out
}
