package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// GetFieldValue extracts a value from a nested map using a dot-separated path,
// for example GetFieldValue(record, "user.profile.name"). Numeric path parts
// index into arrays: "items.0.name".
func GetFieldValue(data map[string]interface{}, path string) interface{} {
	if path == "" || data == nil {
		return nil
	}

	parts := strings.Split(path, ".")
	current := interface{}(data)

	for _, part := range parts {
		if current == nil {
			return nil
		}

		switch v := current.(type) {
		case map[string]interface{}:
			var exists bool
			current, exists = v[part]
			if !exists {
				return nil
			}

		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]

		default:
			return nil
		}
	}

	return current
}

// SetFieldValue writes a value into a nested map at a dot-separated path,
// creating intermediate maps as needed. An existing non-map value on the
// path is replaced by a map.
func SetFieldValue(data map[string]interface{}, path string, value interface{}) {
	if path == "" || data == nil {
		return
	}

	parts := strings.Split(path, ".")
	current := data

	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}

	current[parts[len(parts)-1]] = value
}

// Stringify renders a field value for URL substitution. Maps and slices are
// not supported as substitution values and render via fmt for visibility.
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
