package tools

import (
	"fmt"
	"time"
)

// ValidationError reports a malformed tool argument. The boundary maps it
// to a 400-class response.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// String reads an optional string argument.
func String(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

// RequiredString reads a mandatory non-empty string argument.
func RequiredString(args map[string]interface{}, key string) (string, error) {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return "", Invalid(key, "required string")
	}
	return s, nil
}

// Bool reads an optional bool argument.
func Bool(args map[string]interface{}, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// Int reads an optional integer argument; JSON numbers decode as float64.
func Int(args map[string]interface{}, key string) (int64, bool) {
	switch n := args[key].(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// Float reads an optional float argument.
func Float(args map[string]interface{}, key string) (float64, bool) {
	switch n := args[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Time reads an optional RFC3339 timestamp argument.
func Time(args map[string]interface{}, key string) (time.Time, bool, error) {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, Invalid(key, "must be RFC3339")
	}
	return t, true, nil
}

// StringSlice reads an optional list-of-strings argument.
func StringSlice(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Map reads an optional nested-object argument.
func Map(args map[string]interface{}, key string) map[string]interface{} {
	m, _ := args[key].(map[string]interface{})
	return m
}

// OneOf validates an enum-valued argument, returning fallback when absent.
func OneOf(args map[string]interface{}, key, fallback string, allowed ...string) (string, error) {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return fallback, nil
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", Invalid(key, fmt.Sprintf("must be one of %v", allowed))
}
