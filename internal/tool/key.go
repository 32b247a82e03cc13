package tool

import (
	"encoding/json"
	"fmt"
)

// Canonical serialises params deterministically: object keys sorted, no
// insignificant whitespace. Two maps that are equal as JSON produce the same
// string regardless of insertion order.
func Canonical(params map[string]interface{}) (string, error) {
	if params == nil {
		return "{}", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("canonicalizing parameters: %w", err)
	}
	return string(data), nil
}

// Key identifies a call by tool name and canonical parameters. It is used both
// as the cache key and as the dedup signature.
func Key(name string, params map[string]interface{}) (string, error) {
	c, err := Canonical(params)
	if err != nil {
		return "", err
	}
	return name + ":" + c, nil
}
