package ecs

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EncodeComponent renders a component value as a generic JSON-shaped map.
// Script bridges and scene files exchange components in this form.
func EncodeComponent(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode %T: component is not an object: %w", v, err)
	}
	return out, nil
}

// DecodeComponent builds a value of kind's registered type from generic
// data. Unknown fields and mismatched field types are rejected.
func DecodeComponent(kind Kind, data any) (any, error) {
	info := lookupKind(kind)
	if info == nil {
		return nil, fmt.Errorf("kind %d: %w", kind, ErrUnregisteredComponent)
	}
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", info.name, err)
	}
	v, err := info.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", info.name, err)
	}
	return v, nil
}
