package thebotvanished

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// normalize converts v to the generic form encoding/json produces when
// decoding into an `any` with UseNumber: map[string]any, []any, string,
// json.Number, bool or nil. Numbers keep their exact text, so integers
// beyond 2^53 survive. Values that can't be encoded are rejected.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-encodable: %w", err)
	}
	var rv any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err = dec.Decode(&rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// deepCopy copies a normalized value. Scalars, json.Number included, are
// immutable and returned as-is.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	default:
		return v
	}
}
