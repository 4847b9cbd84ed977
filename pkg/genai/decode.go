package genai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// decodeResponse unmarshals a wire payload into out, accepting both
// camelCase and snake_case field names. Some proxy and recorded fixtures
// emit proto-style snake_case; keys are folded to camelCase first.
func decodeResponse(raw []byte, out any) error {
	if bytes.ContainsRune(raw, '_') {
		if folded, err := foldKeys(raw); err == nil {
			raw = folded
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func foldKeys(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(foldValue(v))
}

func foldValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		folded := make(map[string]any, len(t))
		for k, val := range t {
			folded[snakeToCamel(k)] = foldValue(val)
		}
		return folded
	case []any:
		for i := range t {
			t[i] = foldValue(t[i])
		}
		return t
	default:
		return v
	}
}

func snakeToCamel(s string) string {
	if !strings.ContainsRune(s, '_') {
		return s
	}
	segments := strings.Split(s, "_")
	var b strings.Builder
	b.Grow(len(s))
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if i == 0 {
			b.WriteString(seg)
			continue
		}
		b.WriteString(strings.ToUpper(seg[:1]))
		b.WriteString(seg[1:])
	}
	return b.String()
}
