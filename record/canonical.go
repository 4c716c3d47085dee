package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize produces the byte form a record payload is signed over:
// compact UTF-8 JSON with lexicographically sorted object keys, HTML left
// unescaped, LF endings, and the named top-level fields removed (callers
// pass the signature field so it never signs itself).
func Canonicalize(raw []byte, exclude ...string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return CanonicalizeValue(value, exclude...)
}

// CanonicalizeValue canonicalizes an already-parsed payload. Numbers that
// did not pass through json.Number may lose precision beyond 2^53; decode
// with UseNumber when fidelity matters.
func CanonicalizeValue(value interface{}, exclude ...string) ([]byte, error) {
	if obj, ok := value.(map[string]interface{}); ok && len(exclude) > 0 {
		trimmed := make(map[string]interface{}, len(obj))
		for k, v := range obj {
			trimmed[k] = v
		}
		for _, k := range exclude {
			delete(trimmed, k)
		}
		value = trimmed
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	// Encoder terminates with LF; the canonical form carries none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
