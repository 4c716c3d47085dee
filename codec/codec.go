// Package codec converts between the semantic form of a record (template
// name → field name → value) and the compressed wire form (field index →
// encoded value) that is published to the storage backends.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/template"
)

// Codec errors. All of them classify as decode failures except the missing
// template, which defers the record instead of dropping it.
var (
	ErrUnknownField     = errors.New("unknown field")
	ErrUnknownEnumValue = errors.New("unknown enum value")
	ErrUnknownTemplate  = errors.New("unknown template")
	ErrTypeMismatch     = errors.New("type mismatch")
)

// templateKey is the reserved tuple key carrying the template id.
const templateKey = "t"

// UnknownFieldPrefix prefixes decompressed fields whose index the local
// template does not know, so newer records stay indexable on older nodes.
const UnknownFieldPrefix = "_unknownField_"

// Compressed is one per-template tuple: stringified field indices mapped to
// encoded values, plus the "t" key with the template id.
type Compressed map[string]interface{}

// TemplateSource provides template lookups. Implemented by
// template.Registry.
type TemplateSource interface {
	LookupByName(name string) (*template.Template, bool)
	LookupByID(id string) (*template.Template, bool)
}

// Compress converts a semantic record into its wire tuples, one per
// template, ordered by template name for deterministic output. Every field
// must be known to its template.
func Compress(data map[string]map[string]interface{}, src TemplateSource) ([]Compressed, error) {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	tuples := make([]Compressed, 0, len(names))
	for _, name := range names {
		tmpl, ok := src.LookupByName(name)
		if !ok {
			return nil, common.Failf(common.FailureTemplateMissing,
				"%w: %s", ErrUnknownTemplate, name)
		}

		tuple := Compressed{templateKey: tmpl.ID}
		fields := data[name]
		fnames := make([]string, 0, len(fields))
		for fname := range fields {
			fnames = append(fnames, fname)
		}
		sort.Strings(fnames)

		for _, fname := range fnames {
			field, ok := tmpl.FieldByName(fname)
			if !ok {
				return nil, common.Failf(common.FailureDecode,
					"%w: %s.%s", ErrUnknownField, name, fname)
			}
			encoded, err := encodeValue(fields[fname], field)
			if err != nil {
				return nil, common.Failf(common.FailureDecode,
					"%s.%s: %v", name, fname, err)
			}
			tuple[strconv.Itoa(field.Index)] = encoded
		}
		tuples = append(tuples, tuple)
	}
	return tuples, nil
}

// Decompress converts wire tuples back into the semantic form. Indices the
// local template does not know are surfaced as _unknownField_<index> with
// their raw value.
func Decompress(tuples []Compressed, src TemplateSource) (map[string]map[string]interface{}, error) {
	out := make(map[string]map[string]interface{}, len(tuples))
	for _, tuple := range tuples {
		id, ok := tuple[templateKey].(string)
		if !ok || id == "" {
			return nil, common.Failf(common.FailureDecode, "tuple has no template id")
		}
		tmpl, ok := src.LookupByID(id)
		if !ok {
			return nil, common.Failf(common.FailureTemplateMissing,
				"%w: id %s", ErrUnknownTemplate, id)
		}

		fields := make(map[string]interface{}, len(tuple)-1)
		for key, raw := range tuple {
			if key == templateKey {
				continue
			}
			index, err := strconv.Atoi(key)
			if err != nil {
				return nil, common.Failf(common.FailureDecode,
					"template %s: non-numeric field key %q", tmpl.Name, key)
			}
			field, ok := tmpl.FieldByIndex(index)
			if !ok {
				fields[UnknownFieldPrefix+key] = raw
				continue
			}
			value, err := decodeValue(raw, field)
			if err != nil {
				return nil, common.Failf(common.FailureDecode,
					"%s.%s: %v", tmpl.Name, field.Name, err)
			}
			fields[field.Name] = value
		}
		out[tmpl.Name] = fields
	}
	return out, nil
}

func encodeValue(v interface{}, field template.Field) (interface{}, error) {
	if field.Type.Repeated() {
		items, err := toSlice(v)
		if err != nil {
			return nil, err
		}
		elem := field
		elem.Type = field.Type.Base()
		encoded := make([]interface{}, len(items))
		for i, item := range items {
			e, err := encodeScalar(item, elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			encoded[i] = e
		}
		return encoded, nil
	}
	return encodeScalar(v, field)
}

func encodeScalar(v interface{}, field template.Field) (interface{}, error) {
	switch field.Type.Base() {
	case template.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: want string, got %T", ErrTypeMismatch, v)
		}
		return s, nil
	case template.TypeDref:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: want dref string, got %T", ErrTypeMismatch, v)
		}
		return s, nil
	case template.TypeLong:
		return toInt64(v)
	case template.TypeUint64:
		return toUint64(v)
	case template.TypeFloat:
		return toFloat64(v)
	case template.TypeBool:
		return toBool(v)
	case template.TypeEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: want enum symbol, got %T", ErrTypeMismatch, v)
		}
		idx := field.EnumIndex(s)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEnumValue, s)
		}
		return idx, nil
	}
	return nil, fmt.Errorf("%w: unsupported type %q", ErrTypeMismatch, field.Type)
}

func decodeValue(raw interface{}, field template.Field) (interface{}, error) {
	if field.Type.Repeated() {
		items, err := toSlice(raw)
		if err != nil {
			return nil, err
		}
		elem := field
		elem.Type = field.Type.Base()
		decoded := make([]interface{}, len(items))
		for i, item := range items {
			d, err := decodeScalar(item, elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			decoded[i] = d
		}
		return decoded, nil
	}
	return decodeScalar(raw, field)
}

func decodeScalar(raw interface{}, field template.Field) (interface{}, error) {
	switch field.Type.Base() {
	case template.TypeString, template.TypeDref:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: want string, got %T", ErrTypeMismatch, raw)
		}
		return s, nil
	case template.TypeLong:
		return toInt64(raw)
	case template.TypeUint64:
		return toUint64(raw)
	case template.TypeFloat:
		return toFloat64(raw)
	case template.TypeBool:
		return toBool(raw)
	case template.TypeEnum:
		idx, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		if idx < 0 || int(idx) >= len(field.Values) {
			return nil, fmt.Errorf("%w: position %d", ErrUnknownEnumValue, idx)
		}
		return field.Values[idx], nil
	}
	return nil, fmt.Errorf("%w: unsupported type %q", ErrTypeMismatch, field.Type)
}

func toSlice(v interface{}) ([]interface{}, error) {
	switch s := v.(type) {
	case []interface{}:
		return s, nil
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: want array, got %T", ErrTypeMismatch, v)
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows long", ErrTypeMismatch, n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %v is not integral", ErrTypeMismatch, n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("%w: want integer, got %T", ErrTypeMismatch, v)
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint:
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("%w: %d is negative", ErrTypeMismatch, n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("%w: %d is negative", ErrTypeMismatch, n)
		}
		return uint64(n), nil
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %v is not a uint", ErrTypeMismatch, n)
		}
		return uint64(n), nil
	case json.Number:
		return strconv.ParseUint(n.String(), 10, 64)
	}
	return 0, fmt.Errorf("%w: want unsigned integer, got %T", ErrTypeMismatch, v)
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("%w: want float, got %T", ErrTypeMismatch, v)
}

// toBool accepts JSON booleans plus the historical 0/1 integer encoding.
func toBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		if b == 0 || b == 1 {
			return b == 1, nil
		}
	case int:
		if b == 0 || b == 1 {
			return b == 1, nil
		}
	case int64:
		if b == 0 || b == 1 {
			return b == 1, nil
		}
	case json.Number:
		if s := b.String(); s == "0" || s == "1" {
			return s == "1", nil
		}
	}
	return false, fmt.Errorf("%w: want bool, got %v (%T)", ErrTypeMismatch, v, v)
}

// IsUnknownField reports whether a decompressed field name is a surfaced
// unknown index.
func IsUnknownField(name string) bool {
	return strings.HasPrefix(name, UnknownFieldPrefix)
}
