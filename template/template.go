// Package template holds the schema model for OIP templates and the
// in-memory registry the sync loops and the codec read from.
package template

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldType is the wire type of a template field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeLong   FieldType = "long"
	TypeUint64 FieldType = "uint64"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeDref   FieldType = "dref"
	TypeEnum   FieldType = "enum"
)

const repeatedPrefix = "repeated "

// Repeated reports whether t is a repeated variant.
func (t FieldType) Repeated() bool {
	return strings.HasPrefix(string(t), repeatedPrefix)
}

// Base strips the repeated prefix, yielding the element type.
func (t FieldType) Base() FieldType {
	if t.Repeated() {
		return FieldType(strings.TrimPrefix(string(t), repeatedPrefix))
	}
	return t
}

// Repeated wraps a base type into its repeated variant.
func Repeated(base FieldType) FieldType {
	return FieldType(repeatedPrefix + string(base))
}

var scalarTypes = map[FieldType]bool{
	TypeString: true,
	TypeLong:   true,
	TypeUint64: true,
	TypeFloat:  true,
	TypeBool:   true,
	TypeDref:   true,
	TypeEnum:   true,
}

// Known reports whether t (or its base, for repeated) is a supported type.
func (t FieldType) Known() bool {
	return scalarTypes[t.Base()]
}

// Field is one entry of a template schema. Index values are dense from 0 and
// immutable once the template is published.
type Field struct {
	Name  string    `json:"name"`
	Type  FieldType `json:"type"`
	Index int       `json:"index"`
	// Values lists the enum symbols, in wire order. Append-only.
	Values []string `json:"values,omitempty"`
}

// EnumIndex returns the wire position of symbol, or -1.
func (f Field) EnumIndex(symbol string) int {
	for i, v := range f.Values {
		if v == symbol {
			return i
		}
	}
	return -1
}

// Template is a published, immutable schema.
type Template struct {
	ID          string    `json:"templateId"`
	Name        string    `json:"name"`
	Fields      []Field   `json:"fields"`
	Creator     string    `json:"creator,omitempty"`
	BlockHeight int64     `json:"blockHeight,omitempty"`
	IndexedAt   time.Time `json:"indexedAt,omitempty"`
	// Unused marks templates eligible for the cleanup procedure. Templates
	// are never mutated otherwise.
	Unused bool `json:"unused,omitempty"`
}

// FieldByName returns the field with the given semantic name.
func (t *Template) FieldByName(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldByIndex returns the field with the given wire index.
func (t *Template) FieldByIndex(index int) (Field, bool) {
	for _, f := range t.Fields {
		if f.Index == index {
			return f, true
		}
	}
	return Field{}, false
}

// AllocateIndices assigns dense indices in declaration order to fields that
// arrived without one. Mixed explicit/implicit definitions are rejected by
// Validate afterwards.
func (t *Template) AllocateIndices() {
	assigned := false
	for _, f := range t.Fields {
		if f.Index != 0 {
			assigned = true
			break
		}
	}
	if assigned {
		return
	}
	for i := range t.Fields {
		t.Fields[i].Index = i
	}
}

// Validate checks the registry invariants: a non-empty unique name set,
// known types, dense indices starting at 0, and enum fields carrying values.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if len(t.Fields) == 0 {
		return fmt.Errorf("template %s has no fields", t.Name)
	}

	names := make(map[string]bool, len(t.Fields))
	indices := make([]int, 0, len(t.Fields))
	for _, f := range t.Fields {
		if f.Name == "" {
			return fmt.Errorf("template %s: field with empty name", t.Name)
		}
		if names[f.Name] {
			return fmt.Errorf("template %s: duplicate field %s", t.Name, f.Name)
		}
		names[f.Name] = true

		if !f.Type.Known() {
			return fmt.Errorf("template %s: field %s has unknown type %q", t.Name, f.Name, f.Type)
		}
		if f.Type.Base() == TypeEnum && len(f.Values) == 0 {
			return fmt.Errorf("template %s: enum field %s has no values", t.Name, f.Name)
		}
		indices = append(indices, f.Index)
	}

	sort.Ints(indices)
	for i, idx := range indices {
		if idx != i {
			return fmt.Errorf("template %s: field indices are not dense from 0", t.Name)
		}
	}
	return nil
}

// CompatibleEvolutionOf reports whether t can replace prev without breaking
// already-published records: existing fields keep name, type and index, and
// enum values are only appended.
func (t *Template) CompatibleEvolutionOf(prev *Template) error {
	for _, pf := range prev.Fields {
		nf, ok := t.FieldByIndex(pf.Index)
		if !ok {
			return fmt.Errorf("field index %d removed", pf.Index)
		}
		if nf.Name != pf.Name || nf.Type != pf.Type {
			return fmt.Errorf("field %d changed from %s %s to %s %s",
				pf.Index, pf.Type, pf.Name, nf.Type, nf.Name)
		}
		if len(nf.Values) < len(pf.Values) {
			return fmt.Errorf("enum field %s lost values", pf.Name)
		}
		for i, v := range pf.Values {
			if nf.Values[i] != v {
				return fmt.Errorf("enum field %s renumbered value %d", pf.Name, i)
			}
		}
	}
	return nil
}
