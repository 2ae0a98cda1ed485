package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FieldSet selects which fields of an entity a subscription observes. A nil
// set selects every field; on the wire that is the string "*". A non-nil
// set marshals as a JSON array of field names.
type FieldSet []string

// All reports whether the set selects every field.
func (f FieldSet) All() bool {
	return f == nil
}

// Contains reports whether the named field is selected.
func (f FieldSet) Contains(name string) bool {
	if f == nil {
		return true
	}
	for _, n := range f {
		if n == name {
			return true
		}
	}
	return false
}

// Filter returns data restricted to the selected fields. A nil set returns
// data unchanged.
func (f FieldSet) Filter(data map[string]any) map[string]any {
	if f == nil || data == nil {
		return data
	}
	out := make(map[string]any, len(f))
	for _, n := range f {
		if v, ok := data[n]; ok {
			out[n] = v
		}
	}
	return out
}

func (f FieldSet) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte(`"*"`), nil
	}
	return json.Marshal([]string(f))
}

func (f *FieldSet) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`"*"`)) {
		*f = nil
		return nil
	}
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return fmt.Errorf("protocol: fields must be %q or a string array: %w", "*", err)
	}
	if names == nil {
		names = []string{}
	}
	*f = names
	return nil
}

// SelectTree narrows a query or mutation result: a field mapping to true is
// included as a leaf, a field mapping to a nested tree recurses into object
// values.
type SelectTree map[string]any

// Project applies the tree to a result. Non-object values and nil trees
// pass through unchanged; selected fields absent from the data are simply
// not present in the output.
func (t SelectTree) Project(data any) any {
	if t == nil {
		return data
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return data
	}
	out := make(map[string]any, len(t))
	for name, sel := range t {
		v, present := obj[name]
		if !present {
			continue
		}
		switch s := sel.(type) {
		case bool:
			if s {
				out[name] = v
			}
		case map[string]any:
			out[name] = SelectTree(s).Project(v)
		case SelectTree:
			out[name] = s.Project(v)
		}
	}
	return out
}
