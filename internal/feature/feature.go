package feature

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// FieldType is the storage type of a layer attribute
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
)

// Field describes one attribute column of a layer
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Feature is a single versioned record of a layer
type Feature struct {
	ID         string         `json:"id"`
	Geometry   string         `json:"geometry"`
	Attributes map[string]any `json:"attributes"`
}

// Layer is the full feature set of one tree
type Layer struct {
	Name     string              `json:"name"`
	Fields   []Field             `json:"fields"`
	Features map[string]*Feature `json:"features"`
}

// NewLayer creates an empty layer with the given schema
func NewLayer(name string, fields []Field) *Layer {
	return &Layer{
		Name:     name,
		Fields:   append([]Field(nil), fields...),
		Features: make(map[string]*Feature),
	}
}

// Put inserts or replaces a feature, normalizing its values
func (l *Layer) Put(f *Feature) {
	if l.Features == nil {
		l.Features = make(map[string]*Feature)
	}
	l.Features[f.ID] = f.Normalized()
}

// Get returns the feature with the given id, or nil
func (l *Layer) Get(id string) *Feature {
	if l == nil {
		return nil
	}
	return l.Features[id]
}

// Delete removes a feature by id
func (l *Layer) Delete(id string) {
	delete(l.Features, id)
}

// IDs returns the sorted feature ids of the layer
func (l *Layer) IDs() []string {
	if l == nil {
		return nil
	}
	ids := make([]string, 0, len(l.Features))
	for id := range l.Features {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of features
func (l *Layer) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Features)
}

// Clone returns a deep copy of the layer
func (l *Layer) Clone() *Layer {
	if l == nil {
		return nil
	}
	out := NewLayer(l.Name, l.Fields)
	for id, f := range l.Features {
		out.Features[id] = f.Clone()
	}
	return out
}

// Field returns the field definition with the given name
func (l *Layer) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Clone returns a deep copy of the feature
func (f *Feature) Clone() *Feature {
	if f == nil {
		return nil
	}
	attrs := make(map[string]any, len(f.Attributes))
	for k, v := range f.Attributes {
		attrs[k] = v
	}
	return &Feature{ID: f.ID, Geometry: f.Geometry, Attributes: attrs}
}

// Normalized returns a copy with every attribute value normalized
func (f *Feature) Normalized() *Feature {
	out := f.Clone()
	for k, v := range out.Attributes {
		out.Attributes[k] = Normalize(v)
	}
	return out
}

// Equal reports whether two features carry the same geometry and attribute values.
// A missing attribute is equal to an explicit nil.
func (f *Feature) Equal(o *Feature) bool {
	if f == nil || o == nil {
		return f == nil && o == nil
	}
	if normalizeGeometry(f.Geometry) != normalizeGeometry(o.Geometry) {
		return false
	}
	for k, v := range f.Attributes {
		if !ValuesEqual(v, o.Attributes[k]) {
			return false
		}
	}
	for k, v := range o.Attributes {
		if _, ok := f.Attributes[k]; !ok && !ValuesEqual(nil, v) {
			return false
		}
	}
	return true
}

// String renders the feature for logs and conflict listings
func (f *Feature) String() string {
	if f == nil {
		return "<deleted>"
	}
	keys := make([]string, 0, len(f.Attributes))
	for k := range f.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, f.Attributes[k]))
	}
	if f.Geometry != "" {
		parts = append(parts, f.Geometry)
	}
	return f.ID + " {" + strings.Join(parts, ", ") + "}"
}

// Normalize maps a raw attribute value onto the model types: nil, float64, string or bool.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case float64:
		return t
	case []byte:
		return string(t)
	case string, bool:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// ValuesEqual compares two attribute values after normalization; nil equals only nil.
func ValuesEqual(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf || (math.IsNaN(af) && math.IsNaN(bf))
	}
	return a == b
}

func normalizeGeometry(g string) string {
	return strings.Join(strings.Fields(strings.ToUpper(g)), " ")
}
