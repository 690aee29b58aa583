package content

import (
	"fmt"
	"sort"
	"time"
)

// FieldType is the value type a schema field accepts.
type FieldType int

const (
	TypeString FieldType = iota
	TypeBool
	TypeInt
	TypeTime
	TypeStrings
	TypeKind
)

// Field describes one known attribute.
//
// Identity fields are assigned by the normalizer or the store and are never
// default-filled. A Required field that is missing fails validation unless it
// is Nullable.
type Field struct {
	Name     string
	Type     FieldType
	Identity bool
	Required bool
	Nullable bool
}

// Schema is an ordered set of known fields.
type Schema struct {
	Name   string
	Fields []Field
}

// ItemSchema describes the map form of a queue item.
var ItemSchema = Schema{
	Name: "item",
	Fields: []Field{
		{Name: "content", Type: TypeString, Required: true},
		{Name: "kind", Type: TypeKind},
		{Name: "fingerprint", Type: TypeString, Identity: true},
		{Name: "sequence", Type: TypeInt, Identity: true},
		{Name: "added_at", Type: TypeTime},
		{Name: "lite_mode", Type: TypeBool},
	},
}

// RecordSchema describes the map form of a persisted record.
var RecordSchema = Schema{
	Name: "record",
	Fields: []Field{
		{Name: "id", Type: TypeInt, Identity: true},
		{Name: "content", Type: TypeString, Required: true},
		{Name: "fingerprint", Type: TypeString, Identity: true},
		{Name: "kind", Type: TypeKind},
		{Name: "translation", Type: TypeString},
		{Name: "image_files", Type: TypeStrings},
		{Name: "voice_files", Type: TypeStrings},
		{Name: "last_modified", Type: TypeTime},
		{Name: "created_at", Type: TypeTime},
	},
}

// Validate returns a copy of in holding only known fields, with every missing
// non-identity field set to its type's default. Timestamps default to now.
// Names of dropped unknown fields are returned sorted.
func (s Schema) Validate(in map[string]any, now time.Time) (map[string]any, []string, error) {
	known := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = f
	}

	var dropped []string
	for name := range in {
		if _, ok := known[name]; !ok {
			dropped = append(dropped, name)
		}
	}
	sort.Strings(dropped)

	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, present := in[f.Name]
		if present && v != nil {
			cv, err := coerce(f, v)
			if err != nil {
				return nil, dropped, err
			}
			out[f.Name] = cv
			continue
		}
		if f.Required && !f.Nullable {
			return nil, dropped, fmt.Errorf("%s: required field %q missing", s.Name, f.Name)
		}
		if f.Identity {
			continue
		}
		out[f.Name] = zeroValue(f.Type, now)
	}
	return out, dropped, nil
}

func zeroValue(t FieldType, now time.Time) any {
	switch t {
	case TypeBool:
		return false
	case TypeInt:
		return int64(0)
	case TypeTime:
		return now
	case TypeStrings:
		return []string{}
	case TypeKind:
		return KindUnknown
	default:
		return ""
	}
}

func coerce(f Field, v any) (any, error) {
	switch f.Type {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case uint64:
			return int64(n), nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
	case TypeTime:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err == nil {
				return parsed, nil
			}
		}
	case TypeStrings:
		switch ss := v.(type) {
		case []string:
			return append([]string{}, ss...), nil
		case []any:
			out := make([]string, 0, len(ss))
			for _, e := range ss {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("field %q: element %v is not a string", f.Name, e)
				}
				out = append(out, s)
			}
			return out, nil
		}
	case TypeKind:
		switch k := v.(type) {
		case Kind:
			return k, nil
		case string:
			if k == "" {
				return KindUnknown, nil
			}
			if pk, ok := ParseKind(k); ok {
				return pk, nil
			}
		}
	}
	return nil, fmt.Errorf("field %q: unexpected value %v (%T)", f.Name, v, v)
}
