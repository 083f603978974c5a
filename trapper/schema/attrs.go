package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Scalar types a custom attribute can hold.
const (
	FieldBool   = "B"
	FieldInt    = "I"
	FieldFloat  = "F"
	FieldString = "S"
)

func CheckValidFieldType(fieldType string) error {
	if fieldType == FieldBool || fieldType == FieldInt || fieldType == FieldFloat || fieldType == FieldString {
		return nil
	}
	return fmt.Errorf("invalid field type %v, must be one of 'B', 'I', 'F', 'S'", fieldType)
}

// Attribute targets: static attributes are set once per resource, dynamic ones once per row.
const (
	TargetStatic  = "S"
	TargetDynamic = "D"
)

func CheckValidTarget(target string) error {
	if target == TargetStatic || target == TargetDynamic {
		return nil
	}
	return fmt.Errorf("invalid target %v, must be 'S' or 'D'", target)
}

const (
	AttrSpecies     = "species"
	AttrAnnotations = "annotations"
	AttrComments    = "comments"
)

var PredefinedAttrNames = []string{AttrAnnotations, AttrComments, AttrSpecies}

func IsPredefinedAttr(name string) bool {
	for _, n := range PredefinedAttrNames {
		if n == name {
			return true
		}
	}
	return false
}

type CustomAttribute struct {
	FieldType   string   `json:"field_type"`
	Target      string   `json:"target"`
	Required    bool     `json:"required"`
	Values      []string `json:"values,omitempty"`
	Initial     string   `json:"initial,omitempty"`
	Description string   `json:"description,omitempty"`
}

type PredefinedAttribute struct {
	Target   string `json:"target"`
	Required bool   `json:"required"`
	// species only: restricts the selector to these species ids
	Selected []string `json:"selected,omitempty"`
}

type AttrKind string

const (
	KindBool   AttrKind = "bool"
	KindInt    AttrKind = "int"
	KindFloat  AttrKind = "float"
	KindString AttrKind = "string"
)

// AttrValue is a tagged scalar stored in classification attribute bags.
type AttrValue struct {
	Kind  AttrKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

func BoolValue(v bool) AttrValue { return AttrValue{Kind: KindBool, Bool: v} }
func IntValue(v int64) AttrValue { return AttrValue{Kind: KindInt, Int: v} }
func FloatValue(v float64) AttrValue { return AttrValue{Kind: KindFloat, Float: v} }
func StringValue(v string) AttrValue { return AttrValue{Kind: KindString, Str: v} }

func (v AttrValue) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	default:
		return v.Str
	}
}

// Interface returns the untagged go value, used for json responses and exports.
func (v AttrValue) Interface() interface{} {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	default:
		return v.Str
	}
}

type taggedValue struct {
	Type  AttrKind        `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v AttrValue) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	kind := v.Kind
	if kind == "" {
		kind = KindString
	}
	return json.Marshal(taggedValue{Type: kind, Value: raw})
}

func (v *AttrValue) UnmarshalJSON(data []byte) error {
	var tagged taggedValue
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	v.Kind = tagged.Type
	switch tagged.Type {
	case KindBool:
		return json.Unmarshal(tagged.Value, &v.Bool)
	case KindInt:
		return json.Unmarshal(tagged.Value, &v.Int)
	case KindFloat:
		return json.Unmarshal(tagged.Value, &v.Float)
	case KindString:
		return json.Unmarshal(tagged.Value, &v.Str)
	default:
		return fmt.Errorf("unknown attribute value type '%v'", tagged.Type)
	}
}

type AttrBag map[string]AttrValue

// Plain converts the bag into untagged values for api responses.
func (b AttrBag) Plain() map[string]interface{} {
	out := make(map[string]interface{}, len(b))
	for k, v := range b {
		out[k] = v.Interface()
	}
	return out
}

func (b AttrBag) Clone() AttrBag {
	out := make(AttrBag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
