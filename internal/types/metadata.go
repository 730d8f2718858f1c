package types

import (
	"encoding/json"
	"fmt"
)

// MaxMetadataKeys bounds the free-form metadata bag.
const MaxMetadataKeys = 32

// ValueKind tags the dynamic kind of a metadata value.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
	KindArray  ValueKind = "array"
	KindObject ValueKind = "object"
)

// Value is one entry in a metadata bag. Exactly one of the typed fields
// is meaningful, selected by Kind.
type Value struct {
	Kind   ValueKind         `json:"kind"`
	Str    string            `json:"str,omitempty"`
	Num    float64           `json:"num,omitempty"`
	Bool   bool              `json:"bool,omitempty"`
	Array  []string          `json:"array,omitempty"`
	Object map[string]string `json:"object,omitempty"`
}

// Metadata is a bounded key-value bag attached to tasks and knowledge.
// Keys are validated at the service boundary.
type Metadata map[string]Value

// Clone returns a deep copy of the bag.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		v.Array = append([]string(nil), v.Array...)
		if v.Object != nil {
			obj := make(map[string]string, len(v.Object))
			for ok, ov := range v.Object {
				obj[ok] = ov
			}
			v.Object = obj
		}
		c[k] = v
	}
	return c
}

// Validate checks the bag size and that every value carries a known kind.
func (m Metadata) Validate() error {
	if len(m) > MaxMetadataKeys {
		return fmt.Errorf("metadata has %d keys, maximum is %d", len(m), MaxMetadataKeys)
	}
	for k, v := range m {
		if k == "" {
			return fmt.Errorf("metadata key is empty")
		}
		switch v.Kind {
		case KindString, KindNumber, KindBool, KindArray, KindObject:
		default:
			return fmt.Errorf("metadata key %q has unknown kind %q", k, v.Kind)
		}
	}
	return nil
}

// plainMetadata strips the text-codec methods so the JSON encoder sees
// a bare map. Marshalling Metadata itself would re-enter MarshalText.
type plainMetadata map[string]Value

// MarshalText lets metadata round-trip through a single TEXT column.
func (m Metadata) MarshalText() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(plainMetadata(m))
}

// UnmarshalText parses the stored JSON form.
func (m *Metadata) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*m = nil
		return nil
	}
	var plain plainMetadata
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	*m = Metadata(plain)
	return nil
}

// StringValue is a convenience constructor for string metadata.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// NumberValue is a convenience constructor for numeric metadata.
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// BoolValue is a convenience constructor for boolean metadata.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }
