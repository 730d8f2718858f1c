package types

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMetadataStoredFormRoundTrip(t *testing.T) {
	bag := Metadata{
		"owner":  StringValue("alice"),
		"weight": NumberValue(2.5),
		"urgent": BoolValue(true),
		"labels": {Kind: KindArray, Array: []string{"a", "b"}},
		"extra":  {Kind: KindObject, Object: map[string]string{"k": "v"}},
	}

	data, err := bag.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var got Metadata
	if err := got.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if !reflect.DeepEqual(got, bag) {
		t.Errorf("round trip diverged:\ngot  %+v\nwant %+v", got, bag)
	}
}

func TestMetadataStoredFormEmpty(t *testing.T) {
	var nilBag Metadata
	data, err := nilBag.MarshalText()
	if err != nil || string(data) != "{}" {
		t.Fatalf("nil bag should store as {}, got %q %v", data, err)
	}

	var got Metadata
	if err := got.UnmarshalText([]byte("{}")); err != nil {
		t.Fatalf("UnmarshalText of {} failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty bag, got %+v", got)
	}

	if err := got.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText of empty input failed: %v", err)
	}
	if got != nil {
		t.Errorf("empty input should yield a nil bag, got %+v", got)
	}
}

func TestMetadataInsideJSONDocument(t *testing.T) {
	type doc struct {
		Metadata Metadata `json:"metadata,omitempty"`
	}
	in := doc{Metadata: Metadata{"owner": StringValue("bob")}}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out doc
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(out.Metadata, in.Metadata) {
		t.Errorf("embedded round trip diverged:\ngot  %+v\nwant %+v", out.Metadata, in.Metadata)
	}
}
