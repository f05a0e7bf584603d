package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	B string            `json:"b"`
	A int               `json:"a"`
	M map[string]string `json:"m,omitempty"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := sample{B: "x", A: 1, M: map[string]string{"z": "1", "a": "2", "m": "3"}}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("expected identical encodings")
		}
	}
}

func TestUnmarshalUsesJSONTagsAndStringMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"b": "y", "a": 7, "extra": true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got sample
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.A != 7 || got.B != "y" {
		t.Fatalf("unexpected decode: %+v", got)
	}
	var generic any
	if err := Unmarshal(data, &generic); err != nil {
		t.Fatalf("unmarshal any: %v", err)
	}
	if _, ok := generic.(map[string]any); !ok {
		t.Fatalf("expected map[string]any, got %T", generic)
	}
}
