package envelope

import (
	"testing"
)

func TestRoundTrip(t *testing.T) {
	e, err := New(TypeTerminalInput, TerminalInput{SessionID: "s1", Data: "echo hi"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != e.Type || got.ID != e.ID || got.Timestamp != e.Timestamp {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, e)
	}
	payload, err := Unmarshal[TerminalInput](got)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if payload.SessionID != "s1" || payload.Data != "echo hi" {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"id":"1","timestamp":1}`),               // missing type
		[]byte(`{"type":"x","timestamp":1}`),              // missing id
		[]byte(`{"type":"x","id":"1","timestamp":"abc"}`), // non-numeric timestamp
		[]byte(`not json`),
	}
	for _, c := range cases {
		if _, err := Decode(c); err == nil {
			t.Fatalf("expected error decoding %s", c)
		}
	}
}
