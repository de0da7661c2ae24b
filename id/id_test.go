package id

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Generation and parsing
// ---------------------------------------------------------------------------

func TestNew_HasPrefix(t *testing.T) {
	jid := NewJobID()
	if jid.Prefix() != PrefixJob {
		t.Fatalf("expected prefix %q, got %q", PrefixJob, jid.Prefix())
	}
	if jid.IsNil() {
		t.Fatal("new ID should not be nil")
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		s := NewJobID().String()
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate ID generated: %s", s)
		}
		seen[s] = struct{}{}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	orig := NewWorkerID()
	parsed, err := Parse(orig.String())
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Fatalf("round trip mismatch: %s != %s", parsed, orig)
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestParseWithPrefix_Mismatch(t *testing.T) {
	jid := NewJobID()
	if _, err := ParseWorkerID(jid.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

func TestID_JSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID ID `json:"id"`
	}

	orig := wrapper{ID: NewJobID()}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded wrapper
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID.String() != orig.ID.String() {
		t.Fatalf("JSON round trip mismatch: %s != %s", decoded.ID, orig.ID)
	}
}

func TestNilID_Encoding(t *testing.T) {
	if Nil.String() != "" {
		t.Fatal("nil ID should render as empty string")
	}

	text, err := Nil.MarshalText()
	if err != nil {
		t.Fatalf("marshal text: %v", err)
	}
	if len(text) != 0 {
		t.Fatalf("nil ID text should be empty, got %q", text)
	}

	v, err := Nil.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if v != nil {
		t.Fatalf("nil ID should store NULL, got %v", v)
	}
}

func TestID_Scan(t *testing.T) {
	orig := NewJobID()

	var scanned ID
	if err := scanned.Scan(orig.String()); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if scanned.String() != orig.String() {
		t.Fatalf("scan mismatch: %s != %s", scanned, orig)
	}

	var fromNil ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if !fromNil.IsNil() {
		t.Fatal("scanning nil should produce the Nil ID")
	}
}
