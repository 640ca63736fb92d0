package protocol

import (
	"errors"
	"testing"
)

func TestDecodeIdentify(t *testing.T) {
	raw := []byte(`{"type":"identify","agent_id":"agent-1","token":"tok","capabilities":["go"]}`)
	frameType, frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frameType != TypeIdentify {
		t.Fatalf("Expected type %q, got %q", TypeIdentify, frameType)
	}
	f, ok := frame.(*Identify)
	if !ok {
		t.Fatalf("Expected *Identify, got %T", frame)
	}
	if f.AgentID != "agent-1" || f.Token != "tok" {
		t.Errorf("Unexpected fields: %+v", f)
	}
	if len(f.Capabilities) != 1 || f.Capabilities[0] != "go" {
		t.Errorf("Unexpected capabilities: %v", f.Capabilities)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"identify without token", `{"type":"identify","agent_id":"a"}`},
		{"identify without agent_id", `{"type":"identify","token":"t"}`},
		{"status without status", `{"type":"status"}`},
		{"task_accepted without task_id", `{"type":"task_accepted"}`},
		{"task_complete without task_id", `{"type":"task_complete","generation":"1"}`},
		{"subscribe without topics", `{"type":"subscribe"}`},
		{"missing type", `{"agent_id":"a"}`},
		{"unknown type", `{"type":"bogus"}`},
		{"not json", `not json at all`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tc.raw))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected *ValidationError, got %T", err)
			}
		})
	}
}

func TestDecodeTaskComplete(t *testing.T) {
	raw := []byte(`{"type":"task_complete","task_id":"task-1","generation":"3","result":{"ok":true},"tokens_used":42}`)
	_, frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	f := frame.(*TaskComplete)
	if f.TaskID != "task-1" || f.Generation != "3" || f.TokensUsed != 42 {
		t.Errorf("Unexpected fields: %+v", f)
	}
}

func TestGenerationRoundTrip(t *testing.T) {
	if got := FormatGeneration(7); got != "7" {
		t.Errorf("FormatGeneration(7) = %q", got)
	}
	gen, ok := ParseGeneration("7")
	if !ok || gen != 7 {
		t.Errorf("ParseGeneration(\"7\") = %d, %v", gen, ok)
	}
}

func TestParseGenerationRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "abc", "-1", "1.5", "1e3"} {
		if _, ok := ParseGeneration(Generation(s)); ok {
			t.Errorf("ParseGeneration(%q) accepted a malformed token", s)
		}
	}
}

// A numeric JSON generation is not a schema violation: the frame decodes and
// the token simply never parses, so the caller answers stale_generation
// instead of counting an abuse strike.
func TestDecodeNumericGenerationIsStaleNotInvalid(t *testing.T) {
	raw := []byte(`{"type":"task_complete","task_id":"task-1","generation":3}`)
	_, frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	f := frame.(*TaskComplete)
	if _, ok := ParseGeneration(f.Generation); ok {
		t.Error("numeric generation must parse as stale")
	}
}
