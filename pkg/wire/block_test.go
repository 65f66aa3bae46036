package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBlockUnknownFieldsSurviveRoundTrip(t *testing.T) {
	raw := `{"id":"b1","type":"text","timestamp":42,"content":"hi","futureField":{"nested":true},"anotherOne":"x"}`

	var b Block
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if b.ID != "b1" || b.Type != BlockTypeText || b.Content != "hi" {
		t.Errorf("typed fields not decoded: %+v", b)
	}
	if len(b.Extra) != 2 {
		t.Fatalf("extra fields = %d, want 2: %v", len(b.Extra), b.Extra)
	}

	out, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var echo map[string]json.RawMessage
	if err := json.Unmarshal(out, &echo); err != nil {
		t.Fatalf("re-decode failed: %v", err)
	}
	if string(echo["futureField"]) != `{"nested":true}` {
		t.Errorf("futureField = %s", echo["futureField"])
	}
	if string(echo["anotherOne"]) != `"x"` {
		t.Errorf("anotherOne = %s", echo["anotherOne"])
	}
}

func TestBlockKnownFieldsNeverLandInExtra(t *testing.T) {
	raw := `{"id":"b1","type":"command","timestamp":1,"command":"ls","exitCode":0}`
	var b Block
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(b.Extra) != 0 {
		t.Errorf("known fields leaked into Extra: %v", b.Extra)
	}
	if b.ExitCode == nil || *b.ExitCode != 0 {
		t.Error("exitCode zero must decode as present")
	}
}

func TestBlockExtraCannotShadowTypedFields(t *testing.T) {
	b := Block{
		ID:        "b1",
		Type:      BlockTypeText,
		Timestamp: 1,
		Content:   "real",
		Extra:     map[string]json.RawMessage{"content": json.RawMessage(`"spoofed"`)},
	}
	out, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(out), "spoofed") {
		t.Errorf("extra overrode a typed field: %s", out)
	}
}

func TestBlockClone(t *testing.T) {
	code := 7
	b := &Block{
		ID:       "b1",
		Type:     BlockTypeToolUseStart,
		Input:    map[string]any{"path": "/tmp"},
		Options:  []string{"yes", "no"},
		ExitCode: &code,
	}
	dup := b.Clone()

	dup.Input["path"] = "/etc"
	dup.Options[0] = "maybe"
	*dup.ExitCode = 9

	if b.Input["path"] != "/tmp" {
		t.Error("clone shares the input map")
	}
	if b.Options[0] != "yes" {
		t.Error("clone shares the options slice")
	}
	if *b.ExitCode != 7 {
		t.Error("clone shares the exit code pointer")
	}
}

func TestServerMessageEncodeOmitsEmpty(t *testing.T) {
	msg := &ServerMessage{Type: ServerTypeChatAttached, ConversationID: "c1"}
	out, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got := string(out)
	if got != `{"type":"chatAttached","conversationId":"c1"}` {
		t.Errorf("encoded = %s", got)
	}
}

func TestClientMessageApprovalDistinguishesAbsent(t *testing.T) {
	var withFlag ClientMessage
	if err := json.Unmarshal([]byte(`{"type":"chatApproval","blockId":"b1","approved":false}`), &withFlag); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if withFlag.Approved == nil || *withFlag.Approved {
		t.Error("approved:false must decode as explicit denial")
	}

	var without ClientMessage
	if err := json.Unmarshal([]byte(`{"type":"chatApproval","blockId":"b1"}`), &without); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if without.Approved != nil {
		t.Error("missing approved must decode as nil")
	}
}
