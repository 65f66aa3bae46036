package parser

import (
	"testing"

	"github.com/tetherdev/tetherd/pkg/wire"
)

func TestCursorStreamingToolArgs(t *testing.T) {
	p := NewCursor()
	blocks := feedLines(t, p,
		`{"type":"system","subtype":"init","session_id":"c-1","model":"gpt-5"}`,
		`{"type":"tool_call","subtype":"started","call_id":"call_1","name":"shell","args":"{\"command\":\"ls"}`,
		`{"type":"tool_call","subtype":"delta","call_id":"call_1","args":" -la\"}"}`,
		`{"type":"tool_call","subtype":"completed","call_id":"call_1","result":"total 4"}`)

	if len(blocks) != 5 {
		t.Fatalf("got %d blocks, want 5: %+v", len(blocks), blocks)
	}

	started := blocks[1]
	if started.Type != wire.BlockTypeToolUseStart || started.ToolID != "call_1" {
		t.Fatalf("start block = %+v", started)
	}
	// The partial fragment {"command":"ls must already be recoverable.
	if started.Input["command"] != "ls" {
		t.Errorf("recovered input = %v, want command=ls", started.Input)
	}

	delta := blocks[2]
	if delta.ID != started.ID {
		t.Error("delta must reuse the start block id")
	}
	if delta.Input["command"] != "ls -la" {
		t.Errorf("delta input = %v, want command=\"ls -la\"", delta.Input)
	}
	if delta.Timestamp != started.Timestamp {
		t.Error("timestamp must stay at first emission")
	}

	finalStart, result := blocks[3], blocks[4]
	if finalStart.ID != started.ID || finalStart.IsPartial {
		t.Errorf("final start block = %+v, want finalized", finalStart)
	}
	if result.Type != wire.BlockTypeToolUseResult || result.ToolID != "call_1" {
		t.Fatalf("result block = %+v", result)
	}
	if result.Content != "total 4" {
		t.Errorf("result content = %q", result.Content)
	}
}

func TestCursorTextDeltasAndResult(t *testing.T) {
	p := NewCursor()
	blocks := feedLines(t, p,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"The fix"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":" is ready."}]}}`,
		`{"type":"result","input_tokens":42,"output_tokens":7}`)

	if len(blocks) != 4 {
		t.Fatalf("got %d blocks, want 4", len(blocks))
	}
	if blocks[1].Content != "The fix is ready." || !blocks[1].IsPartial {
		t.Errorf("accumulated partial = %+v", blocks[1])
	}
	if blocks[2].IsPartial {
		t.Error("text must finalize on result")
	}
	turn := blocks[3]
	if turn.Type != wire.BlockTypeTurnComplete || turn.InputTokens != 42 || turn.OutputTokens != 7 {
		t.Errorf("turnComplete = %+v", turn)
	}
}

func TestCursorApprovalResponseIsPlainYN(t *testing.T) {
	p := NewCursor()
	if data, ok := p.ApprovalResponse("any", true); !ok || string(data) != "y\n" {
		t.Errorf("approve = %q ok=%v, want y", data, ok)
	}
	if data, ok := p.ApprovalResponse("any", false); !ok || string(data) != "n\n" {
		t.Errorf("deny = %q ok=%v, want n", data, ok)
	}
}
