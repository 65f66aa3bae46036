package parser

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tetherdev/tetherd/pkg/wire"
)

func feedLines(t *testing.T, p Parser, lines ...string) []*wire.Block {
	t.Helper()
	var out []*wire.Block
	for _, line := range lines {
		out = append(out, p.Feed([]byte(line+"\n"))...)
	}
	return out
}

func TestClaudeSessionStart(t *testing.T) {
	p := NewClaude()
	blocks := feedLines(t, p,
		`{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-sonnet-4"}`)

	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if blocks[0].Type != wire.BlockTypeSessionStart {
		t.Errorf("type = %q, want sessionStart", blocks[0].Type)
	}
	if blocks[0].Model != "claude-sonnet-4" {
		t.Errorf("model = %q, want claude-sonnet-4", blocks[0].Model)
	}
	if p.SessionID() != "sess-1" {
		t.Errorf("SessionID() = %q, want sess-1", p.SessionID())
	}

	// A second system message must not emit another sessionStart.
	blocks = feedLines(t, p, `{"type":"system","session_id":"sess-2"}`)
	if len(blocks) != 0 {
		t.Errorf("second system message emitted %d blocks, want 0", len(blocks))
	}
	if p.SessionID() != "sess-2" {
		t.Errorf("SessionID() = %q, want sess-2 after update", p.SessionID())
	}
}

func TestClaudeTextAccumulation(t *testing.T) {
	p := NewClaude()
	blocks := feedLines(t, p,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":", world"}]}}`,
		`{"type":"result","subtype":"success","total_input_tokens":10,"total_output_tokens":5}`)

	if len(blocks) != 4 {
		t.Fatalf("got %d blocks, want 4: %+v", len(blocks), blocks)
	}

	first, second, final, turn := blocks[0], blocks[1], blocks[2], blocks[3]
	if first.ID != second.ID || second.ID != final.ID {
		t.Error("text fragments must share one block id")
	}
	if !first.IsPartial || !second.IsPartial {
		t.Error("streaming fragments must be partial")
	}
	if second.Content != "Hello, world" {
		t.Errorf("partial content = %q, want accumulated text", second.Content)
	}
	if final.IsPartial {
		t.Error("text block must be finalized on result")
	}
	if final.Timestamp != first.Timestamp {
		t.Error("timestamp must stay at first emission")
	}
	if turn.Type != wire.BlockTypeTurnComplete {
		t.Fatalf("last block = %q, want turnComplete", turn.Type)
	}
	if turn.InputTokens != 10 || turn.OutputTokens != 5 {
		t.Errorf("token usage = %d/%d, want 10/5", turn.InputTokens, turn.OutputTokens)
	}
}

func TestClaudeToolUseRoundTrip(t *testing.T) {
	p := NewClaude()
	blocks := feedLines(t, p,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"main.go","is_error":false}]}}`)

	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	start, result := blocks[0], blocks[1]
	if start.Type != wire.BlockTypeToolUseStart || start.ToolID != "toolu_1" {
		t.Errorf("start block = %+v", start)
	}
	if start.Input["command"] != "ls" {
		t.Errorf("input = %v, want command=ls", start.Input)
	}
	if result.Type != wire.BlockTypeToolUseResult || result.ToolID != "toolu_1" {
		t.Errorf("result block = %+v", result)
	}
	if result.Content != "main.go" || result.IsError {
		t.Errorf("result content = %q isError = %v", result.Content, result.IsError)
	}
}

func TestClaudeStructuredToolResultContent(t *testing.T) {
	p := NewClaude()
	blocks := feedLines(t, p,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}]}}`)

	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if blocks[0].Content != "part one part two" {
		t.Errorf("content = %q", blocks[0].Content)
	}
}

func TestClaudeApprovalFlow(t *testing.T) {
	p := NewClaude()
	blocks := feedLines(t, p,
		`{"type":"control_request","request_id":"req-9","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf /tmp/x"}}}`)

	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	req := blocks[0]
	if req.Type != wire.BlockTypeApprovalRequest {
		t.Fatalf("type = %q, want approvalRequest", req.Type)
	}
	if req.ToolName != "Bash" {
		t.Errorf("toolName = %q", req.ToolName)
	}
	if len(req.Options) != 2 || req.Options[0] != "yes" || req.Options[1] != "no" {
		t.Errorf("options = %v, want [yes no]", req.Options)
	}

	data, ok := p.ApprovalResponse(req.ID, true)
	if !ok {
		t.Fatal("ApprovalResponse returned ok=false for known block")
	}
	var resp struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
		Response  struct {
			Subtype string `json:"subtype"`
			Result  struct {
				Behavior string `json:"behavior"`
			} `json:"result"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if resp.Type != "control_response" || resp.RequestID != "req-9" {
		t.Errorf("response envelope = %+v", resp)
	}
	if resp.Response.Result.Behavior != "allow" {
		t.Errorf("behavior = %q, want allow", resp.Response.Result.Behavior)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("response must be newline terminated")
	}

	// A second answer for the same block must fail.
	if _, ok := p.ApprovalResponse(req.ID, false); ok {
		t.Error("ApprovalResponse must be single-use per block")
	}
}

func TestClaudeErrorResult(t *testing.T) {
	p := NewClaude()
	blocks := feedLines(t, p,
		`{"type":"result","subtype":"error","is_error":true,"result":"credit balance too low"}`)

	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0].Type != wire.BlockTypeError || blocks[0].Message != "credit balance too low" {
		t.Errorf("error block = %+v", blocks[0])
	}
	if blocks[1].Type != wire.BlockTypeTurnComplete {
		t.Errorf("missing turnComplete after error result")
	}
}

func TestClaudeInvalidLineEmitsErrorBlock(t *testing.T) {
	p := NewClaude()
	blocks := feedLines(t, p, `{not json`)

	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if blocks[0].Type != wire.BlockTypeError || blocks[0].ErrorCode != "ParseError" {
		t.Errorf("block = %+v, want in-band ParseError", blocks[0])
	}
}

func TestClaudeSplitAcrossFeeds(t *testing.T) {
	p := NewClaude()
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}` + "\n"

	if got := p.Feed([]byte(line[:20])); len(got) != 0 {
		t.Fatalf("partial line emitted %d blocks", len(got))
	}
	blocks := p.Feed([]byte(line[20:]))
	if len(blocks) != 1 || blocks[0].Content != "hi" {
		t.Fatalf("blocks = %+v, want one text block", blocks)
	}
}

func TestClaudeFlushFinalizesOpenText(t *testing.T) {
	p := NewClaude()
	feedLines(t, p, `{"type":"assistant","message":{"content":[{"type":"text","text":"dangling"}]}}`)

	blocks := p.Flush()
	if len(blocks) != 1 {
		t.Fatalf("Flush() = %d blocks, want 1", len(blocks))
	}
	if blocks[0].IsPartial || blocks[0].Content != "dangling" {
		t.Errorf("flushed block = %+v, want finalized text", blocks[0])
	}
}
