package parser

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetherdev/tetherd/pkg/wire"
)

// Claude CLI stream-json message types.
const (
	claudeTypeSystem          = "system"
	claudeTypeAssistant       = "assistant"
	claudeTypeUser            = "user"
	claudeTypeResult          = "result"
	claudeTypeControlRequest  = "control_request"
	claudeTypeControlResponse = "control_response"

	claudeSubtypeCanUseTool = "can_use_tool"
	claudeBehaviorAllow     = "allow"
	claudeBehaviorDeny      = "deny"
)

// claudeMessage is one stdout line of the Claude CLI stream-json
// protocol. The type field determines which members are populated.
type claudeMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	Message *claudeAssistantMessage `json:"message,omitempty"`

	RequestID string                `json:"request_id,omitempty"`
	Request   *claudeControlRequest `json:"request,omitempty"`

	Result            json.RawMessage `json:"result,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`
	Usage             *claudeUsage    `json:"usage,omitempty"`
}

type claudeAssistantMessage struct {
	Role    string               `json:"role,omitempty"`
	Model   string               `json:"model,omitempty"`
	Content []claudeContentBlock `json:"content,omitempty"`
	Usage   *claudeUsage         `json:"usage,omitempty"`
}

type claudeContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type claudeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type claudeControlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// claudeControlResponse is the stdin message answering a control request.
type claudeControlResponse struct {
	Type      string                    `json:"type"`
	RequestID string                    `json:"request_id"`
	Response  claudeControlResponseBody `json:"response"`
}

type claudeControlResponseBody struct {
	Subtype string                 `json:"subtype"`
	Result  claudePermissionResult `json:"result"`
}

type claudePermissionResult struct {
	Behavior string `json:"behavior"`
}

// Claude parses the Claude CLI stream-json protocol: one JSON object
// per stdout line, with permission prompts arriving as control_request
// messages that expect a control_response on stdin.
type Claude struct {
	mu    sync.Mutex
	lines lineSplitter

	sessionID string
	started   bool
	model     string

	// Current turn's text accumulates into one block id so clients can
	// render it as a single growing message.
	textID   string
	textBuf  string
	textTime int64

	// approvalRequest block id to control request_id.
	approvals map[string]string
}

// NewClaude returns a parser for the Claude CLI stream-json output.
func NewClaude() *Claude {
	return &Claude{approvals: make(map[string]string)}
}

// SessionID returns the native session token announced by the CLI.
func (p *Claude) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// DetectsTurnEnd is true: the stream carries explicit result messages.
func (p *Claude) DetectsTurnEnd() bool { return true }

// Degraded is always false for a structured protocol.
func (p *Claude) Degraded() bool { return false }

// Feed consumes raw stdout bytes and emits normalized blocks.
func (p *Claude) Feed(data []byte) []*wire.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*wire.Block
	for _, line := range p.lines.Split(data) {
		if len(line) == 0 {
			continue
		}
		out = append(out, p.handleLine(line)...)
	}
	return out
}

// Flush finalizes the open text block at EOF.
func (p *Claude) Flush() []*wire.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*wire.Block
	if rest := p.lines.Rest(); len(rest) > 0 {
		out = append(out, p.handleLine(rest)...)
	}
	if blk := p.finalizeText(); blk != nil {
		out = append(out, blk)
	}
	return out
}

// ApprovalResponse renders the control_response answering an earlier
// approvalRequest block.
func (p *Claude) ApprovalResponse(blockID string, approved bool) ([]byte, bool) {
	p.mu.Lock()
	requestID, ok := p.approvals[blockID]
	if ok {
		delete(p.approvals, blockID)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false
	}

	behavior := claudeBehaviorDeny
	if approved {
		behavior = claudeBehaviorAllow
	}
	resp := claudeControlResponse{
		Type:      claudeTypeControlResponse,
		RequestID: requestID,
		Response: claudeControlResponseBody{
			Subtype: "success",
			Result:  claudePermissionResult{Behavior: behavior},
		},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, false
	}
	return append(data, '\n'), true
}

func (p *Claude) handleLine(line []byte) []*wire.Block {
	var msg claudeMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return []*wire.Block{parseErrorBlock(fmt.Sprintf("invalid stream-json line: %v", err))}
	}

	if msg.SessionID != "" {
		p.sessionID = msg.SessionID
	}

	switch msg.Type {
	case claudeTypeSystem:
		return p.handleSystem(&msg)
	case claudeTypeAssistant:
		return p.handleAssistant(&msg)
	case claudeTypeUser:
		return p.handleUser(&msg)
	case claudeTypeResult:
		return p.handleResult(&msg)
	case claudeTypeControlRequest:
		return p.handleControlRequest(&msg)
	default:
		// Unknown message types are protocol growth, not errors.
		return nil
	}
}

// handleSystem emits sessionStart once. Later system messages only
// refresh the session id.
func (p *Claude) handleSystem(msg *claudeMessage) []*wire.Block {
	if msg.Model != "" {
		p.model = msg.Model
	}
	if p.started {
		return nil
	}
	p.started = true
	return []*wire.Block{{
		ID:        newBlockID(),
		Type:      wire.BlockTypeSessionStart,
		Timestamp: nowMillis(),
		Role:      wire.RoleSystem,
		Model:     p.model,
	}}
}

func (p *Claude) handleAssistant(msg *claudeMessage) []*wire.Block {
	if msg.Message == nil {
		return nil
	}
	if msg.Message.Model != "" {
		p.model = msg.Message.Model
	}

	var out []*wire.Block
	for _, cb := range msg.Message.Content {
		switch cb.Type {
		case "text":
			if cb.Text == "" {
				continue
			}
			out = append(out, p.appendText(cb.Text))
		case "thinking":
			if cb.Thinking == "" {
				continue
			}
			out = append(out, &wire.Block{
				ID:        newBlockID(),
				Type:      wire.BlockTypeThinking,
				Timestamp: nowMillis(),
				Role:      wire.RoleAssistant,
				Content:   cb.Thinking,
			})
		case "tool_use":
			out = append(out, &wire.Block{
				ID:        cb.ID,
				Type:      wire.BlockTypeToolUseStart,
				Timestamp: nowMillis(),
				Role:      wire.RoleAssistant,
				ToolID:    cb.ID,
				ToolName:  cb.Name,
				Input:     cb.Input,
			})
		}
	}
	return out
}

// handleUser extracts tool_result blocks. The CLI routes tool output
// back through user messages.
func (p *Claude) handleUser(msg *claudeMessage) []*wire.Block {
	if msg.Message == nil {
		return nil
	}
	var out []*wire.Block
	for _, cb := range msg.Message.Content {
		if cb.Type != "tool_result" {
			continue
		}
		out = append(out, &wire.Block{
			ID:        newBlockID(),
			Type:      wire.BlockTypeToolUseResult,
			Timestamp: nowMillis(),
			Role:      wire.RoleUser,
			ToolID:    cb.ToolUseID,
			Content:   decodeToolResultContent(cb.Content),
			IsError:   cb.IsError,
		})
	}
	return out
}

// handleResult finalizes the turn: the open text block is closed and a
// turnComplete block carries the accounting.
func (p *Claude) handleResult(msg *claudeMessage) []*wire.Block {
	var out []*wire.Block
	if blk := p.finalizeText(); blk != nil {
		out = append(out, blk)
	}

	if msg.IsError {
		var errText string
		if err := json.Unmarshal(msg.Result, &errText); err != nil || errText == "" {
			errText = "agent reported an error result"
		}
		out = append(out, &wire.Block{
			ID:        newBlockID(),
			Type:      wire.BlockTypeError,
			Timestamp: nowMillis(),
			Role:      wire.RoleSystem,
			Message:   errText,
			ErrorCode: "ChildFailed",
		})
	}

	in, outTokens := msg.TotalInputTokens, msg.TotalOutputTokens
	if msg.Usage != nil {
		if in == 0 {
			in = msg.Usage.InputTokens
		}
		if outTokens == 0 {
			outTokens = msg.Usage.OutputTokens
		}
	}
	out = append(out, &wire.Block{
		ID:           newBlockID(),
		Type:         wire.BlockTypeTurnComplete,
		Timestamp:    nowMillis(),
		Role:         wire.RoleSystem,
		Model:        p.model,
		InputTokens:  in,
		OutputTokens: outTokens,
	})
	return out
}

func (p *Claude) handleControlRequest(msg *claudeMessage) []*wire.Block {
	if msg.Request == nil || msg.Request.Subtype != claudeSubtypeCanUseTool {
		return nil
	}
	blockID := newBlockID()
	p.approvals[blockID] = msg.RequestID
	return []*wire.Block{{
		ID:        blockID,
		Type:      wire.BlockTypeApprovalRequest,
		Timestamp: nowMillis(),
		Role:      wire.RoleAssistant,
		Prompt:    fmt.Sprintf("Allow %s?", msg.Request.ToolName),
		ToolName:  msg.Request.ToolName,
		Input:     msg.Request.Input,
		Options:   []string{"yes", "no"},
	}}
}

// appendText grows the current turn's text block and re-emits it as a
// partial with the accumulated content. The timestamp stays at first
// emission.
func (p *Claude) appendText(text string) *wire.Block {
	if p.textID == "" {
		p.textID = newBlockID()
		p.textTime = nowMillis()
	}
	p.textBuf += text
	return &wire.Block{
		ID:        p.textID,
		Type:      wire.BlockTypeText,
		Timestamp: p.textTime,
		Role:      wire.RoleAssistant,
		Content:   p.textBuf,
		IsPartial: true,
	}
}

// finalizeText closes the open text block, returning the terminal
// (isPartial=false) emission, or nil when no text is open.
func (p *Claude) finalizeText() *wire.Block {
	if p.textID == "" {
		return nil
	}
	blk := &wire.Block{
		ID:        p.textID,
		Type:      wire.BlockTypeText,
		Timestamp: p.textTime,
		Role:      wire.RoleAssistant,
		Content:   p.textBuf,
	}
	p.textID, p.textBuf, p.textTime = "", "", 0
	return blk
}

// decodeToolResultContent accepts both the string and the structured
// array form of tool_result content.
func decodeToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var buf string
		for _, part := range parts {
			if part.Type == "text" {
				buf += part.Text
			}
		}
		return buf
	}
	return string(raw)
}

// parseErrorBlock wraps a parse failure as an in-band error block.
func parseErrorBlock(message string) *wire.Block {
	return &wire.Block{
		ID:        newBlockID(),
		Type:      wire.BlockTypeError,
		Timestamp: nowMillis(),
		Role:      wire.RoleSystem,
		Message:   message,
		ErrorCode: "ParseError",
	}
}
