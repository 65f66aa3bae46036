package parser

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetherdev/tetherd/pkg/wire"
)

// cursorEvent is one stdout line of the cursor-agent stream-json
// protocol. Unlike the Claude CLI, assistant text arrives as deltas and
// tool call arguments stream as raw JSON string fragments.
type cursorEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	Message *cursorMessage `json:"message,omitempty"`

	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`
	// Args is the raw argument JSON accumulated so far; it may be an
	// incomplete fragment while the agent is still streaming it.
	Args    string          `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

type cursorMessage struct {
	Role    string `json:"role,omitempty"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content,omitempty"`
}

// cursorToolCall tracks one streaming tool invocation.
type cursorToolCall struct {
	name      string
	args      string
	timestamp int64
}

// Cursor parses the cursor-agent stream-json output. Tool call
// arguments stream as partial JSON fragments; the incremental
// accumulator recovers what is decodable so clients see tool input fill
// in progressively.
type Cursor struct {
	mu    sync.Mutex
	lines lineSplitter

	sessionID string
	started   bool
	model     string

	textID   string
	textBuf  string
	textTime int64

	toolCalls map[string]*cursorToolCall
}

// NewCursor returns a parser for cursor-agent stream-json output.
func NewCursor() *Cursor {
	return &Cursor{toolCalls: make(map[string]*cursorToolCall)}
}

func (p *Cursor) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// DetectsTurnEnd is true: the stream carries explicit result events.
func (p *Cursor) DetectsTurnEnd() bool { return true }

func (p *Cursor) Degraded() bool { return false }

// ApprovalResponse answers interactive confirmation with a plain y/n
// line; cursor-agent has no structured permission channel.
func (p *Cursor) ApprovalResponse(blockID string, approved bool) ([]byte, bool) {
	if approved {
		return []byte("y\n"), true
	}
	return []byte("n\n"), true
}

func (p *Cursor) Feed(data []byte) []*wire.Block {
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

func (p *Cursor) Flush() []*wire.Block {
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

func (p *Cursor) handleLine(line []byte) []*wire.Block {
	var ev cursorEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return []*wire.Block{parseErrorBlock(fmt.Sprintf("invalid stream-json line: %v", err))}
	}

	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}
	if ev.Model != "" {
		p.model = ev.Model
	}

	switch ev.Type {
	case "system":
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

	case "assistant":
		return p.handleAssistant(&ev)

	case "tool_call":
		return p.handleToolCall(&ev)

	case "result":
		return p.handleResult(&ev)

	default:
		return nil
	}
}

// handleAssistant appends delta text fragments to the current turn's
// text block.
func (p *Cursor) handleAssistant(ev *cursorEvent) []*wire.Block {
	if ev.Message == nil {
		return nil
	}
	var out []*wire.Block
	for _, cb := range ev.Message.Content {
		if cb.Type != "text" || cb.Text == "" {
			continue
		}
		if p.textID == "" {
			p.textID = newBlockID()
			p.textTime = nowMillis()
		}
		p.textBuf += cb.Text
		out = append(out, &wire.Block{
			ID:        p.textID,
			Type:      wire.BlockTypeText,
			Timestamp: p.textTime,
			Role:      wire.RoleAssistant,
			Content:   p.textBuf,
			IsPartial: true,
		})
	}
	return out
}

func (p *Cursor) handleToolCall(ev *cursorEvent) []*wire.Block {
	if ev.CallID == "" {
		return nil
	}

	switch ev.Subtype {
	case "started", "delta":
		call := p.toolCalls[ev.CallID]
		if call == nil {
			call = &cursorToolCall{name: ev.Name, timestamp: nowMillis()}
			p.toolCalls[ev.CallID] = call
		}
		if ev.Name != "" {
			call.name = ev.Name
		}
		call.args += ev.Args

		// Recover whatever is decodable from the partial fragment so
		// tool input fills in progressively.
		input, _ := completePartialJSON(call.args)
		return []*wire.Block{{
			ID:        ev.CallID,
			Type:      wire.BlockTypeToolUseStart,
			Timestamp: call.timestamp,
			Role:      wire.RoleAssistant,
			ToolID:    ev.CallID,
			ToolName:  call.name,
			Input:     input,
			IsPartial: ev.Subtype == "delta" || ev.Args != "",
		}}

	case "completed":
		call := p.toolCalls[ev.CallID]
		delete(p.toolCalls, ev.CallID)

		var out []*wire.Block
		// Close the start block with the final decoded input.
		if call != nil {
			input, _ := completePartialJSON(call.args)
			out = append(out, &wire.Block{
				ID:        ev.CallID,
				Type:      wire.BlockTypeToolUseStart,
				Timestamp: call.timestamp,
				Role:      wire.RoleAssistant,
				ToolID:    ev.CallID,
				ToolName:  call.name,
				Input:     input,
			})
		}
		out = append(out, &wire.Block{
			ID:        newBlockID(),
			Type:      wire.BlockTypeToolUseResult,
			Timestamp: nowMillis(),
			Role:      wire.RoleUser,
			ToolID:    ev.CallID,
			Content:   decodeToolResultContent(ev.Result),
			IsError:   ev.IsError,
		})
		return out

	default:
		return nil
	}
}

func (p *Cursor) handleResult(ev *cursorEvent) []*wire.Block {
	var out []*wire.Block
	if blk := p.finalizeText(); blk != nil {
		out = append(out, blk)
	}
	if ev.IsError {
		msg := decodeToolResultContent(ev.Result)
		if msg == "" {
			msg = "agent reported an error result"
		}
		out = append(out, &wire.Block{
			ID:        newBlockID(),
			Type:      wire.BlockTypeError,
			Timestamp: nowMillis(),
			Role:      wire.RoleSystem,
			Message:   msg,
			ErrorCode: "ChildFailed",
		})
	}
	out = append(out, &wire.Block{
		ID:           newBlockID(),
		Type:         wire.BlockTypeTurnComplete,
		Timestamp:    nowMillis(),
		Role:         wire.RoleSystem,
		Model:        p.model,
		InputTokens:  ev.InputTokens,
		OutputTokens: ev.OutputTokens,
	})
	return out
}

func (p *Cursor) finalizeText() *wire.Block {
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
