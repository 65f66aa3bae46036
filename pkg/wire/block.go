// Package wire defines the block and WebSocket message schema shared
// between the server and its clients.
package wire

import "encoding/json"

// BlockType identifies the kind of content a block carries.
type BlockType string

const (
	// BlockTypeText is free-form assistant or user text. Emitted as
	// partial fragments sharing one id until the agent yields.
	BlockTypeText BlockType = "text"
	// BlockTypeThinking is chain-of-thought content, when the agent
	// exposes it.
	BlockTypeThinking BlockType = "thinking"
	// BlockTypeToolUseStart marks the beginning of a tool invocation.
	BlockTypeToolUseStart BlockType = "toolUseStart"
	// BlockTypeToolUseResult carries the outcome of an earlier
	// toolUseStart with the same toolId.
	BlockTypeToolUseResult BlockType = "toolUseResult"
	// BlockTypeApprovalRequest asks the user to approve a tool action.
	BlockTypeApprovalRequest BlockType = "approvalRequest"
	// BlockTypeCommand is a shell command the agent ran or proposes.
	BlockTypeCommand BlockType = "command"
	// BlockTypeCode is a fenced code snippet with a language hint.
	BlockTypeCode BlockType = "code"
	// BlockTypeFileDiff is a unified diff for a single path.
	BlockTypeFileDiff BlockType = "fileDiff"
	// BlockTypeError is a parser or session error delivered in-band.
	BlockTypeError BlockType = "error"
	// BlockTypeSessionStart marks a live agent process becoming ready.
	BlockTypeSessionStart BlockType = "sessionStart"
	// BlockTypeSessionEnd marks the agent process going away. The
	// suspended field distinguishes inactivity suspension from a real end.
	BlockTypeSessionEnd BlockType = "sessionEnd"
	// BlockTypeChatCancelled is the synthetic block emitted after a
	// turn cancellation.
	BlockTypeChatCancelled BlockType = "chatCancelled"
	// BlockTypeTurnComplete carries end-of-turn accounting (model,
	// token usage).
	BlockTypeTurnComplete BlockType = "turnComplete"
)

// Roles for the role field.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Block is the atomic unit of parsed agent output. All fields beyond
// id/type/timestamp are optional and type-specific. Unknown fields
// received from a peer are preserved across a decode/encode round trip
// so intermediaries stay forward compatible.
type Block struct {
	ID        string    `json:"id"`
	Type      BlockType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	IsPartial bool      `json:"isPartial,omitempty"`

	ToolID   string `json:"toolId,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	// Input holds progressively filled tool arguments. Values keep the
	// loose typing of the underlying JSON (string, float64, bool, map,
	// slice, nil); consumers do best-effort field extraction.
	Input   map[string]any `json:"input,omitempty"`
	IsError bool           `json:"isError,omitempty"`

	Path     string `json:"path,omitempty"`
	Diff     string `json:"diff,omitempty"`
	Command  string `json:"command,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`

	Prompt  string   `json:"prompt,omitempty"`
	Options []string `json:"options,omitempty"`

	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`

	Model        string `json:"model,omitempty"`
	Suspended    bool   `json:"suspended,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`

	// Extra preserves fields this server version does not know about.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownBlockFields lists every key the typed struct owns. Anything else
// lands in Extra on decode and is re-emitted on encode.
var knownBlockFields = map[string]struct{}{
	"id": {}, "type": {}, "timestamp": {}, "role": {}, "content": {},
	"isPartial": {}, "toolId": {}, "toolName": {}, "input": {},
	"isError": {}, "path": {}, "diff": {}, "command": {}, "exitCode": {},
	"prompt": {}, "options": {}, "language": {}, "code": {},
	"message": {}, "errorCode": {}, "model": {}, "suspended": {},
	"inputTokens": {}, "outputTokens": {},
}

// blockAlias avoids recursing into the custom (Un)MarshalJSON.
type blockAlias Block

// UnmarshalJSON decodes a block, diverting unknown fields into Extra.
func (b *Block) UnmarshalJSON(data []byte) error {
	var alias blockAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if _, known := knownBlockFields[key]; known {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}
	*b = Block(alias)
	return nil
}

// MarshalJSON encodes the typed fields and merges Extra back in.
func (b Block) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(blockAlias(b))
	if err != nil {
		return nil, err
	}
	if len(b.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, val := range b.Extra {
		if _, known := knownBlockFields[key]; known {
			continue
		}
		merged[key] = val
	}
	return json.Marshal(merged)
}

// Clone returns a deep-enough copy for fan-out: the maps and slices
// that callers mutate after emission are copied.
func (b *Block) Clone() *Block {
	dup := *b
	if b.Input != nil {
		dup.Input = make(map[string]any, len(b.Input))
		for k, v := range b.Input {
			dup.Input[k] = v
		}
	}
	if b.Options != nil {
		dup.Options = append([]string(nil), b.Options...)
	}
	if b.ExitCode != nil {
		code := *b.ExitCode
		dup.ExitCode = &code
	}
	return &dup
}
