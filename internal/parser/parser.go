// Package parser turns tool-specific agent CLI output into a normalized
// stream of content blocks. Each supported tool has its own stateful
// transducer built from a shared toolkit (JSON-lines splitting,
// incremental JSON recovery, ANSI stripping).
package parser

import (
	"github.com/tetherdev/tetherd/internal/chat/models"
	"github.com/tetherdev/tetherd/pkg/wire"
)

// Parser is a stateful byte to block transducer. Feed may emit zero or
// more blocks per call; Flush is called once at EOF to finalize any
// open partial blocks. Parse failures are reported as in-band error
// blocks, never as Go errors.
type Parser interface {
	Feed(data []byte) []*wire.Block
	Flush() []*wire.Block

	// SessionID reports the tool's native session token once the
	// stream announces it, empty until then.
	SessionID() string

	// DetectsTurnEnd reports whether the stream carries explicit turn
	// boundaries. When false the session falls back to quiescence
	// detection on its activity clock.
	DetectsTurnEnd() bool

	// ApprovalResponse renders the stdin bytes that answer a pending
	// approval block. ok is false when the block id is unknown.
	ApprovalResponse(blockID string, approved bool) (data []byte, ok bool)

	// Degraded reports that the parser has declared incapacity for
	// this stream. The session then switches the conversation to raw
	// passthrough delivery; a conversation never mixes modes.
	Degraded() bool
}

// ForTool returns the parser for a tool. Unknown tools get the generic
// ANSI parser.
func ForTool(tool models.Tool) Parser {
	switch tool {
	case models.ToolClaude:
		return NewClaude()
	case models.ToolCursorAgent:
		return NewCursor()
	case models.ToolGemini:
		return NewGemini()
	default:
		return NewGeneric()
	}
}
