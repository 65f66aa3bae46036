package parser

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tuzig/vt10x"

	"github.com/tetherdev/tetherd/pkg/wire"
)

const (
	genericCols = 80
	genericRows = 24
)

// Generic parses arbitrary terminal-oriented agent output. A vt10x
// virtual terminal absorbs cursor movement and redraws so approval
// prompts can be detected on the rendered screen, while the text stream
// comes from ANSI-stripped lines. Binary or invalid UTF-8 output
// degrades the parser: the session then delivers raw passthrough data
// for the rest of the conversation.
type Generic struct {
	mu    sync.Mutex
	lines lineSplitter
	term  vt10x.Terminal

	textID   string
	textBuf  string
	textTime int64

	started  bool
	degraded bool

	approvals       map[string]struct{}
	approvalVisible bool
}

// NewGeneric returns the fallback parser for unknown tools.
func NewGeneric() *Generic {
	return &Generic{
		term:      vt10x.New(vt10x.WithSize(genericCols, genericRows)),
		approvals: make(map[string]struct{}),
	}
}

// SessionID is always empty for unknown tools.
func (p *Generic) SessionID() string { return "" }

// DetectsTurnEnd is false: turns end on output quiescence.
func (p *Generic) DetectsTurnEnd() bool { return false }

// Degraded reports whether the stream turned out to be unparseable.
func (p *Generic) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// ApprovalResponse answers the detected prompt with a y/n line.
func (p *Generic) ApprovalResponse(blockID string, approved bool) ([]byte, bool) {
	p.mu.Lock()
	_, ok := p.approvals[blockID]
	if ok {
		delete(p.approvals, blockID)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	if approved {
		return []byte("y\n"), true
	}
	return []byte("n\n"), true
}

func (p *Generic) Feed(data []byte) []*wire.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.degraded {
		return nil
	}
	if !utf8.Valid(data) && p.lines.Pending() == 0 {
		// Not a text stream. Declare incapacity once; the session
		// switches this conversation to raw delivery.
		p.degraded = true
		return []*wire.Block{parseErrorBlock("output is not valid UTF-8, falling back to raw delivery")}
	}

	var out []*wire.Block
	if !p.started {
		p.started = true
		out = append(out, &wire.Block{
			ID:        newBlockID(),
			Type:      wire.BlockTypeSessionStart,
			Timestamp: nowMillis(),
			Role:      wire.RoleSystem,
		})
	}

	_, _ = p.term.Write(data)

	for _, line := range p.lines.Split(data) {
		text := stripANSI(string(line))
		if strings.TrimSpace(text) == "" {
			continue
		}
		if p.textID == "" {
			p.textID = newBlockID()
			p.textTime = nowMillis()
		}
		if p.textBuf != "" {
			p.textBuf += "\n"
		}
		p.textBuf += text
		out = append(out, &wire.Block{
			ID:        p.textID,
			Type:      wire.BlockTypeText,
			Timestamp: p.textTime,
			Role:      wire.RoleAssistant,
			Content:   p.textBuf,
			IsPartial: true,
		})
	}

	if blk := p.detectApproval(); blk != nil {
		out = append(out, blk)
	}
	return out
}

func (p *Generic) Flush() []*wire.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*wire.Block
	if rest := p.lines.Rest(); len(rest) > 0 && !p.degraded {
		text := stripANSI(string(rest))
		if strings.TrimSpace(text) != "" {
			if p.textID == "" {
				p.textID = newBlockID()
				p.textTime = nowMillis()
			}
			if p.textBuf != "" {
				p.textBuf += "\n"
			}
			p.textBuf += text
		}
	}
	if blk := p.finalizeText(); blk != nil {
		out = append(out, blk)
	}
	p.approvalVisible = false
	return out
}

// detectApproval scans the rendered screen bottom-up for a confirmation
// prompt. One approvalRequest is emitted per continuous prompt display.
func (p *Generic) detectApproval() *wire.Block {
	prompt := ""
	for row := genericRows - 1; row >= 0; row-- {
		var chars []rune
		for col := 0; col < genericCols; col++ {
			g := p.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		line := strings.TrimSpace(string(chars))
		if line == "" {
			continue
		}
		if approvalPromptPattern.MatchString(line) {
			prompt = line
		}
		break
	}

	if prompt == "" {
		p.approvalVisible = false
		return nil
	}
	if p.approvalVisible {
		return nil
	}
	p.approvalVisible = true

	blockID := newBlockID()
	p.approvals[blockID] = struct{}{}
	return &wire.Block{
		ID:        blockID,
		Type:      wire.BlockTypeApprovalRequest,
		Timestamp: nowMillis(),
		Role:      wire.RoleAssistant,
		Prompt:    prompt,
		Options:   []string{"yes", "no"},
	}
}

func (p *Generic) finalizeText() *wire.Block {
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
