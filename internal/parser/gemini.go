package parser

import (
	"regexp"
	"strings"
	"sync"

	"github.com/tetherdev/tetherd/pkg/wire"
)

// approvalPromptPattern matches the CLI's inline confirmation prompts,
// e.g. "Apply this change? [y/n]" or "Allow execution of 'rm -rf'? (y/N)".
var approvalPromptPattern = regexp.MustCompile(`(?i)(allow|apply|proceed|continue|confirm).*\?\s*[\(\[]?y(es)?\s*/\s*n(o)?[\)\]]?`)

// Gemini parses the Gemini CLI's plain-text output. The stream has no
// structured protocol: ANSI is stripped, text accumulates into one
// partial block per turn, and turn boundaries come from the session's
// quiescence clock.
type Gemini struct {
	mu    sync.Mutex
	lines lineSplitter

	textID   string
	textBuf  string
	textTime int64

	started   bool
	approvals map[string]struct{}
}

// NewGemini returns a parser for Gemini CLI plain-text output.
func NewGemini() *Gemini {
	return &Gemini{approvals: make(map[string]struct{})}
}

// SessionID is always empty: the CLI exposes no resume token, resume
// goes through transcript replay.
func (p *Gemini) SessionID() string { return "" }

// DetectsTurnEnd is false: turns end on output quiescence.
func (p *Gemini) DetectsTurnEnd() bool { return false }

func (p *Gemini) Degraded() bool { return false }

// ApprovalResponse answers the inline prompt with a y/n line.
func (p *Gemini) ApprovalResponse(blockID string, approved bool) ([]byte, bool) {
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

func (p *Gemini) Feed(data []byte) []*wire.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

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

	for _, line := range p.lines.Split(data) {
		out = append(out, p.handleLine(string(line))...)
	}
	return out
}

func (p *Gemini) Flush() []*wire.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*wire.Block
	if rest := p.lines.Rest(); len(rest) > 0 {
		out = append(out, p.handleLine(string(rest))...)
	}
	if blk := p.finalizeText(); blk != nil {
		out = append(out, blk)
	}
	return out
}

func (p *Gemini) handleLine(line string) []*wire.Block {
	text := stripANSI(line)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if approvalPromptPattern.MatchString(text) {
		var out []*wire.Block
		// Close the running text so the prompt stands on its own.
		if blk := p.finalizeText(); blk != nil {
			out = append(out, blk)
		}
		blockID := newBlockID()
		p.approvals[blockID] = struct{}{}
		return append(out, &wire.Block{
			ID:        blockID,
			Type:      wire.BlockTypeApprovalRequest,
			Timestamp: nowMillis(),
			Role:      wire.RoleAssistant,
			Prompt:    strings.TrimSpace(text),
			Options:   []string{"yes", "no"},
		})
	}

	if p.textID == "" {
		p.textID = newBlockID()
		p.textTime = nowMillis()
	}
	if p.textBuf != "" {
		p.textBuf += "\n"
	}
	p.textBuf += text
	return []*wire.Block{{
		ID:        p.textID,
		Type:      wire.BlockTypeText,
		Timestamp: p.textTime,
		Role:      wire.RoleAssistant,
		Content:   p.textBuf,
		IsPartial: true,
	}}
}

func (p *Gemini) finalizeText() *wire.Block {
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
