package agents

import (
	"sort"
	"sync"

	"github.com/tetherdev/tetherd/internal/chat/models"
)

// staticModels is the baseline per-tool model catalogue. Models seen in
// live result blocks are merged in at runtime.
var staticModels = map[models.Tool][]string{
	models.ToolClaude: {
		"claude-sonnet-4-5",
		"claude-opus-4-5",
		"claude-haiku-4-5",
	},
	models.ToolCursorAgent: {
		"gpt-5",
		"sonnet-4.5",
		"composer-1",
	},
	models.ToolGemini: {
		"gemini-2.5-pro",
		"gemini-2.5-flash",
	},
}

// Catalogue lists selectable models per tool.
type Catalogue struct {
	mu         sync.RWMutex
	discovered map[models.Tool]map[string]struct{}
}

// NewCatalogue returns a catalogue seeded with the static model lists.
func NewCatalogue() *Catalogue {
	return &Catalogue{discovered: make(map[models.Tool]map[string]struct{})}
}

// Observe records a model name reported by a live session.
func (c *Catalogue) Observe(tool models.Tool, model string) {
	if model == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.discovered[tool]
	if set == nil {
		set = make(map[string]struct{})
		c.discovered[tool] = set
	}
	set[model] = struct{}{}
}

// Models returns the static list merged with discovered models, sorted.
func (c *Catalogue) Models(tool models.Tool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, m := range staticModels[tool] {
		seen[m] = struct{}{}
		out = append(out, m)
	}
	for m := range c.discovered[tool] {
		if _, dup := seen[m]; dup {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// All returns every tool's model list.
func (c *Catalogue) All() map[models.Tool][]string {
	out := make(map[models.Tool][]string)
	for _, tool := range []models.Tool{models.ToolClaude, models.ToolCursorAgent, models.ToolGemini} {
		out[tool] = c.Models(tool)
	}
	return out
}
