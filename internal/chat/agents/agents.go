// Package agents holds the per-tool CLI invocation surface: how each
// supported coding agent is launched, how prompts are written to its
// stdin, whether it can resume a native session, and which binaries are
// actually installed on this host.
package agents

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/tetherdev/tetherd/internal/chat/models"
)

// InvokeSpec is everything needed to spawn an agent CLI.
type InvokeSpec struct {
	Argv []string
	Env  []string
	Dir  string
}

// Options parameterizes an invocation template.
type Options struct {
	Mode            models.Mode
	PermissionMode  models.PermissionMode
	Model           string
	ProjectPath     string
	ResumeSessionID string
}

// BuildInvocation renders the launch command for a tool. Templates are
// fixed per tool; unknown tools run the conversation topic as a bare
// command via the generic path and get no flags.
func BuildInvocation(tool models.Tool, opts Options) (InvokeSpec, error) {
	switch tool {
	case models.ToolClaude:
		return claudeInvocation(opts), nil
	case models.ToolCursorAgent:
		return cursorInvocation(opts), nil
	case models.ToolGemini:
		return geminiInvocation(opts), nil
	case models.ToolCustom:
		return InvokeSpec{}, fmt.Errorf("custom tools need an explicit command")
	default:
		return InvokeSpec{}, fmt.Errorf("unknown tool %q", tool)
	}
}

func claudeInvocation(opts Options) InvokeSpec {
	argv := []string{
		"claude",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	switch opts.PermissionMode {
	case models.PermissionAcceptEdits:
		argv = append(argv, "--permission-mode", "acceptEdits")
	case models.PermissionBypass:
		argv = append(argv, "--dangerously-skip-permissions")
	case models.PermissionDontAsk:
		argv = append(argv, "--permission-mode", "dontAsk")
	}
	if opts.Mode == models.ModePlan {
		argv = append(argv, "--permission-mode", "plan")
	}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		argv = append(argv, "--resume", opts.ResumeSessionID)
	}
	return InvokeSpec{Argv: argv, Dir: opts.ProjectPath}
}

func cursorInvocation(opts Options) InvokeSpec {
	argv := []string{"cursor-agent", "--output-format", "stream-json"}
	if opts.PermissionMode == models.PermissionBypass || opts.PermissionMode == models.PermissionDontAsk {
		argv = append(argv, "--force")
	}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		argv = append(argv, "--resume", opts.ResumeSessionID)
	}
	return InvokeSpec{Argv: argv, Dir: opts.ProjectPath}
}

func geminiInvocation(opts Options) InvokeSpec {
	argv := []string{"gemini"}
	if opts.PermissionMode == models.PermissionBypass || opts.PermissionMode == models.PermissionDontAsk {
		argv = append(argv, "--yolo")
	}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	return InvokeSpec{Argv: argv, Dir: opts.ProjectPath}
}

// SupportsResume reports whether the tool can reattach a native session
// by token. Tools without it get transcript replay on resume.
func SupportsResume(tool models.Tool) bool {
	switch tool {
	case models.ToolClaude, models.ToolCursorAgent:
		return true
	default:
		return false
	}
}

// CanResume reports whether a suspended conversation with this tool
// can restore context at all: natively by session token, or by
// replaying the stored transcript into a fresh invocation. Tools
// without an invocation template cannot be respawned, so they cannot
// resume either way.
func CanResume(tool models.Tool) bool {
	if SupportsResume(tool) {
		return true
	}
	_, err := BuildInvocation(tool, Options{})
	return err == nil
}

// PromptPayload renders a user message for the tool's stdin.
func PromptPayload(tool models.Tool, content string) []byte {
	switch tool {
	case models.ToolClaude, models.ToolCursorAgent:
		msg := struct {
			Type    string `json:"type"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
		}{Type: "user"}
		msg.Message.Role = "user"
		msg.Message.Content = content
		data, _ := json.Marshal(msg)
		return append(data, '\n')
	default:
		return []byte(content + "\n")
	}
}

// binaryFor maps a tool to the executable probed for availability.
func binaryFor(tool models.Tool) string {
	switch tool {
	case models.ToolClaude:
		return "claude"
	case models.ToolCursorAgent:
		return "cursor-agent"
	case models.ToolGemini:
		return "gemini"
	default:
		return ""
	}
}

// availabilityTTL bounds how long a LookPath result is trusted.
const availabilityTTL = 30 * time.Second

type availabilityEntry struct {
	available bool
	checked   time.Time
}

// AvailabilityChecker probes which agent binaries exist on PATH,
// caching results briefly since clients poll this endpoint.
type AvailabilityChecker struct {
	mu       sync.Mutex
	cache    map[models.Tool]availabilityEntry
	lookPath func(string) (string, error)
}

// NewAvailabilityChecker returns a checker backed by exec.LookPath.
func NewAvailabilityChecker() *AvailabilityChecker {
	return &AvailabilityChecker{
		cache:    make(map[models.Tool]availabilityEntry),
		lookPath: exec.LookPath,
	}
}

// Check reports whether the tool's binary is on PATH.
func (c *AvailabilityChecker) Check(tool models.Tool) bool {
	bin := binaryFor(tool)
	if bin == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.cache[tool]; ok && time.Since(entry.checked) < availabilityTTL {
		return entry.available
	}
	_, err := c.lookPath(bin)
	entry := availabilityEntry{available: err == nil, checked: time.Now()}
	c.cache[tool] = entry
	return entry.available
}

// CheckAll probes every registered tool.
func (c *AvailabilityChecker) CheckAll() map[models.Tool]bool {
	out := make(map[models.Tool]bool)
	for _, tool := range []models.Tool{models.ToolClaude, models.ToolCursorAgent, models.ToolGemini} {
		out[tool] = c.Check(tool)
	}
	return out
}
