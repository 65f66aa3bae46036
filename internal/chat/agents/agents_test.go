package agents

import (
	"errors"
	"strings"
	"testing"

	"github.com/tetherdev/tetherd/internal/chat/models"
)

func TestClaudeInvocation(t *testing.T) {
	spec, err := BuildInvocation(models.ToolClaude, Options{
		Mode:            models.ModeAgent,
		PermissionMode:  models.PermissionAcceptEdits,
		Model:           "claude-sonnet-4-5",
		ProjectPath:     "/work/repo",
		ResumeSessionID: "sess-42",
	})
	if err != nil {
		t.Fatalf("BuildInvocation failed: %v", err)
	}

	argv := strings.Join(spec.Argv, " ")
	for _, want := range []string{
		"claude",
		"--input-format stream-json",
		"--output-format stream-json",
		"--permission-mode acceptEdits",
		"--model claude-sonnet-4-5",
		"--resume sess-42",
	} {
		if !strings.Contains(argv, want) {
			t.Errorf("argv %q missing %q", argv, want)
		}
	}
	if spec.Dir != "/work/repo" {
		t.Errorf("dir = %q, want project path", spec.Dir)
	}
}

func TestClaudeBypassPermissions(t *testing.T) {
	spec, err := BuildInvocation(models.ToolClaude, Options{PermissionMode: models.PermissionBypass})
	if err != nil {
		t.Fatalf("BuildInvocation failed: %v", err)
	}
	if !strings.Contains(strings.Join(spec.Argv, " "), "--dangerously-skip-permissions") {
		t.Errorf("argv = %v, want bypass flag", spec.Argv)
	}
}

func TestCustomToolRejected(t *testing.T) {
	if _, err := BuildInvocation(models.ToolCustom, Options{}); err == nil {
		t.Error("custom tool without command must fail")
	}
}

func TestSupportsResume(t *testing.T) {
	if !SupportsResume(models.ToolClaude) || !SupportsResume(models.ToolCursorAgent) {
		t.Error("claude and cursor-agent support native resume")
	}
	if SupportsResume(models.ToolGemini) || SupportsResume(models.ToolCustom) {
		t.Error("gemini and custom resume via transcript replay only")
	}
}

func TestCanResume(t *testing.T) {
	for _, tool := range []models.Tool{models.ToolClaude, models.ToolCursorAgent, models.ToolGemini} {
		if !CanResume(tool) {
			t.Errorf("%s has an invocation template, must be resumable", tool)
		}
	}
	// No template means no respawn, so neither resume path works.
	if CanResume(models.ToolCustom) {
		t.Error("custom tool without a template must not be resumable")
	}
}

func TestPromptPayload(t *testing.T) {
	data := PromptPayload(models.ToolClaude, `fix the "bug"`)
	if !strings.HasPrefix(string(data), `{"type":"user"`) {
		t.Errorf("claude payload = %q, want stream-json user message", data)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("payload must be newline terminated")
	}

	if got := string(PromptPayload(models.ToolGemini, "hello")); got != "hello\n" {
		t.Errorf("gemini payload = %q, want plain line", got)
	}
}

func TestAvailabilityCaching(t *testing.T) {
	calls := 0
	c := NewAvailabilityChecker()
	c.lookPath = func(bin string) (string, error) {
		calls++
		if bin == "claude" {
			return "/usr/bin/claude", nil
		}
		return "", errors.New("not found")
	}

	if !c.Check(models.ToolClaude) {
		t.Error("claude should be available")
	}
	if c.Check(models.ToolGemini) {
		t.Error("gemini should be unavailable")
	}
	// Repeated checks inside the TTL must not probe again.
	c.Check(models.ToolClaude)
	c.Check(models.ToolGemini)
	if calls != 2 {
		t.Errorf("lookPath called %d times, want 2", calls)
	}
}

func TestCatalogueMerge(t *testing.T) {
	c := NewCatalogue()
	c.Observe(models.ToolClaude, "claude-sonnet-4-5") // duplicate of static
	c.Observe(models.ToolClaude, "claude-experimental")
	c.Observe(models.ToolClaude, "")

	got := c.Models(models.ToolClaude)
	count := make(map[string]int)
	for _, m := range got {
		count[m]++
	}
	if count["claude-sonnet-4-5"] != 1 {
		t.Errorf("duplicate static model in %v", got)
	}
	if count["claude-experimental"] != 1 {
		t.Errorf("discovered model missing from %v", got)
	}
	if count[""] != 0 {
		t.Error("empty model recorded")
	}
}
