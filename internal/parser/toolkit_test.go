package parser

import (
	"reflect"
	"testing"
)

func TestLineSplitter(t *testing.T) {
	var s lineSplitter

	lines := s.Split([]byte("alpha\nbe"))
	if len(lines) != 1 || string(lines[0]) != "alpha" {
		t.Fatalf("Split() = %q, want [alpha]", lines)
	}

	lines = s.Split([]byte("ta\r\ngamma"))
	if len(lines) != 1 || string(lines[0]) != "beta" {
		t.Fatalf("Split() = %q, want [beta]", lines)
	}

	if got := string(s.Rest()); got != "gamma" {
		t.Errorf("Rest() = %q, want %q", got, "gamma")
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d after Rest, want 0", s.Pending())
	}
}

func TestCompletePartialJSON(t *testing.T) {
	tests := []struct {
		name     string
		fragment string
		want     map[string]any
		ok       bool
	}{
		{"complete", `{"command":"ls"}`, map[string]any{"command": "ls"}, true},
		{"open string", `{"command":"ls`, map[string]any{"command": "ls"}, true},
		{"open object", `{"command":"ls","cwd":"/tmp"`, map[string]any{"command": "ls", "cwd": "/tmp"}, true},
		{"dangling key", `{"command":`, map[string]any{"command": nil}, true},
		{"trailing comma", `{"command":"ls",`, map[string]any{"command": "ls"}, true},
		{"nested array", `{"files":["a","b`, map[string]any{"files": []any{"a", "b"}}, true},
		{"not an object", `["a"]`, nil, false},
		{"empty", ``, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := completePartialJSON(tt.fragment)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if tt.ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"color", "\x1b[32mgreen\x1b[0m", "green"},
		{"cursor", "\x1b[2J\x1b[Htop", "top"},
		{"osc title", "\x1b]0;title\x07body", "body"},
		{"keeps newline", "a\nb", "a\nb"},
		{"drops bell", "ding\x07", "ding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripANSI(tt.in); got != tt.want {
				t.Errorf("stripANSI(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
