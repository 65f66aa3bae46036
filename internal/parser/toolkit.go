package parser

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// lineSplitter buffers incoming bytes and yields complete lines. The
// trailing fragment stays buffered until the newline arrives or Rest is
// drained at EOF.
type lineSplitter struct {
	buf bytes.Buffer
}

// Split appends data and returns all complete lines, without the
// terminating newline. Carriage returns are trimmed.
func (s *lineSplitter) Split(data []byte) [][]byte {
	s.buf.Write(data)
	var lines [][]byte
	for {
		raw := s.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			return lines
		}
		line := make([]byte, i)
		copy(line, raw[:i])
		s.buf.Next(i + 1)
		lines = append(lines, bytes.TrimRight(line, "\r"))
	}
}

// Rest drains whatever is buffered without requiring a newline.
func (s *lineSplitter) Rest() []byte {
	if s.buf.Len() == 0 {
		return nil
	}
	rest := make([]byte, s.buf.Len())
	copy(rest, s.buf.Bytes())
	s.buf.Reset()
	return bytes.TrimRight(rest, "\r")
}

// Pending reports how many bytes are buffered awaiting a newline.
func (s *lineSplitter) Pending() int {
	return s.buf.Len()
}

// completePartialJSON attempts to close an incomplete JSON object
// fragment such as `{"command":"ls` by tracking quoting and brace depth
// and appending the missing closers. Returns the decoded object and
// true on success. Used to surface progressive tool input while the
// agent is still streaming it.
func completePartialJSON(fragment string) (map[string]any, bool) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" || fragment[0] != '{' {
		return nil, false
	}

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(fragment); i++ {
		c := fragment[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			stack = append(stack, c)
		case c == '}' || c == ']':
			if len(stack) == 0 {
				return nil, false
			}
			stack = stack[:len(stack)-1]
		}
	}

	repaired := fragment
	if escaped {
		// Trailing lone backslash cannot be closed meaningfully.
		repaired = repaired[:len(repaired)-1]
	}
	if inString {
		repaired += `"`
	}
	// A dangling `"key":` or trailing comma needs a value before closing.
	trimmed := strings.TrimRight(repaired, " \t")
	if strings.HasSuffix(trimmed, ":") {
		repaired = trimmed + "null"
	} else if strings.HasSuffix(trimmed, ",") {
		repaired = strings.TrimSuffix(trimmed, ",")
	}
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			repaired += "}"
		case '[':
			repaired += "]"
		}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, false
	}
	return out, true
}

// newBlockID returns a fresh block identifier.
func newBlockID() string {
	return uuid.New().String()
}

// nowMillis is the block timestamp clock, stubbed in tests.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
