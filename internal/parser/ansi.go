package parser

import (
	"regexp"
	"strings"
)

// ansiEscape matches CSI, OSC and two-byte escape sequences.
var ansiEscape = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(\x07|\x1b\\)|[()][A-Z0-9]|[a-zA-Z=><])`)

// stripANSI removes escape sequences and non-printing control bytes,
// keeping newlines and tabs.
func stripANSI(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
