package parser

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// LineBuffer reassembles lines from arbitrary read chunks. A line is only
// returned once its terminator has been seen.
type LineBuffer struct {
	partial []byte
}

// Feed appends p and returns every line completed by it, without the
// terminator and with a trailing carriage return removed.
func (b *LineBuffer) Feed(p []byte) []string {
	b.partial = append(b.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(b.partial[:i], []byte{'\r'})))
		b.partial = b.partial[i+1:]
	}
	if len(b.partial) == 0 {
		b.partial = nil
	}
	return lines
}

// Flush returns the unterminated remainder at end of stream.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.partial) == 0 {
		return "", false
	}
	s := string(bytes.TrimSuffix(b.partial, []byte{'\r'}))
	b.partial = nil
	return s, true
}

// Clean strips ANSI escape sequences and drops the remaining control
// characters a PTY may leave behind (bell, backspace, stray CR).
func Clean(line string) string {
	line = ansi.Strip(line)
	clean := true
	for _, r := range line {
		if r != '\t' && (unicode.IsControl(r) || r == utf8.RuneError) {
			clean = false
			break
		}
	}
	if clean {
		return line
	}
	var sb strings.Builder
	sb.Grow(len(line))
	for _, r := range line {
		if r != '\t' && (unicode.IsControl(r) || r == utf8.RuneError) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
