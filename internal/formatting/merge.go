package formatting

import (
	"io"
	"strings"
)

// normalizedLinesForMerge splits chunk text into lines for the final merge.
//
//   - CRLF/CR are normalized to LF.
//   - Whitespace-only lines become blank lines.
//   - Non-blank lines lose trailing whitespace.
//   - Explicit blank lines (including multiple) inside the chunk are kept.
func normalizedLinesForMerge(text string) []string {
	text = NormalizeNewlines(text)
	hadTrailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	if hadTrailingNewline && len(lines) > 0 {
		// Drop the implicit empty element Split produces after a trailing "\n".
		lines = lines[:len(lines)-1]
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			out = append(out, "")
		} else {
			out = append(out, strings.TrimRight(line, " \t\r"))
		}
	}
	return out
}

// merger writes chunk texts into a single stream, ensuring a blank line
// between adjacent non-blank lines within and across chunk boundaries.
// The final newline is preserved only if the last chunk ended with one.
type merger struct {
	w           io.Writer
	prevNonbank bool
	err         error
}

// NewMerger returns a merger writing to w. Feed chunks in index order via
// Write, marking the final chunk, then check Err.
func NewMerger(w io.Writer) *merger {
	return &merger{w: w}
}

func (m *merger) writeString(s string) {
	if m.err != nil {
		return
	}
	_, m.err = io.WriteString(m.w, s)
}

// Write merges one chunk into the stream. isLast must be true for the final
// chunk only; it controls trailing-newline preservation.
func (m *merger) Write(chunkText string, isLast bool) error {
	lines := normalizedLinesForMerge(chunkText)
	keepFinalNewline := strings.HasSuffix(chunkText, "\n") || strings.HasSuffix(chunkText, "\r")
	lastLineIdx := len(lines) - 1

	for j, line := range lines {
		if line == "" {
			m.writeString("\n")
			m.prevNonbank = false
			continue
		}

		if m.prevNonbank {
			m.writeString("\n")
		}
		m.writeString(line)
		if !(isLast && !keepFinalNewline && j == lastLineIdx) {
			m.writeString("\n")
		}
		m.prevNonbank = true
	}
	return m.err
}

// Err returns the first write error, if any.
func (m *merger) Err() error { return m.err }

// MergeTextParts merges in-memory parts; used by the one-shot formatter and tests.
func MergeTextParts(parts []string) string {
	var b strings.Builder
	m := NewMerger(&b)
	for i, p := range parts {
		_ = m.Write(p, i == len(parts)-1)
	}
	return b.String()
}
