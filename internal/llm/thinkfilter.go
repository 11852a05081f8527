package llm

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	openTagRe  = regexp.MustCompile(`(?i)<think>`)
	closeTagRe = regexp.MustCompile(`(?i)</think>`)
)

// ThinkTagFilter removes <think>…</think> blocks from streaming content.
// Tags may cross chunk boundaries; matching is case-insensitive and tolerates
// nesting by depth counting.
type ThinkTagFilter struct {
	inThink bool
	buffer  string
	depth   int
}

// Feed processes one stream chunk and returns the filtered content.
func (f *ThinkTagFilter) Feed(chunk string) string {
	if chunk == "" {
		return ""
	}

	text := f.buffer + chunk
	f.buffer = ""

	var out strings.Builder
	i := 0

	for i < len(text) {
		if !f.inThink {
			loc := openTagRe.FindStringIndex(text[i:])
			if loc != nil {
				out.WriteString(text[i : i+loc[0]])
				f.inThink = true
				f.depth = 1
				i += loc[1]
				continue
			}
			// A '<' near the end may be the start of a split "<think>".
			if idx := lastPartialTagStart(text, i, len("<think>")); idx >= 0 {
				out.WriteString(text[i:idx])
				f.buffer = text[idx:]
			} else {
				out.WriteString(text[i:])
			}
			i = len(text)
			continue
		}

		closeLoc := closeTagRe.FindStringIndex(text[i:])
		openLoc := openTagRe.FindStringIndex(text[i:])

		switch {
		case closeLoc != nil && (openLoc == nil || closeLoc[0] < openLoc[0]):
			f.depth--
			if f.depth <= 0 {
				f.inThink = false
				f.depth = 0
			}
			i += closeLoc[1]
		case openLoc != nil:
			f.depth++
			i += openLoc[1]
		default:
			// No closing tag yet; keep a possible partial tag, discard the rest.
			if idx := lastPartialTagStart(text, i, len("</think>")); idx >= 0 {
				f.buffer = text[idx:]
			}
			i = len(text)
		}
	}

	return out.String()
}

// Flush returns any buffered content once the stream ends and resets state.
func (f *ThinkTagFilter) Flush() string {
	result := ""
	if !f.inThink && f.buffer != "" {
		result = f.buffer
	}
	f.buffer = ""
	f.inThink = false
	f.depth = 0
	return result
}

// lastPartialTagStart finds a trailing '<' close enough to the end of text
// to be the start of a split tag of tagLen bytes. Returns -1 when none.
func lastPartialTagStart(text string, from, tagLen int) int {
	start := len(text) - tagLen + 1
	if start < from {
		start = from
	}
	idx := strings.LastIndex(text[start:], "<")
	if idx < 0 {
		return -1
	}
	return start + idx
}

// FilterThinkTags is the one-shot filter for complete text, with the
// safeguards of the streaming contract: when tag counts are unbalanced, or
// filtering a sizable input leaves an implausibly short result, fall back to
// stripping only the tag markers and keeping the inner content.
func FilterThinkTags(text string) string {
	opens := len(openTagRe.FindAllString(text, -1))
	closes := len(closeTagRe.FindAllString(text, -1))
	if opens == 0 && closes == 0 {
		return text
	}

	if opens != closes {
		return stripTagMarkers(text)
	}

	var f ThinkTagFilter
	result := f.Feed(text)
	result += f.Flush()

	inLen := utf8.RuneCountInString(text)
	if inLen >= 200 {
		minLen := inLen / 5
		if minLen < 200 {
			minLen = 200
		}
		if utf8.RuneCountInString(result) < minLen {
			return stripTagMarkers(text)
		}
	}
	return result
}

func stripTagMarkers(text string) string {
	text = openTagRe.ReplaceAllString(text, "")
	return closeTagRe.ReplaceAllString(text, "")
}
