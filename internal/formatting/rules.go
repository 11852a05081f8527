package formatting

import (
	"regexp"
	"strings"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

const fullwidthSpace = "　"

// CJK ranges: unified ideographs (+ext A), kana, hangul.
func isCJK(r rune) bool {
	switch {
	case r >= 0x3400 && r <= 0x4dbf:
		return true
	case r >= 0x4e00 && r <= 0x9fff:
		return true
	case r >= 0x3040 && r <= 0x30ff:
		return true
	case r >= 0xac00 && r <= 0xd7af:
		return true
	}
	return false
}

func hasCJK(s string) bool {
	for _, r := range s {
		if isCJK(r) {
			return true
		}
	}
	return false
}

var chapterLikeRe = regexp.MustCompile(
	`^[\s　]*((第\s*[0-9一二三四五六七八九十百千两零〇]+\s*[章节回卷部集幕])|(楔子|序章|序|后记|尾声|番外))`,
)

// IsChapterTitle reports whether the line looks like a chapter or volume
// heading. Headings stay un-indented through the indent pass.
func IsChapterTitle(line string) bool {
	s := strings.TrimSpace(line)
	if s == "" {
		return false
	}

	// Common book title formats (keep the very first title unindented).
	runes := []rune(s)
	last := runes[len(runes)-1]
	if len(runes) <= 80 && !strings.ContainsRune("。！？…", last) {
		if (strings.HasPrefix(s, "《") && strings.HasSuffix(s, "》")) ||
			(strings.HasPrefix(s, "【") && strings.HasSuffix(s, "】")) ||
			(strings.HasSuffix(s, "】") && strings.Contains(s, "【")) ||
			(strings.HasSuffix(s, "》") && strings.Contains(s, "《")) {
			return true
		}
	}

	// Common patterns: 第X章 / 序章 / 番外
	if chapterLikeRe.MatchString(line) {
		return true
	}

	// Short all-caps ASCII headings (rare in cn novels). Only lines with
	// ASCII letters and no CJK, to avoid misclassifying cn paragraphs.
	if len(runes) <= 40 && strings.ToUpper(s) == s && !hasCJK(s) {
		for _, r := range s {
			if r < 128 && ((r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
				return true
			}
		}
	}
	return false
}

const separatorChars = "-=*_—"

// IsSeparatorLine reports whether the line is a decorative divider.
func IsSeparatorLine(line string) bool {
	stripped := strings.TrimSpace(line)
	if stripped == "" {
		return false
	}
	runes := []rune(stripped)
	if len(runes) < 3 {
		return false
	}
	for _, r := range runes {
		if !strings.ContainsRune(separatorChars, r) {
			return false
		}
	}
	return true
}

var (
	ellipsisASCIIRe  = regexp.MustCompile(`\.{3,}`)
	ellipsisCNRe     = regexp.MustCompile(`[。．｡]{3,}`)
	ellipsisExcessRe = regexp.MustCompile(`…{3,}`)
	emDashRe         = regexp.MustCompile(`[-—]{2,}`)
	trailingSpacesRe = regexp.MustCompile(`[ \t]+\n`)
	blankLinesRe     = regexp.MustCompile(`\n{3,}`)
	leadingWSRe      = regexp.MustCompile(`^[\s　]+`)
)

// NormalizeNewlines rewrites CRLF/CR to LF.
func NormalizeNewlines(text string) string {
	if !strings.Contains(text, "\r") {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func addStat(stats map[string]int, key string, n int) {
	if n > 0 {
		stats[key] += n
	}
}

func subn(re *regexp.Regexp, repl, text string) (string, int) {
	n := 0
	out := re.ReplaceAllStringFunc(text, func(string) string {
		n++
		return repl
	})
	return out, n
}

// ApplyRules runs the deterministic text rules over a chunk and returns the
// fixed text plus per-rule hit counters.
func ApplyRules(text string, config models.FormatOptions) (string, map[string]int) {
	stats := make(map[string]int)

	if strings.Contains(text, "\r") {
		text = NormalizeNewlines(text)
		addStat(stats, "normalize_newlines", 1)
	}

	if config.TrimTrailingSpaces {
		var n int
		text, n = subn(trailingSpacesRe, "\n", text)
		addStat(stats, "trim_trailing_spaces", n)
	}

	if config.NormalizeBlankLines {
		var n int
		text, n = subn(blankLinesRe, "\n\n", text)
		addStat(stats, "normalize_blank_lines", n)
	}

	if config.NormalizeEllipsis {
		var n1, n2, n3 int
		text, n1 = subn(ellipsisASCIIRe, "……", text)
		text, n2 = subn(ellipsisCNRe, "……", text)
		text, n3 = subn(ellipsisExcessRe, "……", text)
		addStat(stats, "normalize_ellipsis", n1+n2+n3)
	}

	if config.NormalizeEmDash {
		// Chinese em dash commonly uses '——' (two U+2014).
		var n int
		text, n = subn(emDashRe, "——", text)
		addStat(stats, "normalize_em_dash", n)
	}

	if config.NormalizeCJKPunctuation {
		var n int
		text, n = normalizeCJKPunctuation(text)
		addStat(stats, "normalize_cjk_punctuation", n)
	}

	if config.FixCJKPunctuationSpacing {
		var n int
		text, n = fixCJKPunctSpacing(text)
		addStat(stats, "fix_cjk_punct_spacing", n)
	}

	if config.NormalizeQuotes {
		var n int
		text, n = normalizeQuotes(text)
		addStat(stats, "normalize_quotes", n)
	}

	if config.ParagraphIndent {
		var changed bool
		text, changed = normalizeParagraphIndent(text, config)
		if changed {
			addStat(stats, "paragraph_indent", 1)
		}
	}

	return text, stats
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

const closingPunct = `"“”'‘’)]】》」』`

// normalizeCJKPunctuation converts ASCII punctuation to fullwidth when in CJK
// context, avoiding decimals like 3.14 and grouped numbers like 1,000.
func normalizeCJKPunctuation(text string) (string, int) {
	runes := []rune(text)
	count := 0
	var b strings.Builder
	b.Grow(len(text))

	prev := func(i int) rune {
		if i > 0 {
			return runes[i-1]
		}
		return 0
	}
	next := func(i int) rune {
		if i+1 < len(runes) {
			return runes[i+1]
		}
		return 0
	}

	for i, r := range runes {
		out := r
		switch r {
		case '．', '。':
			// Fullwidth dot between digits goes back to ASCII (decimals).
			if r == '．' || r == '。' {
				if isDigit(prev(i)) && isDigit(next(i)) {
					out = '.'
				}
			}
		case '，':
			if isDigit(prev(i)) && isDigit(next(i)) {
				out = ','
			}
		case ',':
			if isDigit(prev(i)) || isDigit(next(i)) {
				break
			}
			if isCJK(prev(i)) || isCJK(next(i)) {
				out = '，'
			}
		case ';':
			if isCJK(prev(i)) {
				out = '；'
			}
		case ':':
			if isCJK(prev(i)) {
				out = '：'
			}
		case '?':
			if isCJK(prev(i)) {
				out = '？'
			}
		case '!':
			if isCJK(prev(i)) {
				out = '！'
			}
		case '.':
			if isCJK(prev(i)) {
				n := next(i)
				if n == 0 || n == '\n' || n == ' ' || n == '\t' || isCJK(n) || strings.ContainsRune(closingPunct, n) {
					out = '。'
				}
			}
		case '(':
			if isCJK(prev(i)) || isCJK(next(i)) {
				out = '（'
			}
		case ')':
			if isCJK(prev(i)) || isCJK(next(i)) {
				out = '）'
			}
		}
		if out != r {
			count++
		}
		b.WriteRune(out)
	}
	return b.String(), count
}

func isHalfOrFullPunct(r rune) bool {
	return strings.ContainsRune("，。！？；：、,.!?;:", r)
}

// fixCJKPunctSpacing removes spaces between CJK characters and punctuation.
func fixCJKPunctSpacing(text string) (string, int) {
	runes := []rune(text)
	count := 0
	out := make([]rune, 0, len(runes))

	i := 0
	for i < len(runes) {
		r := runes[i]
		if r == ' ' || r == '\t' {
			// Find the run of horizontal whitespace.
			j := i
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t') {
				j++
			}
			var before rune
			if len(out) > 0 {
				before = out[len(out)-1]
			}
			var after rune
			if j < len(runes) {
				after = runes[j]
			}
			drop := (isCJK(before) && isHalfOrFullPunct(after)) ||
				(isHalfOrFullPunct(before) && isCJK(after))
			if drop {
				count++
				i = j
				continue
			}
		}
		out = append(out, r)
		i++
	}
	return string(out), count
}

// normalizeQuotes converts straight double quotes to Chinese quotes in safe
// cases: only lines containing CJK, and only when the quote count is even.
func normalizeQuotes(text string) (string, int) {
	lines := strings.Split(text, "\n")
	changed := 0

	for i, line := range lines {
		if !strings.Contains(line, `"`) {
			continue
		}
		if !hasCJK(line) {
			continue
		}
		quoteCount := strings.Count(line, `"`)
		if quoteCount < 2 || quoteCount%2 != 0 {
			continue
		}

		var b strings.Builder
		open := true
		for _, ch := range line {
			if ch == '"' {
				if open {
					b.WriteRune('“')
				} else {
					b.WriteRune('”')
				}
				open = !open
			} else {
				b.WriteRune(ch)
			}
		}

		newLine := b.String()
		if newLine != line {
			lines[i] = newLine
			changed += quoteCount
		}
	}

	return strings.Join(lines, "\n"), changed
}

// normalizeParagraphIndent indents paragraph-start lines and strips stray
// leading whitespace from mid-paragraph lines. Titles and separators stay
// left-aligned.
func normalizeParagraphIndent(text string, config models.FormatOptions) (string, bool) {
	indent := "  "
	if config.IndentWithFullwidthSpace {
		indent = fullwidthSpace + fullwidthSpace
	}

	lines := strings.Split(text, "\n")
	changed := false

	for i, line := range lines {
		if line == "" {
			continue
		}

		if IsChapterTitle(line) {
			newLine := leadingWSRe.ReplaceAllString(line, "")
			if newLine != line {
				lines[i] = newLine
				changed = true
			}
			continue
		}

		if IsSeparatorLine(line) {
			continue
		}

		// Only indent at paragraph start (first line or after blank line).
		isParaStart := i == 0 || strings.TrimSpace(lines[i-1]) == ""

		if isParaStart {
			if strings.HasPrefix(line, indent) {
				continue
			}
			newLine := leadingWSRe.ReplaceAllString(line, "")
			// Avoid indenting very short non-paragraph lines.
			if newLine != "" && len([]rune(newLine)) >= 2 {
				newLine = indent + newLine
				if newLine != line {
					lines[i] = newLine
					changed = true
				}
			}
		} else {
			newLine := leadingWSRe.ReplaceAllString(line, "")
			if newLine != line {
				lines[i] = newLine
				changed = true
			}
		}
	}

	return strings.Join(lines, "\n"), changed
}

// MergeStats accumulates src counters into dst.
func MergeStats(dst, src map[string]int) {
	for k, v := range src {
		dst[k] += v
	}
}
