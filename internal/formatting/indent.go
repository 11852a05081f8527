package formatting

import (
	"bufio"
	"io"
	"strings"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// StreamParagraphIndent re-applies the paragraph indent rule over a merged
// manuscript, line by line, without loading the whole file:
//
//   - paragraph-start lines (preceded by a blank line or start-of-file) get
//     the two-space indent unless already indented;
//   - mid-paragraph lines lose any leading whitespace;
//   - chapter titles and separator lines stay left-aligned.
//
// When ParagraphIndent is disabled the input is copied through unchanged.
func StreamParagraphIndent(r io.Reader, w io.Writer, opts models.FormatOptions) error {
	if !opts.ParagraphIndent {
		_, err := io.Copy(w, r)
		return err
	}

	indent := "  "
	if opts.IndentWithFullwidthSpace {
		indent = fullwidthSpace + fullwidthSpace
	}

	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	prevBlank := true // start-of-file counts as a paragraph boundary

	for {
		line, err := br.ReadString('\n')
		if line != "" {
			hadNewline := strings.HasSuffix(line, "\n")
			body := strings.TrimSuffix(line, "\n")

			switch {
			case strings.TrimSpace(body) == "":
				prevBlank = true
			case IsChapterTitle(body):
				body = leadingWSRe.ReplaceAllString(body, "")
				prevBlank = false
			case IsSeparatorLine(body):
				prevBlank = false
			case prevBlank:
				if !strings.HasPrefix(body, indent) {
					stripped := leadingWSRe.ReplaceAllString(body, "")
					if stripped != "" && len([]rune(stripped)) >= 2 {
						body = indent + stripped
					}
				}
				prevBlank = false
			default:
				body = leadingWSRe.ReplaceAllString(body, "")
				prevBlank = false
			}

			if _, werr := bw.WriteString(body); werr != nil {
				return werr
			}
			if hadNewline {
				if werr := bw.WriteByte('\n'); werr != nil {
					return werr
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}
