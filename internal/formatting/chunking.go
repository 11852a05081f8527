package formatting

import (
	"bufio"
	"io"
	"strings"
	"unicode/utf8"
)

// chunkBuffer accumulates lines until the character budget is exceeded,
// preferring to break at the most recent blank line (paragraph boundary).
type chunkBuffer struct {
	lines        []string
	size         int
	lastBlankIdx int // -1 when no blank line is buffered
}

func newChunkBuffer() *chunkBuffer {
	return &chunkBuffer{lastBlankIdx: -1}
}

func (b *chunkBuffer) push(line string) {
	b.lines = append(b.lines, line)
	b.size += utf8.RuneCountInString(line)
	if strings.TrimSpace(line) == "" {
		b.lastBlankIdx = len(b.lines) - 1
	}
}

// flushAll drains the whole buffer into one chunk.
func (b *chunkBuffer) flushAll() (string, bool) {
	if len(b.lines) == 0 {
		return "", false
	}
	chunk := strings.Join(b.lines, "")
	b.lines = b.lines[:0]
	b.size = 0
	b.lastBlankIdx = -1
	return chunk, true
}

// flushUpto emits lines[0..end] as a chunk and keeps the tail buffered.
func (b *chunkBuffer) flushUpto(end int) (string, bool) {
	if end < 0 || end >= len(b.lines) {
		return b.flushAll()
	}
	chunk := strings.Join(b.lines[:end+1], "")
	tail := append([]string(nil), b.lines[end+1:]...)
	b.lines = tail
	b.size = 0
	for _, l := range tail {
		b.size += utf8.RuneCountInString(l)
	}
	if b.lastBlankIdx <= end {
		b.lastBlankIdx = -1
	} else {
		b.lastBlankIdx -= end + 1
	}
	return chunk, chunk != ""
}

// IterChunksByLines streams newline-delimited text from r into chunks bounded
// by a character budget, preferring blank-line boundaries. The first chunk may
// use a larger budget so front-matter stays intact. Chunk boundaries are a
// deterministic function of the input and the two budgets.
//
// emit is called once per chunk in order; a non-nil error aborts the scan.
func IterChunksByLines(r io.Reader, maxChars, firstChunkMaxChars int, emit func(chunk string) error) error {
	if maxChars <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return emit(string(data))
	}

	budget := maxChars
	if firstChunkMaxChars > maxChars {
		budget = firstChunkMaxChars
	}
	firstEmitted := false

	send := func(chunk string) error {
		if !firstEmitted {
			firstEmitted = true
			budget = maxChars
		}
		return emit(chunk)
	}

	buf := newChunkBuffer()
	sawAnyLine := false

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			sawAnyLine = true

			if len(buf.lines) > 0 && buf.size+utf8.RuneCountInString(line) > budget {
				// Prefer breaking at the last blank line (paragraph boundary).
				var chunk string
				var ok bool
				if buf.lastBlankIdx >= 0 {
					chunk, ok = buf.flushUpto(buf.lastBlankIdx)
				} else {
					chunk, ok = buf.flushAll()
				}
				if ok {
					if e := send(chunk); e != nil {
						return e
					}
				}
			}

			buf.push(line)

			// Already over budget: flush at the boundary as soon as one exists.
			if buf.size >= budget && buf.lastBlankIdx >= 0 {
				if chunk, ok := buf.flushUpto(buf.lastBlankIdx); ok {
					if e := send(chunk); e != nil {
						return e
					}
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

	if !sawAnyLine {
		return emit("")
	}

	if chunk, ok := buf.flushAll(); ok {
		return send(chunk)
	}
	return nil
}

// ChunkByLines splits text into chunks with a single budget.
func ChunkByLines(text string, maxChars int) []string {
	return ChunkByLinesWithFirstChunkMax(text, maxChars, 0)
}

// ChunkByLinesWithFirstChunkMax splits text allowing a larger first chunk.
func ChunkByLinesWithFirstChunkMax(text string, maxChars, firstChunkMaxChars int) []string {
	var chunks []string
	// strings.Reader never fails, and emit never returns an error here.
	_ = IterChunksByLines(strings.NewReader(text), maxChars, firstChunkMaxChars, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	return chunks
}
