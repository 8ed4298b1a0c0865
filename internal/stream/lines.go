package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"kbchat/internal/core"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// LineBuffer accumulates raw body chunks and yields complete lines. Chunk
// boundaries may fall anywhere, including inside a multi-byte rune or between
// "\r" and "\n"; the trailing partial line stays buffered for the next chunk.
type LineBuffer struct {
	pending []byte
}

// Feed appends chunk and returns every line it completed, without terminators.
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.pending = append(b.pending, chunk...)

	var lines []string
	rest := b.pending
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(string(rest[:idx]), "\r"))
		rest = rest[idx+1:]
	}
	if len(lines) > 0 {
		b.pending = append([]byte(nil), rest...)
	}
	return lines
}

// Flush returns the unterminated tail and empties the buffer.
func (b *LineBuffer) Flush() string {
	tail := strings.TrimSuffix(string(b.pending), "\r")
	b.pending = nil
	return tail
}

// ParseLine decodes one `data:` line. Keep-alive comments, blank lines, other
// SSE fields and malformed JSON report ok=false.
func ParseLine(line string) (core.ProgressEvent, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, dataPrefix) {
		return core.ProgressEvent{}, false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, dataPrefix))
	switch payload {
	case "":
		return core.ProgressEvent{}, false
	case doneSentinel:
		return core.ProgressEvent{Done: true}, true
	}

	var ev core.ProgressEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return core.ProgressEvent{}, false
	}
	return ev, true
}
