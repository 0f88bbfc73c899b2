package generation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/kalambet/kbchat/internal/ollama"
	"github.com/kalambet/kbchat/internal/proxy"
)

// Framing names the wire format a provider streams tokens in.
type Framing int

const (
	// FramingNDJSON is one JSON object per line, as served by Ollama.
	FramingNDJSON Framing = iota
	// FramingSSE is server-sent events carrying OpenAI-style chunks.
	FramingSSE
)

func (f Framing) String() string {
	switch f {
	case FramingNDJSON:
		return "ndjson"
	case FramingSSE:
		return "sse"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// tokenEvent is one decoded unit of a provider stream. usage is only
// meaningful on the final event and is zero when the provider reports none.
type tokenEvent struct {
	text  string
	done  bool
	usage int
}

// tokenReader turns a provider's response body into token events.
type tokenReader interface {
	next() (tokenEvent, error)
}

const maxLineBytes = 1 << 20

func newTokenReader(f Framing, r io.Reader) (tokenReader, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	switch f {
	case FramingNDJSON:
		return &ndjsonReader{sc: sc}, nil
	case FramingSSE:
		return &sseReader{sc: sc}, nil
	default:
		return nil, fmt.Errorf("unsupported framing %s", f)
	}
}

// scanErr reports why a scanner stopped before the stream said it was done.
func scanErr(sc *bufio.Scanner) error {
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

type ndjsonReader struct {
	sc *bufio.Scanner
}

func (r *ndjsonReader) next() (tokenEvent, error) {
	for r.sc.Scan() {
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollama.ChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return tokenEvent{}, fmt.Errorf("decoding stream line: %w", err)
		}
		if chunk.Error != "" {
			return tokenEvent{}, errors.New(chunk.Error)
		}
		ev := tokenEvent{text: chunk.Message.Content, done: chunk.Done}
		if chunk.Done {
			ev.usage = chunk.Tokens()
		}
		return ev, nil
	}
	return tokenEvent{}, scanErr(r.sc)
}

type sseReader struct {
	sc    *bufio.Scanner
	usage int
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

func (r *sseReader) next() (tokenEvent, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		// Comments, event names and blank separators carry no tokens.
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(data, doneMarker) {
			return tokenEvent{done: true, usage: r.usage}, nil
		}
		var chunk proxy.StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return tokenEvent{}, fmt.Errorf("decoding stream event: %w", err)
		}
		if chunk.Error != nil {
			return tokenEvent{}, errors.New(chunk.Error.Message)
		}
		if chunk.Usage != nil {
			r.usage = chunk.Usage.TotalTokens
		}
		var ev tokenEvent
		for _, c := range chunk.Choices {
			ev.text += c.Delta.Content
		}
		if ev.text == "" {
			continue
		}
		return ev, nil
	}
	return tokenEvent{}, scanErr(r.sc)
}
