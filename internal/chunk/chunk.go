// Package chunk splits normalized document text into overlapping windows.
package chunk

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrInvalidWindow = errors.New("invalid chunk window")

// Chunk is one window of the source text. StartChar and EndChar are rune
// offsets into the text, end exclusive.
type Chunk struct {
	Index     int
	Text      string
	StartChar int
	EndChar   int
}

// Split slides a window of size runes over text, advancing by size-overlap.
// Each window after the first repeats the last overlap runes of the
// previous one; the final window ends at the end of the text.
func Split(text string, size, overlap int) ([]Chunk, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidWindow, size, overlap)
	}
	if text == "" {
		return []Chunk{}, nil
	}

	// byteAt[i] is the byte offset of rune i; the extra entry marks the end.
	n := utf8.RuneCountInString(text)
	byteAt := make([]int, 0, n+1)
	for i := range text {
		byteAt = append(byteAt, i)
	}
	byteAt = append(byteAt, len(text))

	step := size - overlap
	chunks := make([]Chunk, 0, (n+step-1)/step)
	for start := 0; ; start += step {
		end := min(start+size, n)
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Text:      text[byteAt[start]:byteAt[end]],
			StartChar: start,
			EndChar:   end,
		})
		if end == n {
			break
		}
	}
	return chunks, nil
}
