package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_Window(t *testing.T) {
	text := strings.Repeat("abcdefghij", 6) + "klmnopqr" // 68 runes
	chunks, err := Split(text, 50, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, Chunk{Index: 0, Text: text[:50], StartChar: 0, EndChar: 50}, chunks[0])
	assert.Equal(t, Chunk{Index: 1, Text: text[40:], StartChar: 40, EndChar: 68}, chunks[1])
}

func TestSplit_OverlapInvariant(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps. ", 40)
	const size, overlap = 100, 20
	chunks, err := Split(text, size, overlap)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, text[c.StartChar:c.EndChar], c.Text)
		if i < len(chunks)-1 {
			assert.Equal(t, size, c.EndChar-c.StartChar)
			next := chunks[i+1]
			assert.Equal(t, c.EndChar-overlap, next.StartChar)
			assert.Equal(t, c.Text[size-overlap:], next.Text[:overlap])
		}
	}
	assert.Equal(t, len(text), chunks[len(chunks)-1].EndChar)
}

func TestSplit_EdgeCases(t *testing.T) {
	chunks, err := Split("", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = Split("short", 10, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, Chunk{Index: 0, Text: "short", StartChar: 0, EndChar: 5}, chunks[0])

	chunks, err = Split("exactly10!", 10, 2)
	require.NoError(t, err)
	assert.Len(t, chunks, 1, "text equal to size is one chunk")

	chunks, err = Split("abcdef", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab", "cd", "ef"}, texts(chunks))
}

func TestSplit_RuneOffsets(t *testing.T) {
	text := "héllo wörld ünïcode"
	chunks, err := Split(text, 8, 3)
	require.NoError(t, err)

	runes := []rune(text)
	for _, c := range chunks {
		assert.Equal(t, string(runes[c.StartChar:c.EndChar]), c.Text)
	}
	assert.Equal(t, len(runes), chunks[len(chunks)-1].EndChar)
}

func TestSplit_InvalidWindow(t *testing.T) {
	for _, tc := range []struct{ size, overlap int }{{10, 10}, {10, 11}, {0, 0}, {-1, 0}, {10, -1}} {
		_, err := Split("text", tc.size, tc.overlap)
		assert.ErrorIs(t, err, ErrInvalidWindow, "size=%d overlap=%d", tc.size, tc.overlap)
	}
}

func texts(cs []Chunk) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Text
	}
	return out
}
