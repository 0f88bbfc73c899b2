// Package composer builds the grounded message list sent to a generation
// provider.
package composer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/kbchat/internal/generation"
	"github.com/kalambet/kbchat/internal/retrieval"
)

const (
	defaultMaxContextTokens = 4000
	defaultMaxHistory       = 20
)

const groundedInstruction = `You are a helpful assistant answering questions about the user's documents.
Answer using only the information in the context below. If the context does not contain the answer, say that you could not find it in the documents. Cite sources by their file name when you use them.`

const ungroundedInstruction = `You are a helpful assistant answering questions about the user's documents.
No document matched this question. Say so briefly before answering from general knowledge, and do not invent document contents.`

// Composer assembles prompts from retrieved chunks, prior conversation turns
// and the user's query.
type Composer struct {
	MaxContextTokens int
	// MaxHistory caps how many prior messages are replayed, newest kept.
	MaxHistory int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens, MaxHistory: defaultMaxHistory}
}

// Compose returns the system instruction with the retrieved context in
// ranked order, followed by the prior turns and the user's query. Chunks
// that would overflow the context budget are skipped; later, smaller ones
// may still fit. With no chunks the instruction tells the model no document
// matched.
func (c *Composer) Compose(query string, history []generation.Message, chunks []retrieval.Result) []generation.Message {
	msgs := make([]generation.Message, 0, len(history)+2)
	msgs = append(msgs, generation.Message{Role: generation.RoleSystem, Content: c.systemPrompt(chunks)})

	if c.MaxHistory > 0 && len(history) > c.MaxHistory {
		history = history[len(history)-c.MaxHistory:]
	}
	for _, m := range history {
		if m.Content == "" || m.Role == generation.RoleSystem {
			continue
		}
		msgs = append(msgs, m)
	}

	return append(msgs, generation.Message{Role: generation.RoleUser, Content: query})
}

func (c *Composer) systemPrompt(chunks []retrieval.Result) string {
	entries := c.selectChunks(chunks)
	if len(entries) == 0 {
		return ungroundedInstruction
	}

	var sb strings.Builder
	sb.WriteString(groundedInstruction)
	sb.WriteString("\n\n[Context]\n")
	for _, e := range entries {
		sb.WriteString(e)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (c *Composer) selectChunks(chunks []retrieval.Result) []string {
	remaining := c.MaxContextTokens - EstimateTokens(groundedInstruction)
	var out []string
	for i, ch := range chunks {
		entry := formatChunk(i+1, ch)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		out = append(out, entry)
		remaining -= tokens
	}
	return out
}

func formatChunk(n int, ch retrieval.Result) string {
	source := ch.FileName
	if source == "" {
		source = ch.DocumentID
	}
	return fmt.Sprintf("[%d] (source: %s, chunk %d, similarity %.2f)\n%s\n\n", n, source, ch.ChunkIndex, ch.Similarity, ch.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return generation.EstimateTokens(utf8.RuneCountInString(text))
}
