package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/tenantbot/internal/retrieval"
)

const defaultMaxContextTokens = 3000

// Composer assembles the retrieval-augmented prompt sent to the LLM: the
// numbered context chunks, the literal user message, and the answering
// rules including the JSON reply format.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (3000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose builds the prompt for one user message. chunks are expected most
// similar first; when the token budget runs out the least similar ones are
// dropped.
func (c *Composer) Compose(chunks []retrieval.ScoredChunk, message string) string {
	var sb strings.Builder

	sb.WriteString("You are a customer support assistant. Answer the user's message using only the context below.\n\n")

	sb.WriteString("[Context]\n")
	selected := c.selectChunks(chunks)
	if len(selected) == 0 {
		sb.WriteString("(no context available)\n")
	}
	for i, ch := range selected {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.TrimSpace(ch.Content))
	}

	sb.WriteString("\n[User Message]\n")
	sb.WriteString(message)
	sb.WriteString("\n\n")

	sb.WriteString(instructions)
	return sb.String()
}

const instructions = `[Instructions]
1. Detect the language of the user message.
2. Classify the intent of the message (for example: greeting, question, complaint, order_status, general).
3. Answer only from the context above. If the context does not contain the answer, politely say that you do not know.
4. Reply in the detected language.
5. Respond with a single JSON object and nothing else:
{"language": "<detected language>", "intent": "<intent>", "response": "<your reply>"}
`

func (c *Composer) selectChunks(chunks []retrieval.ScoredChunk) []retrieval.ScoredChunk {
	remaining := c.MaxContextTokens
	var out []retrieval.ScoredChunk
	for _, ch := range chunks {
		if strings.TrimSpace(ch.Content) == "" {
			continue
		}
		tokens := EstimateTokens(ch.Content)
		if tokens > remaining {
			break
		}
		out = append(out, ch)
		remaining -= tokens
	}
	return out
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
