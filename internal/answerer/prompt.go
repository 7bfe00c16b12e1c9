package answerer

import (
	"fmt"
	"strings"

	"github.com/zh-he/docqa/internal/index"
	"github.com/zh-he/docqa/internal/llm"
)

const groundedSystemPrompt = `You are a helpful assistant answering questions about the user's documents.
Answer using only the retrieved document excerpts below. If they do not
contain the answer, say so instead of guessing.`

const fallbackSystemPrompt = `You are a helpful assistant. Answer the following question based solely on
your training data. Please don't make up any contents.`

// buildGroundedMessages assembles the model input for the grounded variant:
// a system message carrying the retrieved excerpts, the prior conversation,
// and the question.
func buildGroundedMessages(chunks []index.Chunk, history []llm.Message, question string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(groundedSystemPrompt)
	sb.WriteString("\n\n[Retrieved Context]\n")
	for _, ch := range chunks {
		sb.WriteString(formatChunk(ch))
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: sb.String()})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})
	return messages
}

// buildFallbackMessages assembles the model input for the fallback variant:
// no retrieved context, just the prior conversation and the question.
func buildFallbackMessages(history []llm.Message, question string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: fallbackSystemPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})
	return messages
}

func formatChunk(ch index.Chunk) string {
	return fmt.Sprintf("(Score: %.2f, Source: %s)\n%s\n\n", ch.Score, ch.Document, ch.Text)
}
