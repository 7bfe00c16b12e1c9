// Package llm abstracts the chat-completion backend used for answer
// generation. Implementations exist for OpenAI-compatible APIs (including
// DeepSeek) and a local Ollama instance.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message sent to or received from the model.
type Message struct {
	Role    string
	Content string
}

// Client generates a completion for an ordered message sequence.
// All transport, auth, and quota failures surface as a single error;
// callers convert it to a user-visible message at the boundary.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
