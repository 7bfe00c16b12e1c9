// Package answerer orchestrates retrieval-augmented answer generation:
// retrieve grounding chunks, poll for cancellation, ask the model, and fall
// back to ungrounded answering when the documents have nothing relevant.
package answerer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/zh-he/docqa/internal/index"
	"github.com/zh-he/docqa/internal/llm"
)

// Fixed user-visible strings. Cancellation is a normal terminal outcome,
// not an error; model failures surface as the apology, never as a crash.
const (
	CancelledAnswer  = "Answer generation stopped."
	ApologyAnswer    = "Sorry, I was unable to generate an answer."
	UngroundedNotice = "No relevant information was found in the documents; answering from general knowledge:\n\n"
)

// Retriever finds grounding chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]index.Chunk, error)
}

// Config tunes retrieval depth and the cancellation poll window.
type Config struct {
	// TopK is the number of chunks requested from the retriever (default 5).
	TopK int
	// PollCheckpoints is how many times the stop token is checked before
	// the model call is issued (default 3).
	PollCheckpoints int
	// PollInterval is the pacing between checkpoints (default 1s).
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.PollCheckpoints <= 0 {
		c.PollCheckpoints = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Result is the terminal outcome of one question.
type Result struct {
	Text      string        `json:"answer"`
	Sources   []index.Chunk `json:"sources,omitempty"`
	Grounded  bool          `json:"grounded"`
	Cancelled bool          `json:"cancelled"`
}

// Answerer answers questions over an index-backed retriever. A nil
// retriever means no index exists yet; every question then takes the
// fallback path.
type Answerer struct {
	retriever Retriever
	client    llm.Client
	cfg       Config
	logger    *slog.Logger
}

// New creates an Answerer. retriever may be nil.
func New(retriever Retriever, client llm.Client, cfg Config) *Answerer {
	return &Answerer{
		retriever: retriever,
		client:    client,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
	}
}

// variant is the explicit tagged form of an answer generator: grounded
// (with retrieved context) or fallback (model knowledge only). Selection is
// structural, never by capability probing.
type variant interface {
	generate(ctx context.Context, question string, history []llm.Message) (string, error)
}

type groundedVariant struct {
	client llm.Client
	chunks []index.Chunk
}

func (v groundedVariant) generate(ctx context.Context, question string, history []llm.Message) (string, error) {
	return v.client.Chat(ctx, buildGroundedMessages(v.chunks, history, question))
}

type fallbackVariant struct {
	client llm.Client
}

func (v fallbackVariant) generate(ctx context.Context, question string, history []llm.Message) (string, error) {
	return v.client.Chat(ctx, buildFallbackMessages(history, question))
}

// Answer runs the full state machine for one question: retrieve, poll for
// cancellation, generate, and fall back when the grounded path produced
// nothing usable. history is the prior conversation, oldest first.
func (a *Answerer) Answer(ctx context.Context, question string, history []llm.Message, token *StopToken) Result {
	// Retrieval always succeeds, possibly with zero chunks: a retrieval
	// error degrades to the fallback path instead of failing the question.
	var chunks []index.Chunk
	if a.retriever != nil {
		retrieved, err := a.retriever.Retrieve(ctx, question, a.cfg.TopK)
		if err != nil {
			a.logger.Warn("retrieval failed, answering without grounding", "error", err)
		} else {
			chunks = retrieved
		}
	}

	if len(chunks) > 0 {
		result, terminal := a.generate(ctx, groundedVariant{client: a.client, chunks: chunks}, question, history, token)
		if terminal {
			return result
		}
		// An empty grounded answer triggers fallback just like empty
		// retrieval does.
		if strings.TrimSpace(result.Text) != "" {
			result.Sources = chunks
			result.Grounded = true
			return result
		}
		a.logger.Warn("grounded answer was empty, falling back", "chunks", len(chunks))
	}

	result, terminal := a.generate(ctx, fallbackVariant{client: a.client}, question, history, token)
	if !terminal {
		result.Text = UngroundedNotice + result.Text
	}
	return result
}

// generate polls the stop token at fixed checkpoints and only then issues
// the model call. Once the call is in flight it is not preempted. The
// second return is true for terminal outcomes (cancelled, model failure)
// that must be returned to the caller as-is.
func (a *Answerer) generate(ctx context.Context, v variant, question string, history []llm.Message, token *StopToken) (Result, bool) {
	if pollForStop(ctx, token, a.cfg.PollCheckpoints, a.cfg.PollInterval) {
		return Result{Text: CancelledAnswer, Cancelled: true}, true
	}

	answer, err := v.generate(ctx, question, history)
	if err != nil {
		a.logger.Error("model call failed", "error", err)
		return Result{Text: ApologyAnswer}, true
	}
	return Result{Text: answer}, false
}
