// Package app owns the top-level application state: the session store, the
// index manager, the chat client, and the per-session stop tokens for
// in-flight questions. All user-facing operations go through App.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zh-he/docqa/internal/answerer"
	"github.com/zh-he/docqa/internal/chunker"
	"github.com/zh-he/docqa/internal/config"
	"github.com/zh-he/docqa/internal/index"
	"github.com/zh-he/docqa/internal/llm"
	"github.com/zh-he/docqa/internal/loader"
	"github.com/zh-he/docqa/internal/session"
)

// App is the single owner of all mutable application state. Session state
// is held in explicit maps keyed by session id; nothing is ambient.
type App struct {
	cfg      config.Config
	sessions *session.Store
	indexes  *index.Manager
	client   llm.Client
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*answerer.StopToken
}

// New assembles an App from its already-constructed dependencies.
func New(cfg config.Config, sessions *session.Store, indexes *index.Manager, client llm.Client) *App {
	return &App{
		cfg:      cfg,
		sessions: sessions,
		indexes:  indexes,
		client:   client,
		logger:   slog.Default(),
		inflight: make(map[string]*answerer.StopToken),
	}
}

// Sessions exposes session CRUD to the surface layers.

func (a *App) ListSessions() []string {
	return a.sessions.List()
}

func (a *App) CreateSession(id string) error {
	return a.sessions.Create(id)
}

func (a *App) DeleteSession(id string) error {
	return a.sessions.Delete(id)
}

func (a *App) History(id string) ([]session.Turn, error) {
	return a.sessions.LoadHistory(id)
}

// IngestFile loads the document at path, chunks it, and adds it to the
// index serving the session. name is kept as provenance on every chunk.
// Returns the number of chunks indexed.
func (a *App) IngestFile(ctx context.Context, sessionID, name, path string) (int, error) {
	text, err := loader.Load(path)
	if err != nil {
		return 0, err
	}

	chunks, err := chunker.Split(text, a.cfg.Chunking.MaxSize, a.cfg.Chunking.Overlap)
	if err != nil {
		return 0, err
	}

	idx, err := a.indexes.For(sessionID)
	if err != nil {
		return 0, fmt.Errorf("opening index: %w", err)
	}
	if err := idx.Add(ctx, name, chunks); err != nil {
		return 0, err
	}

	a.logger.Info("document indexed", "session", sessionID, "document", name, "chunks", len(chunks))
	return len(chunks), nil
}

// Ask answers a question within a session. The user turn is persisted
// before generation starts and the assistant turn after it finishes, so a
// crash mid-generation never loses the question. A fresh stop token is
// registered for the session while generation is in flight; Cancel sets it.
func (a *App) Ask(ctx context.Context, sessionID, question string) (answerer.Result, error) {
	history, err := a.sessions.LoadHistory(sessionID)
	if err != nil {
		return answerer.Result{}, fmt.Errorf("loading history: %w", err)
	}

	if err := a.sessions.Append(sessionID, session.Turn{Role: session.RoleUser, Content: question}); err != nil {
		return answerer.Result{}, fmt.Errorf("saving question: %w", err)
	}

	token := answerer.NewStopToken()
	a.mu.Lock()
	a.inflight[sessionID] = token
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.inflight[sessionID] == token {
			delete(a.inflight, sessionID)
		}
		a.mu.Unlock()
	}()

	idx, err := a.indexes.For(sessionID)
	if err != nil {
		// A broken index must not take question answering down with it.
		a.logger.Warn("index unavailable, answering without documents", "session", sessionID, "error", err)
		idx = nil
	}

	ans := answerer.New(retrieverOrNil(idx), a.client, answerer.Config{
		TopK:            a.cfg.Retrieval.TopK,
		PollCheckpoints: a.cfg.Generation.PollCheckpoints,
		PollInterval:    time.Duration(a.cfg.Generation.PollIntervalMS) * time.Millisecond,
	})

	result := ans.Answer(ctx, question, turnsToMessages(history), token)

	if err := a.sessions.Append(sessionID, session.Turn{Role: session.RoleAssistant, Content: result.Text}); err != nil {
		return result, fmt.Errorf("saving answer: %w", err)
	}
	return result, nil
}

// Search runs retrieval directly against the session's index, with no
// answer synthesis. Used by the tool surface.
func (a *App) Search(ctx context.Context, sessionID, query string, k int) ([]index.Chunk, error) {
	if k <= 0 {
		k = a.cfg.Retrieval.TopK
	}
	idx, err := a.indexes.For(sessionID)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	return idx.Retrieve(ctx, query, k)
}

// Cancel requests cancellation of the session's in-flight question.
// It reports whether a question was actually in flight.
func (a *App) Cancel(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	token, ok := a.inflight[sessionID]
	if ok {
		token.Stop()
	}
	return ok
}

// retrieverOrNil avoids storing a typed nil in the Retriever interface.
func retrieverOrNil(idx *index.Index) answerer.Retriever {
	if idx == nil {
		return nil
	}
	return idx
}

func turnsToMessages(turns []session.Turn) []llm.Message {
	messages := make([]llm.Message, len(turns))
	for i, t := range turns {
		messages[i] = llm.Message{Role: t.Role, Content: t.Content}
	}
	return messages
}
