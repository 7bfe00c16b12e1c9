package index

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Index scopes. A global index is shared by every session; a per-session
// deployment keeps one index per session id.
const (
	ScopeGlobal  = "global"
	ScopeSession = "session"
)

// Manager resolves a session id to the index that serves it, creating and
// caching one Index per database path. The scope is a deployment choice,
// not a per-request one.
type Manager struct {
	baseDir  string
	scope    string
	embedder Embedder
	opts     Options

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewManager creates a Manager storing index databases under baseDir.
// scope must be ScopeGlobal or ScopeSession.
func NewManager(baseDir, scope string, embedder Embedder, opts Options) (*Manager, error) {
	if scope != ScopeGlobal && scope != ScopeSession {
		return nil, fmt.Errorf("unknown index scope %q", scope)
	}
	return &Manager{
		baseDir:  baseDir,
		scope:    scope,
		embedder: embedder,
		opts:     opts,
		indexes:  make(map[string]*Index),
	}, nil
}

// For returns the index serving the given session, opening it on first use.
func (m *Manager) For(sessionID string) (*Index, error) {
	path := m.pathFor(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.indexes[path]; ok {
		return idx, nil
	}
	idx, err := Open(path, m.embedder, m.opts)
	if err != nil {
		return nil, err
	}
	m.indexes[path] = idx
	return idx, nil
}

func (m *Manager) pathFor(sessionID string) string {
	if m.scope == ScopeSession {
		return filepath.Join(m.baseDir, "sessions", sessionID+".db")
	}
	return filepath.Join(m.baseDir, "global.db")
}

// Close closes every opened index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for path, idx := range m.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing index %s: %w", path, err)
		}
		delete(m.indexes, path)
	}
	return firstErr
}
