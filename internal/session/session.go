// Package session persists named conversation sessions and their ordered
// message histories as JSON files.
//
// Layout under the store directory:
//
//	sessions.json          JSON array of session ids
//	sessions/<id>.json     JSON array of [role, content] pairs
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Roles of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrDuplicateSession is returned by Create when the id already exists.
var ErrDuplicateSession = errors.New("session already exists")

// Turn is one immutable (role, content) entry of a conversation history.
// It serializes as a 2-element JSON array to stay compatible with the
// on-disk history format.
type Turn struct {
	Role    string
	Content string
}

func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{t.Role, t.Content})
}

func (t *Turn) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	t.Role, t.Content = pair[0], pair[1]
	return nil
}

// Store manages the persisted session index and per-session histories.
// All mutations persist before returning, so the in-memory state and the
// on-disk files never diverge.
type Store struct {
	dir    string
	logger *slog.Logger

	mu        sync.Mutex
	sessions  []string
	histories map[string][]Turn
}

// Open loads (or initializes) a session store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		logger:    slog.Default(),
		histories: make(map[string][]Turn),
	}

	data, err := os.ReadFile(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session index: %w", err)
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		s.logger.Warn("session index is not valid JSON, starting empty", "path", s.indexPath(), "error", err)
		s.sessions = nil
	}
	return s, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "sessions.json")
}

func (s *Store) historyPath(id string) string {
	return filepath.Join(s.dir, "sessions", id+".json")
}

// List returns all session ids in creation order.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// Exists reports whether the session id is present in the index.
func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contains(id)
}

func (s *Store) contains(id string) bool {
	for _, existing := range s.sessions {
		if existing == id {
			return true
		}
	}
	return false
}

// Create registers a new session with an empty history.
// Returns ErrDuplicateSession if the id is already taken.
func (s *Store) Create(id string) error {
	if id == "" {
		return fmt.Errorf("session id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.contains(id) {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	s.sessions = append(s.sessions, id)
	if err := s.saveIndex(); err != nil {
		s.sessions = s.sessions[:len(s.sessions)-1]
		return err
	}
	s.histories[id] = nil
	return nil
}

// Delete removes the session's history file and its index entry.
// Deleting a nonexistent session is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.historyPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing history file: %w", err)
	}
	delete(s.histories, id)

	for i, existing := range s.sessions {
		if existing == id {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			return s.saveIndex()
		}
	}
	return nil
}

// LoadHistory returns the ordered turn history of a session. A missing or
// empty history file yields an empty history; a corrupt file is treated as
// empty and logged as a warning, never an error.
func (s *Store) LoadHistory(id string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.loadHistoryLocked(id)
	if err != nil {
		return nil, err
	}
	out := make([]Turn, len(history))
	copy(out, history)
	return out, nil
}

// loadHistoryLocked reads a session's history into the cache if it isn't
// there yet. Callers must hold s.mu.
func (s *Store) loadHistoryLocked(id string) ([]Turn, error) {
	if history, ok := s.histories[id]; ok {
		return history, nil
	}

	data, err := os.ReadFile(s.historyPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var history []Turn
	if err := json.Unmarshal(data, &history); err != nil {
		s.logger.Warn("history file is not valid JSON, treating as empty", "session", id, "error", err)
		return nil, nil
	}

	s.histories[id] = history
	return history, nil
}

// Append adds a turn to the session's history and immediately rewrites the
// full history file, so the on-disk state reflects the latest in-memory
// state when it returns. The session is created lazily if unknown.
func (s *Store) Append(id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, err := s.loadHistoryLocked(id)
	if err != nil {
		return err
	}
	history := append(prior, turn)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	if err := atomicWrite(s.historyPath(id), data); err != nil {
		return fmt.Errorf("writing history file: %w", err)
	}

	s.histories[id] = history
	if !s.contains(id) {
		s.sessions = append(s.sessions, id)
		return s.saveIndex()
	}
	return nil
}

// saveIndex persists the session id list. Callers must hold s.mu.
func (s *Store) saveIndex() error {
	ids := s.sessions
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding session index: %w", err)
	}
	if err := atomicWrite(s.indexPath(), data); err != nil {
		return fmt.Errorf("writing session index: %w", err)
	}
	return nil
}

// atomicWrite writes data to a temp file in the target directory and renames
// it into place, shrinking the window for partial-write corruption.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
