// Package index embeds document chunks and retrieves them by semantic
// similarity. Each index is persisted as one SQLite database file; the
// index is append-only for the life of a process.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrNoVectors is returned when embedding a nonempty chunk set produced no
// vectors. The index is left unchanged.
var ErrNoVectors = errors.New("embedding produced no vectors")

// Chunk is a retrieved document fragment with its similarity score.
type Chunk struct {
	ID       string  `json:"id"`
	Document string  `json:"document"`
	Text     string  `json:"text"`
	Score    float32 `json:"score"`
}

// Options tunes retrieval behavior.
type Options struct {
	// MinScore excludes retrieved chunks whose cosine similarity falls
	// below it. Zero disables the threshold.
	MinScore float32
}

// Index is a persistent semantic index over document chunks.
type Index struct {
	path     string
	embedder Embedder
	store    *store
	opts     Options
	logger   *slog.Logger
}

// Open loads the index database at path, creating it (and its parent
// directory) if absent. A database that cannot be opened is renamed aside
// and replaced with a fresh one: a corrupt persisted index is treated as
// absent, never as a fatal error.
func Open(path string, embedder Embedder, opts Options) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	logger := slog.Default()

	st, err := openStore(path)
	if err != nil {
		logger.Warn("index database unreadable, rebuilding fresh", "path", path, "error", err)
		if renameErr := os.Rename(path, path+".corrupt"); renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
			return nil, fmt.Errorf("moving corrupt index aside: %w", renameErr)
		}
		if st, err = openStore(path); err != nil {
			return nil, fmt.Errorf("rebuilding index database: %w", err)
		}
	}

	return &Index{
		path:     path,
		embedder: embedder,
		store:    st,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Close releases the underlying database.
func (idx *Index) Close() error {
	return idx.store.close()
}

// Add embeds the chunks of one document and inserts them. The first Add on
// an empty index is the build path; later calls accumulate. If embedding
// yields zero vectors for a nonempty chunk set, the index is left unchanged
// and ErrNoVectors is returned.
func (idx *Index) Add(ctx context.Context, document string, chunks []string) error {
	if len(chunks) == 0 {
		return ErrNoVectors
	}

	vectors, err := embedBatch(ctx, idx.embedder, chunks)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) == 0 {
		return ErrNoVectors
	}

	now := time.Now().UTC()
	records := make([]record, len(chunks))
	for i, text := range chunks {
		records[i] = record{
			ID:        uuid.New().String(),
			Document:  document,
			Content:   text,
			Embedding: vectors[i],
			CreatedAt: now,
		}
	}

	if err := idx.store.insert(records); err != nil {
		return fmt.Errorf("inserting chunks: %w", err)
	}

	idx.logger.Debug("indexed document chunks", "document", document, "chunks", len(records))
	return nil
}

// Retrieve returns up to k chunks ranked by descending similarity to the
// query. Chunks below the configured MinScore are excluded; an empty result
// means no relevant document content and is not an error.
func (idx *Index) Retrieve(ctx context.Context, query string, k int) ([]Chunk, error) {
	vec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results, err := idx.store.search(vec, k, idx.opts.MinScore)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, len(results))
	for i, r := range results {
		chunks[i] = Chunk{
			ID:       r.ID,
			Document: r.Document,
			Text:     r.Content,
			Score:    r.Score,
		}
	}
	return chunks, nil
}

// Count returns the number of stored chunks.
func (idx *Index) Count() (int, error) {
	return idx.store.count()
}
