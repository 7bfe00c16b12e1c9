// Package chunker splits extracted document text into bounded, overlapping
// segments suitable for embedding.
package chunker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoChunks is returned when splitting produces no segments, which happens
// only for empty or whitespace-only input. Callers must not proceed to
// embedding with an empty chunk set.
var ErrNoChunks = errors.New("chunking produced no chunks")

// Split divides text into segments of at most maxSize runes such that
// consecutive segments share overlap runes of context. The split is purely
// length-based (sliding window), not semantic. Every rune of the input
// appears in at least one segment.
func Split(text string, maxSize, overlap int) ([]string, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", maxSize)
	}
	if overlap < 0 || overlap >= maxSize {
		return nil, fmt.Errorf("overlap must satisfy 0 <= overlap < max size, got %d/%d", overlap, maxSize)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoChunks
	}

	runes := []rune(text)
	step := maxSize - overlap

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + maxSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}

	return chunks, nil
}
