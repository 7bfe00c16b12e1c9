package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// freqEmbedder is a deterministic embedder mapping text to letter
// frequencies. Identical text always embeds to the identical vector.
type freqEmbedder struct{}

func (freqEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 26)
	for _, r := range text {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

// failingEmbedder fails every call.
type failingEmbedder struct{}

func (failingEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("embedding backend unavailable")
}

func openTestIndex(t *testing.T, opts Options) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	idx, err := Open(path, freqEmbedder{}, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx, path
}

var segments = []string{
	"aaaa bbbb cccc dddd",
	"erlang runs message passing actors",
	"zzzz yyyy xxxx wwww",
}

func TestAddAndRetrieve(t *testing.T) {
	idx, _ := openTestIndex(t, Options{})
	ctx := context.Background()

	if err := idx.Add(ctx, "doc.txt", segments); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A query matching segment 2 verbatim must rank it first with k=1.
	chunks, err := idx.Retrieve(ctx, segments[1], 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != segments[1] {
		t.Errorf("top chunk = %q, want %q", chunks[0].Text, segments[1])
	}
	if chunks[0].Document != "doc.txt" {
		t.Errorf("document = %q, want doc.txt", chunks[0].Document)
	}
	if chunks[0].Score < 0.99 {
		t.Errorf("verbatim match score = %f, want ~1.0", chunks[0].Score)
	}
}

func TestAdd_Accumulates(t *testing.T) {
	idx, _ := openTestIndex(t, Options{})
	ctx := context.Background()

	if err := idx.Add(ctx, "doc.txt", segments); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := idx.Add(ctx, "doc.txt", segments); err != nil {
		t.Fatalf("second Add: %v", err)
	}

	n, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2*len(segments) {
		t.Errorf("Count = %d, want %d (duplicates tolerated, not deduplicated)", n, 2*len(segments))
	}

	// Both copies must remain retrievable.
	chunks, err := idx.Retrieve(ctx, segments[1], 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Text != segments[1] {
			t.Errorf("chunk[%d].Text = %q, want %q", i, c.Text, segments[1])
		}
	}
}

func TestAdd_EmptyChunks(t *testing.T) {
	idx, _ := openTestIndex(t, Options{})
	if err := idx.Add(context.Background(), "doc.txt", nil); !errors.Is(err, ErrNoVectors) {
		t.Errorf("error = %v, want ErrNoVectors", err)
	}
}

func TestAdd_EmbeddingFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	idx, err := Open(path, failingEmbedder{}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.Add(context.Background(), "doc.txt", segments); err == nil {
		t.Fatal("Add succeeded with failing embedder, want error")
	}
	// Prior index state (empty) is preserved unchanged.
	if n, err := idx.Count(); err != nil || n != 0 {
		t.Errorf("Count = %d (%v), want 0 after failed Add", n, err)
	}
}

func TestRetrieve_MinScore(t *testing.T) {
	idx, _ := openTestIndex(t, Options{MinScore: 0.95})
	ctx := context.Background()

	if err := idx.Add(ctx, "doc.txt", segments); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Only the verbatim match clears a 0.95 threshold against these segments.
	chunks, err := idx.Retrieve(ctx, segments[0], 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks above threshold, want 1: %+v", len(chunks), chunks)
	}

	// A query unrelated to anything indexed yields an empty, non-error result.
	chunks, err = idx.Retrieve(ctx, "qqqq jjjj kkkk", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks for unrelated query, want 0", len(chunks))
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt.db")
	ctx := context.Background()

	idx, err := Open(path, freqEmbedder{}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := idx.Add(ctx, "doc.txt", segments); err != nil {
		t.Fatalf("Add: %v", err)
	}
	before, err := idx.Retrieve(ctx, segments[1], 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, freqEmbedder{}, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	after, err := reopened.Retrieve(ctx, segments[1], 3)
	if err != nil {
		t.Fatalf("Retrieve after reload: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("got %d chunks after reload, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i].Text != before[i].Text || after[i].Score != before[i].Score {
			t.Errorf("chunk[%d] changed across reload: %+v vs %+v", i, before[i], after[i])
		}
	}
}

func TestOpen_CorruptDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database at all, definitely"), 0o644); err != nil {
		t.Fatal(err)
	}

	idx, err := Open(path, freqEmbedder{}, Options{})
	if err != nil {
		t.Fatalf("Open on corrupt database: %v, want fresh index", err)
	}
	defer idx.Close()

	if n, err := idx.Count(); err != nil || n != 0 {
		t.Errorf("Count = %d (%v), want 0 in fresh index", n, err)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("corrupt database was not moved aside: %v", err)
	}
}

func TestManager_Scopes(t *testing.T) {
	dir := t.TempDir()

	global, err := NewManager(dir, ScopeGlobal, freqEmbedder{}, Options{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer global.Close()

	a, err := global.For("s1")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	b, err := global.For("s2")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if a != b {
		t.Error("global scope returned different indexes for different sessions")
	}

	perSession, err := NewManager(dir, ScopeSession, freqEmbedder{}, Options{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer perSession.Close()

	c, err := perSession.For("s1")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	d, err := perSession.For("s2")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if c == d {
		t.Error("session scope returned the same index for different sessions")
	}
}

func TestManager_UnknownScope(t *testing.T) {
	if _, err := NewManager(t.TempDir(), "tenant", freqEmbedder{}, Options{}); err == nil {
		t.Error("NewManager accepted unknown scope, want error")
	}
}
