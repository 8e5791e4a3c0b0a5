package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

type recordingChunkStore struct {
	mu      sync.Mutex
	chunks  map[string][]Chunk
	deletes []string
	err     error
}

func newRecordingChunkStore() *recordingChunkStore {
	return &recordingChunkStore{chunks: make(map[string][]Chunk)}
}

func (s *recordingChunkStore) Upsert(_ context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, c := range chunks {
		s.chunks[c.Source] = append(s.chunks[c.Source], c)
	}
	return nil
}

func (s *recordingChunkStore) DeleteSource(_ context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, source)
	s.deletes = append(s.deletes, source)
	return nil
}

func (s *recordingChunkStore) sources() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.chunks))
	for k, v := range s.chunks {
		out[k] = len(v)
	}
	return out
}

func TestSplitMarkdownSmallDocument(t *testing.T) {
	text := "# CPU\n\nCheck the pods.\n\n## Steps\nRestart the deployment."
	got := SplitMarkdown(text, 800, 100)
	want := []string{"# CPU\n\nCheck the pods.\n\n## Steps\nRestart the deployment."}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitMarkdownRespectsSizeAndOverlap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("## Section\n")
		b.WriteString(strings.Repeat("word ", 30))
		b.WriteString("\n\n")
	}
	chunks := SplitMarkdown(b.String(), 800, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 800 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
	// Each later chunk opens with text carried over from its predecessor.
	for i := 1; i < len(chunks); i++ {
		head := strings.SplitN(chunks[i], "\n\n", 2)[0]
		if !strings.Contains(chunks[i-1], head) {
			t.Fatalf("chunk %d does not overlap chunk %d", i, i-1)
		}
	}
}

func TestSplitMarkdownHardSplitsLongBlocks(t *testing.T) {
	long := strings.Repeat("é", 2000)
	chunks := SplitMarkdown(long, 800, 100)
	if len(chunks) < 3 {
		t.Fatalf("expected long block to be windowed, got %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if !utf8.ValidString(c) || utf8.RuneCountInString(c) > 800 {
			t.Fatalf("invalid chunk of %d runes", utf8.RuneCountInString(c))
		}
	}
	if SplitMarkdown("   \n\n ", 800, 100) != nil {
		t.Fatalf("expected no chunks for blank input")
	}
}

func TestIngestAllLoadsMarkdownInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.md"), "# B\n\nbody")
	writeFile(t, filepath.Join(dir, "a.md"), "# A\n\nbody")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	store := newRecordingChunkStore()
	loader := NewRunbookLoader(dir, store, nil)
	n, err := loader.IngestAll(context.Background())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 chunks, got %d", n)
	}
	if diff := cmp.Diff([]string{"a.md", "b.md"}, store.deletes); diff != "" {
		t.Fatalf("ingest order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"a.md": 1, "b.md": 1}, store.sources()); diff != "" {
		t.Fatalf("stored sources mismatch (-want +got):\n%s", diff)
	}
	if !loader.Loaded() {
		t.Fatalf("expected loader to report loaded")
	}
}

func TestIngestAllMissingDirectory(t *testing.T) {
	loader := NewRunbookLoader(filepath.Join(t.TempDir(), "missing"), newRecordingChunkStore(), nil)
	n, err := loader.IngestAll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected 0, nil for missing dir; got %d, %v", n, err)
	}
	if loader.Loaded() {
		t.Fatalf("expected missing directory to leave loader unloaded")
	}
}

func TestIngestAllPropagatesStoreErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "# A")
	store := newRecordingChunkStore()
	store.err = errors.New("weaviate down")

	if _, err := NewRunbookLoader(dir, store, nil).IngestAll(context.Background()); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestWatchReingestsAndRemoves(t *testing.T) {
	dir := t.TempDir()
	store := newRecordingChunkStore()
	loader := NewRunbookLoader(dir, store, nil)
	loader.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()

	path := filepath.Join(dir, "disk.md")
	waitUntil(t, func() bool {
		writeFile(t, path, "# Disk\n\nclean up /var/log")
		return store.sources()["disk.md"] == 1
	})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitUntil(t, func() bool {
		_, ok := store.sources()["disk.md"]
		return !ok
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop after cancel")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
