package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultChunkSize    = 800
	defaultChunkOverlap = 100
	defaultDebounce     = 500 * time.Millisecond
)

// ChunkStore persists knowledge chunks grouped by source.
type ChunkStore interface {
	Upsert(ctx context.Context, chunks []Chunk) error
	DeleteSource(ctx context.Context, source string) error
}

// RunbookLoader ingests a directory of markdown runbooks into a ChunkStore and
// keeps it current while watching.
type RunbookLoader struct {
	dir      string
	store    ChunkStore
	logger   *slog.Logger
	size     int
	overlap  int
	debounce time.Duration

	loaded atomic.Bool

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewRunbookLoader constructs a loader for dir.
func NewRunbookLoader(dir string, store ChunkStore, logger *slog.Logger) *RunbookLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunbookLoader{
		dir:      dir,
		store:    store,
		logger:   logger,
		size:     defaultChunkSize,
		overlap:  defaultChunkOverlap,
		debounce: defaultDebounce,
		timers:   make(map[string]*time.Timer),
	}
}

// Loaded reports whether a full ingestion pass has completed.
func (l *RunbookLoader) Loaded() bool {
	return l != nil && l.loaded.Load()
}

// IngestAll loads every *.md file in the directory, in name order, and returns
// the number of chunks written. A missing directory is not an error.
func (l *RunbookLoader) IngestAll(ctx context.Context) (int, error) {
	if _, err := os.Stat(l.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("knowledge directory does not exist", "dir", l.dir)
			return 0, nil
		}
		return 0, fmt.Errorf("stat knowledge dir: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(l.dir, "*.md"))
	if err != nil {
		return 0, err
	}

	total := 0
	for _, path := range files {
		n, err := l.IngestFile(ctx, path)
		if err != nil {
			return total, err
		}
		total += n
	}
	l.loaded.Store(true)
	l.logger.Info("runbooks ingested", "dir", l.dir, "files", len(files), "chunks", total)
	return total, nil
}

// IngestFile replaces the chunks of one runbook file.
func (l *RunbookLoader) IngestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read runbook %s: %w", path, err)
	}

	source := filepath.Base(path)
	pieces := SplitMarkdown(string(data), l.size, l.overlap)
	chunks := make([]Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, Chunk{Content: piece, Source: source, Kind: KindRunbook, Index: i})
	}

	if err := l.store.DeleteSource(ctx, source); err != nil {
		return 0, err
	}
	if err := l.store.Upsert(ctx, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Watch re-ingests runbooks as they change until ctx is cancelled. Bursts of
// events for the same file collapse into one ingestion.
func (l *RunbookLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.logger.Info("watching knowledge directory", "dir", l.dir)

	defer l.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			l.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("knowledge watcher error", "error", err)
		}
	}
}

func (l *RunbookLoader) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Ext(event.Name) != ".md" {
		return
	}
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		l.schedule(ctx, event.Name, func() {
			if _, err := os.Stat(event.Name); err == nil {
				l.reingest(ctx, event.Name)
				return
			}
			source := filepath.Base(event.Name)
			if err := l.store.DeleteSource(ctx, source); err != nil {
				l.logger.Warn("failed to drop runbook", "source", source, "error", err)
				return
			}
			l.logger.Info("runbook removed", "source", source)
		})
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		l.schedule(ctx, event.Name, func() { l.reingest(ctx, event.Name) })
	}
}

func (l *RunbookLoader) reingest(ctx context.Context, path string) {
	n, err := l.IngestFile(ctx, path)
	if err != nil {
		l.logger.Warn("failed to re-ingest runbook", "path", path, "error", err)
		return
	}
	l.logger.Info("runbook re-ingested", "source", filepath.Base(path), "chunks", n)
}

func (l *RunbookLoader) schedule(ctx context.Context, path string, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.timers[path]; ok {
		t.Stop()
	}
	l.timers[path] = time.AfterFunc(l.debounce, func() {
		l.mu.Lock()
		delete(l.timers, path)
		l.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		fn()
	})
}

func (l *RunbookLoader) stopTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path, t := range l.timers {
		t.Stop()
		delete(l.timers, path)
	}
}

// SplitMarkdown cuts text into chunks of at most size runes. Headings and blank
// lines start new blocks; blocks are packed greedily and each new chunk opens
// with up to overlap runes from the end of the previous one.
func SplitMarkdown(text string, size, overlap int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	current := ""
	flush := func() {
		if s := strings.TrimSpace(current); s != "" {
			chunks = append(chunks, s)
		}
		current = ""
	}

	for _, block := range markdownBlocks(text) {
		for _, piece := range windows(block, size, overlap) {
			if current == "" {
				current = piece
				continue
			}
			if runeLen(current)+2+runeLen(piece) <= size {
				current += "\n\n" + piece
				continue
			}
			tail := overlapTail(current, overlap)
			flush()
			if tail != "" && runeLen(tail)+2+runeLen(piece) <= size {
				current = tail + "\n\n" + piece
			} else {
				current = piece
			}
		}
	}
	flush()
	return chunks
}

func markdownBlocks(text string) []string {
	var blocks []string
	var lines []string
	emit := func() {
		if b := strings.TrimSpace(strings.Join(lines, "\n")); b != "" {
			blocks = append(blocks, b)
		}
		lines = lines[:0]
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			emit()
		case strings.HasPrefix(trimmed, "#"):
			emit()
			lines = append(lines, line)
		default:
			lines = append(lines, line)
		}
	}
	emit()
	return blocks
}

func windows(block string, size, overlap int) []string {
	if runeLen(block) <= size {
		return []string{block}
	}
	runes := []rune(block)
	step := size - overlap
	var out []string
	for start := 0; ; start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// overlapTail returns at most n trailing runes of s, starting at a word boundary
// when one exists.
func overlapTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return strings.TrimSpace(s)
	}
	tail := runes[len(runes)-n:]
	for i, r := range tail {
		if unicode.IsSpace(r) {
			return strings.TrimSpace(string(tail[i:]))
		}
	}
	return string(tail)
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
