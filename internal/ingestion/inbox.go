package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	// DefaultInboxPattern selects signal files relative to the inbox root.
	DefaultInboxPattern = "**/*.json"

	// DefaultInboxDebounce is how long the inbox waits for writes to settle.
	DefaultInboxDebounce = 500 * time.Millisecond

	processedDir = "processed"
	rejectedDir  = "rejected"
)

// Report summarises one inbox pass.
type Report struct {
	Files    int      `json:"files"`
	Ingested []string `json:"ingested"`
	Rejected []string `json:"rejected"`
}

// Inbox turns signal files dropped into a directory into nodes. Each file
// holds one signal object or an array of them. Handled files move to
// processed/, files with any bad signal move to rejected/.
type Inbox struct {
	dir      string
	pattern  string
	debounce time.Duration
	engine   *Engine
	logger   *zap.Logger
}

// InboxOption configures an Inbox.
type InboxOption func(*Inbox)

// WithPattern overrides DefaultInboxPattern.
func WithPattern(pattern string) InboxOption {
	return func(in *Inbox) {
		if pattern != "" {
			in.pattern = pattern
		}
	}
}

// WithDebounce overrides DefaultInboxDebounce.
func WithDebounce(d time.Duration) InboxOption {
	return func(in *Inbox) {
		if d > 0 {
			in.debounce = d
		}
	}
}

// WithInboxLogger sets the inbox logger.
func WithInboxLogger(l *zap.Logger) InboxOption {
	return func(in *Inbox) {
		if l != nil {
			in.logger = l
		}
	}
}

// NewInbox creates an inbox rooted at dir.
func NewInbox(dir string, engine *Engine, opts ...InboxOption) (*Inbox, error) {
	in := &Inbox{
		dir:      dir,
		pattern:  DefaultInboxPattern,
		debounce: DefaultInboxDebounce,
		engine:   engine,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	if !doublestar.ValidatePattern(in.pattern) {
		return nil, fmt.Errorf("invalid inbox pattern %q", in.pattern)
	}
	return in, nil
}

// Dir returns the inbox root.
func (in *Inbox) Dir() string { return in.dir }

// Scan ingests every matching file currently in the inbox.
func (in *Inbox) Scan(ctx context.Context) (Report, error) {
	var report Report

	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return report, fmt.Errorf("creating inbox: %w", err)
	}

	var files []string
	err := filepath.WalkDir(in.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if in.skipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(in.dir, path)
		if err != nil {
			return nil
		}
		if ok, _ := doublestar.Match(in.pattern, filepath.ToSlash(rel)); ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("scanning inbox: %w", err)
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Files++
		ids, err := in.processFile(path)
		report.Ingested = append(report.Ingested, ids...)
		dest := processedDir
		if err != nil {
			dest = rejectedDir
			report.Rejected = append(report.Rejected, in.rel(path))
			in.logger.Warn("inbox file rejected", zap.String("file", path), zap.Error(err))
		}
		if err := in.move(path, dest); err != nil {
			in.logger.Error("moving inbox file", zap.String("file", path), zap.Error(err))
		}
	}

	if report.Files > 0 {
		in.logger.Info("inbox scanned",
			zap.Int("files", report.Files),
			zap.Int("ingested", len(report.Ingested)),
			zap.Int("rejected", len(report.Rejected)))
	}
	return report, nil
}

func (in *Inbox) processFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	signals, err := DecodeSignals(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}

	var ids []string
	var firstErr error
	for _, sig := range signals {
		node, err := in.engine.Ingest(sig)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ids = append(ids, node.ID)
	}
	return ids, firstErr
}

// move relocates path under sub/, keeping its place relative to the inbox root
// so equally named files from different folders do not collide.
func (in *Inbox) move(path, sub string) error {
	rel, err := filepath.Rel(in.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	dest := filepath.Join(in.dir, sub, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.Rename(path, dest)
}

// rel returns path relative to the inbox root, slash separated.
func (in *Inbox) rel(path string) string {
	rel, err := filepath.Rel(in.dir, path)
	if err != nil {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

// watchTree registers root and every directory below it, skipping the
// processed and rejected folders.
func (in *Inbox) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if in.skipDir(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (in *Inbox) skipDir(path string) bool {
	if filepath.Clean(path) == filepath.Clean(in.dir) {
		return false
	}
	name := filepath.Base(path)
	return name == processedDir || name == rejectedDir
}

// Watch processes the inbox on start and again whenever files change,
// batching bursts of events. Blocks until ctx is cancelled.
func (in *Inbox) Watch(ctx context.Context) error {
	if _, err := in.Scan(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := in.watchTree(watcher, in.dir); err != nil {
		return fmt.Errorf("watching inbox: %w", err)
	}

	batchTimer := time.NewTimer(in.debounce)
	batchTimer.Stop()
	pending := false

	in.logger.Info("watching inbox", zap.String("dir", in.dir), zap.String("pattern", in.pattern))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if in.skipDir(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// Files may already sit in a directory moved into place.
					if err := in.watchTree(watcher, event.Name); err != nil {
						in.logger.Warn("watching inbox folder", zap.String("dir", event.Name), zap.Error(err))
					}
				}
			}
			pending = true
			batchTimer.Reset(in.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("inbox watch error", zap.Error(err))

		case <-batchTimer.C:
			if !pending {
				continue
			}
			pending = false
			if _, err := in.Scan(ctx); err != nil && ctx.Err() == nil {
				in.logger.Error("processing inbox", zap.Error(err))
			}
		}
	}
}
