// Package watch feeds the scheduler from an annotated source tree. It
// watches the project root with fsnotify, rescans changed files for
// marker comments, and submits new annotations as events. A fallback
// poll ticker backs up the watch; inotify misses events under editor
// rename-and-replace saves often enough that polling is not optional.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"loom/internal/annotate"
	"loom/pkg/protocol"
)

// Submitter receives events for scheduling.
type Submitter interface {
	Submit(ev protocol.Event) protocol.Event
}

// Config tunes a Watcher.
type Config struct {
	// Extensions are the file suffixes scanned for annotations.
	Extensions []string

	// FallbackPoll is the full-rescan safety net interval (default 60s).
	FallbackPoll time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Extensions) == 0 {
		c.Extensions = []string{".go"}
	}
	if c.FallbackPoll <= 0 {
		c.FallbackPoll = 60 * time.Second
	}
	return c
}

// Watcher scans a tree for annotations and submits each one once. An
// annotation is resubmitted only after it disappears from its file and
// comes back.
type Watcher struct {
	root   string
	cfg    Config
	submit Submitter

	mu   sync.Mutex
	seen map[string]map[string]bool // doc -> annotation fingerprints
}

// New creates a Watcher over the tree rooted at root.
func New(root string, submit Submitter, cfg Config) *Watcher {
	return &Watcher{
		root:   root,
		cfg:    cfg.withDefaults(),
		submit: submit,
		seen:   make(map[string]map[string]bool),
	}
}

// ScanAll walks the whole tree once and returns the number of events
// submitted.
func (w *Watcher) ScanAll() (int, error) {
	submitted := 0
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDir(d.Name()) && path != w.root {
				return filepath.SkipDir
			}
			return nil
		}
		if w.matches(path) {
			submitted += w.scanFile(path)
		}
		return nil
	})
	return submitted, err
}

// Run blocks, watching the tree until ctx is cancelled. When fsnotify
// is unavailable the loop degrades to pure polling.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.ScanAll(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return w.runPoll(ctx)
	}
	defer watcher.Close()

	if err := w.addDirs(watcher); err != nil {
		return w.runPoll(ctx)
	}

	ticker := time.NewTicker(w.cfg.FallbackPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-watcher.Events:
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
					continue
				}
			}
			if w.matches(ev.Name) && (ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create)) {
				w.scanFile(ev.Name)
			}
		case <-watcher.Errors:
			// Watch errors are non-fatal; the fallback poll covers gaps.
		case <-ticker.C:
			_, _ = w.ScanAll()
		}
	}
}

// runPoll is the degraded loop used when fsnotify cannot be set up.
func (w *Watcher) runPoll(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.FallbackPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = w.ScanAll()
		}
	}
}

// addDirs registers every directory under root with the watcher.
func (w *Watcher) addDirs(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if skipDir(d.Name()) && path != w.root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor"
}

func (w *Watcher) matches(path string) bool {
	for _, ext := range w.cfg.Extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// scanFile rescans one file and submits annotations not seen in its
// previous scan. Returns the number submitted.
func (w *Watcher) scanFile(path string) int {
	anns, err := annotate.ScanFile(path)
	if err != nil {
		return 0
	}

	doc, err := filepath.Rel(w.root, path)
	if err != nil {
		doc = path
	}

	current := make(map[string]bool, len(anns))
	var fresh []annotate.Annotation
	w.mu.Lock()
	prev := w.seen[doc]
	for _, ann := range anns {
		fp := fingerprint(ann)
		current[fp] = true
		if !prev[fp] {
			fresh = append(fresh, ann)
		}
	}
	w.seen[doc] = current
	w.mu.Unlock()

	for i := range fresh {
		fresh[i].Doc = doc
		w.submit.Submit(fresh[i].Event(w.loadAttachments(fresh[i].Attachments)))
	}
	return len(fresh)
}

// fingerprint identifies an annotation independent of its line number,
// so pure drift (code added above) does not resubmit it.
func fingerprint(a annotate.Annotation) string {
	return protocol.HashText(a.Instruction + "|" + string(a.Intent) + "|" + a.TargetDoc)
}

// loadAttachments resolves @file references relative to the root.
// Unreadable references are dropped; a missing attachment should not
// block the annotation itself.
func (w *Watcher) loadAttachments(refs []string) []protocol.Attachment {
	var out []protocol.Attachment
	for _, ref := range refs {
		data, err := os.ReadFile(filepath.Join(w.root, ref))
		if err != nil {
			continue
		}
		out = append(out, protocol.Attachment{Name: ref, Content: string(data)})
	}
	return out
}
