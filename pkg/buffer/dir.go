package buffer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirHost is a filesystem Host rooted at a directory, used by the CLI
// to apply patches to real files. There is no editing session, so it
// is always safe to mutate. The revision is derived from the file's
// mtime and size, so a save from the user's editor bumps it and forces
// the hash check; the content hash stays the authoritative staleness
// signal.
type DirHost struct {
	root string
}

// NewDirHost creates a DirHost rooted at root.
func NewDirHost(root string) *DirHost {
	return &DirHost{root: root}
}

// IsEditingPaused implements Host. Files on disk are never mid-edit.
func (d *DirHost) IsEditingPaused() bool { return true }

// Revision implements Host.
func (d *DirHost) Revision(doc string) (int64, bool) {
	info, err := os.Stat(d.path(doc))
	if err != nil {
		return 0, false
	}
	return info.ModTime().UnixNano() + info.Size(), true
}

// ReadLines implements Host.
func (d *DirHost) ReadLines(doc string) ([]string, error) {
	data, err := os.ReadFile(d.path(doc))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", doc, err)
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

// WriteLines implements Host. Parent directories are created as needed
// so a patch can target a not-yet-existing file.
func (d *DirHost) WriteLines(doc string, lines []string) error {
	path := d.path(doc)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", doc, err)
	}
	data := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", doc, err)
	}
	return nil
}

func (d *DirHost) path(doc string) string {
	if filepath.IsAbs(doc) {
		return doc
	}
	return filepath.Join(d.root, doc)
}
