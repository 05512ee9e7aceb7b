// Package storage manipulates the daemon's state directory, where it keeps
// known network profiles, hotspot and AP configurations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nikicat/iwd-harness/internal/wait"
)

// DefaultDir is the daemon's storage directory in the test environment.
const DefaultDir = "/tmp/iwd"

const (
	hotspotDir = "hotspot"
	apDir      = "ap"
)

// ErrAbsolutePath is returned when a copy source is not relative.
var ErrAbsolutePath = errors.New("source path must be relative")

// Dir is a storage directory.
type Dir struct {
	Root string
}

// New returns a Dir rooted at root, or DefaultDir when root is empty.
func New(root string) *Dir {
	if root == "" {
		root = DefaultDir
	}
	return &Dir{Root: root}
}

// Path returns the location of name inside the storage directory.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.Root, name)
}

// resolve joins name to the root, refusing names that escape it.
func (d *Dir) resolve(name string) (string, error) {
	p := filepath.Join(d.Root, name)
	rel, err := filepath.Rel(d.Root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid storage entry %q", name)
	}
	return p, nil
}

// Clear removes everything in the storage directory, including the
// hotspot and ap subdirectories. A missing directory is not an error.
func (d *Dir) Clear() error {
	entries, err := os.ReadDir(d.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read storage dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(d.Root, e.Name())); err != nil {
			return fmt.Errorf("clear storage: %w", err)
		}
	}
	slog.Debug("storage cleared", "dir", d.Root)
	return nil
}

// Create writes a file with the given content.
func (d *Dir) Create(name, content string) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	return nil
}

// Copy copies the relative file src into the storage directory.
func (d *Dir) Copy(src string) error {
	return d.copyInto(src, "")
}

// CopyToHotspot copies src into the hotspot subdirectory.
func (d *Dir) CopyToHotspot(src string) error {
	return d.copyInto(src, hotspotDir)
}

// CopyToAP copies src into the ap subdirectory.
func (d *Dir) CopyToAP(src string) error {
	return d.copyInto(src, apDir)
}

func (d *Dir) copyInto(src, subdir string) error {
	if filepath.IsAbs(src) {
		return fmt.Errorf("%w: %s", ErrAbsolutePath, src)
	}
	dir := filepath.Join(d.Root, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	dst := filepath.Join(dir, filepath.Base(src))
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// Remove deletes a file or directory from storage. Missing entries are
// ignored.
func (d *Dir) Remove(name string) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name is present in storage.
func (d *Dir) Exists(name string) bool {
	_, err := os.Stat(d.Path(name))
	return err == nil
}

// WaitForFile blocks until name exists in the storage directory, e.g.
// after the daemon persisted a network profile. A zero timeout means
// wait.DefaultTimeout.
func (d *Dir) WaitForFile(ctx context.Context, name string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = wait.DefaultTimeout
	}
	target := d.Path(name)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Checked after the watch is armed so a file created in between is seen.
	if d.Exists(name) {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if event.Name == target && (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) && d.Exists(name) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			slog.Warn("storage watcher error", "dir", dir, "error", err)
		case <-timer.C:
			return &wait.TimeoutError{Condition: "file " + target, Bound: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
