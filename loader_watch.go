package modkit

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the search paths for manifest changes until ctx is
// cancelled. New manifest files are registered and announced as
// loader:manifest-found; rewrites of known files are announced as
// loader:manifest-changed. Watching is purely informational: modules are
// never hot-loaded, a restart picks the changes up.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, root := range l.searchPaths {
		if err := addRecursive(watcher, root); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				l.handleWatchEvent(watcher, ev)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("Manifest watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (l *Loader) handleWatchEvent(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		// New directories must be watched too so manifests created
		// inside them are seen.
		if isDir(ev.Name) {
			if err := addRecursive(watcher, ev.Name); err != nil {
				l.logger.Error("Failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}
	if !IsManifestFile(ev.Name) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		l.discoverFile(ev.Name)
	case ev.Op.Has(fsnotify.Write):
		m, err := LoadManifest(ev.Name)
		if err != nil {
			l.logger.Error("Ignoring unreadable manifest change", "path", ev.Name, "error", err)
			return
		}
		l.logger.Info("Manifest changed on disk, restart required to apply", "id", m.ID, "path", ev.Name)
		l.bus.Publish(context.Background(), EventTypeManifestChanged, ManifestPayload{ID: m.ID, Path: ev.Name}, nil)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		l.logger.Warn("Manifest removed from disk", "path", ev.Name)
		l.bus.Publish(context.Background(), EventTypeManifestChanged, ManifestPayload{Path: ev.Name}, nil)
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}
