// pattern: Imperative Shell

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"tmuxdeck/internal/logging"
)

// loadBuiltinTemplates scans dir for *.json template files. The file stem
// becomes the template id when the file does not set one. Unreadable files
// are skipped with a warning so one bad template never hides the rest.
func loadBuiltinTemplates(dir string, log *logging.ScopedLogger) []Template {
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) && log != nil {
			log.Warn("read templates dir", "dir", dir, "error", err)
		}
		return nil
	}

	var templates []Template
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			if log != nil {
				log.Warn("read template file", "file", entry.Name(), "error", err)
			}
			continue
		}

		var tpl Template
		if err := json.Unmarshal(data, &tpl); err != nil {
			if log != nil {
				log.Warn("parse template file", "file", entry.Name(), "error", err)
			}
			continue
		}

		if tpl.ID == "" {
			tpl.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		if tpl.Name == "" {
			tpl.Name = tpl.ID
		}
		tpl.BuiltIn = true
		templates = append(templates, tpl)
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	return templates
}

// WatchTemplates reloads built-in templates when the templates directory
// changes. Events are debounced because editors produce bursts of writes.
// Blocks until ctx is done; run it in its own goroutine.
func (s *Store) WatchTemplates(ctx context.Context) error {
	if s.templatesDir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.templatesDir); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if s.log != nil {
				s.log.Warn("templates watcher", "error", err)
			}
		case <-reload:
			s.ReloadBuiltins()
			if s.log != nil {
				s.log.Debug("reloaded built-in templates", "dir", s.templatesDir)
			}
		}
	}
}
