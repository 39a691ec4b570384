package catalog

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the catalog when its backing file changes. A reload that
// fails validation is rejected and the previous table stays in effect.
type Watcher struct {
	catalog  *Catalog
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
}

// NewWatcher creates a watcher for a catalog loaded from a file. Returns an
// error if the catalog has no backing file.
func NewWatcher(c *Catalog) (*Watcher, error) {
	if c.path == "" {
		return nil, os.ErrInvalid
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors and atomic writers replace
	// the file node on save.
	if err := fw.Add(filepath.Dir(c.path)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		catalog:  c,
		watcher:  fw,
		stopChan: make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
	log.Info().Str("path", w.catalog.path).Msg("Started watching SKU catalog for changes")
}

// Stop stops watching and releases the underlying notifier.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.watcher.Close()
}

func (w *Watcher) loop() {
	// Debounce: editors fire multiple events per save.
	var pending <-chan time.Time

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.catalog.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Catalog watcher error")
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.catalog.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.catalog.path).Msg("Failed to re-read SKU catalog; keeping previous table")
		return
	}

	plans, err := parsePlans(data)
	if err != nil {
		log.Error().Err(err).Str("path", w.catalog.path).Msg("Rejected invalid SKU catalog reload; keeping previous table")
		return
	}

	w.catalog.replace(plans)
	log.Info().Int("plans", len(plans)).Msg("Reloaded SKU catalog")
}
