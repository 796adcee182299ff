package permission

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/rmcp-dev/rmcp/internal/logging"
)

// Watcher reloads a categories file into a gate whenever it changes on disk.
// A file that fails to parse leaves the current categories in place.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	gate     *Gate
	onReload func(*Categories)

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// WatchCategories starts watching path. onReload, if set, runs after every
// successful reload.
func WatchCategories(path string, gate *Gate, onReload func(*Categories)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace files by rename, so watch the directory.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		path:     abs,
		gate:     gate,
		onReload: onReload,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("Categories watcher error")
		}
	}
}

func (w *Watcher) reload() {
	categories, err := LoadCategories(w.path)
	if err != nil {
		logging.Warn().Err(err).Str("path", w.path).Msg("Keeping previous operation categories")
		return
	}

	w.gate.SetCategories(categories)
	logging.Info().Str("path", w.path).Strs("categories", categories.Names()).Msg("Operation categories reloaded")
	if w.onReload != nil {
		w.onReload(categories)
	}
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		err = w.watcher.Close()
	})
	return err
}
