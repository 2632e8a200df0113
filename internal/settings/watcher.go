package settings

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a ViperStore when its file changes and calls onChange
// after every reload that changed the content. Writes made through the store
// itself do not trigger onChange.
type Watcher struct {
	store    *ViperStore
	watcher  *fsnotify.Watcher
	onChange func(*ViperStore)
	logger   zerolog.Logger
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Watch starts watching the store's directory. Directories are watched
// because editors often replace files by rename.
func Watch(store *ViperStore, logger zerolog.Logger, onChange func(*ViperStore)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(store.Path())); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		store:    store,
		watcher:  fw,
		onChange: onChange,
		logger:   logger.With().Str("component", "settings").Logger(),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.store.Path() {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			changed, err := w.store.Reload()
			if err != nil {
				w.logger.Warn().Err(err).Msg("Settings reload failed")
				continue
			}
			if changed {
				w.logger.Info().Str("path", event.Name).Msg("Settings reloaded")
				if w.onChange != nil {
					w.onChange(w.store)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Settings watcher error")
		}
	}
}

// Close stops the watcher. Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
