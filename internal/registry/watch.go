package registry

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch observes the scan root for model files appearing or disappearing and
// triggers a debounced rescan. It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	r.mu.RLock()
	root := r.file.ScanPath
	r.mu.RUnlock()
	if err := watcher.Add(root); err != nil {
		return err
	}

	log.Info().Str("path", root).Msg("Watching model directory")

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isModelEvent(evt) {
				continue
			}
			// Debounce: bulk copies produce event storms.
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := r.Scan(); err != nil {
				log.Warn().Err(err).Msg("Rescan after filesystem change failed")
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(werr).Msg("Model directory watch error")
		}
	}
}

func isModelEvent(evt fsnotify.Event) bool {
	if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Remove) && !evt.Has(fsnotify.Rename) {
		return false
	}
	return modelExtensions[strings.ToLower(filepath.Ext(evt.Name))]
}
