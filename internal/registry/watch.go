// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store when tasks.json changes on disk and invokes
// onChange with the fresh job list. Events are debounced because editors and
// atomic renames emit bursts. Reloads triggered by the store's own saves are
// harmless: onChange receives the same state the caller already installed.
func (s *Store) Watch(ctx context.Context, onChange func([]Job)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: atomic renames replace the inode.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		fire := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				if err := s.Load(); err != nil {
					s.logger.Error().Err(err).Msg("reload registry after file change")
					continue
				}
				s.logger.Info().Msg("registry file changed, resyncing")
				onChange(s.List())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("registry watcher error")
			}
		}
	}()

	return nil
}
