package policy

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher monitors the policy file for changes and reloads. fsnotify
// where available, with a slow polling loop as safety net for editors and
// filesystems that rewrite files without emitting events.
func (s *Store) StartWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	useEvents := err == nil
	if err != nil {
		log.Printf("[Policy] fsnotify unavailable (%v), polling only", err)
	} else if err := watcher.Add(s.path); err != nil {
		log.Printf("[Policy] Failed to watch %s (%v), polling only", s.path, err)
		watcher.Close()
		useEvents = false
	}

	if useEvents {
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
					if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// Debounce: writers often produce event bursts
						time.Sleep(100 * time.Millisecond)
						s.reloadIfChanged()
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[Policy] Watcher error: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reloadIfChanged()
			}
		}
	}()
}
