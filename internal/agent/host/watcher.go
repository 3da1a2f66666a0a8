package host

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchLoop reacts to manifest changes in the modules directory. Writes
// are debounced per file so editors that emit bursts of events trigger a
// single reload. The timers map is owned by this goroutine; the timer
// callbacks only send on reloadCh.
func (h *Host) watchLoop() {
	defer h.wg.Done()

	timers := make(map[string]*time.Timer)
	defer func() {
		for _, timer := range timers {
			timer.Stop()
		}
	}()

	reloadCh := make(chan string, 64)

	for {
		select {
		case <-h.stopCh:
			return

		case path := <-reloadCh:
			h.reloadFile(path)

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if !isManifest(event.Name) {
				continue
			}

			// Permission changes don't alter manifest content and would
			// otherwise restart modules whenever a scanner touches the dir.
			if event.Op == fsnotify.Chmod {
				continue
			}

			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if timer, exists := timers[event.Name]; exists {
					timer.Stop()
					delete(timers, event.Name)
				}
				h.removeFile(event.Name)
				continue
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				path := event.Name
				if timer, exists := timers[path]; exists {
					timer.Stop()
				}
				timers[path] = time.AfterFunc(h.cfg.Debounce, func() {
					select {
					case reloadCh <- path:
					case <-h.stopCh:
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("modules watcher error", zap.Error(err))
		}
	}
}
