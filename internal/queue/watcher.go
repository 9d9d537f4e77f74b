package queue

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher wakes the claim loop when a file lands in the incoming directory,
// so the queue worker reacts immediately instead of waiting out its poll
// interval. The poll interval remains the correctness backstop; the watcher
// is purely latency.
type Watcher struct {
	fw *fsnotify.Watcher
}

// NewWatcher watches the incoming queue directory.
func NewWatcher(incomingDir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(incomingDir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{fw: fw}, nil
}

// Wait blocks until a create/rename event arrives, the poll interval
// elapses, or ctx is done.
func (w *Watcher) Wait(ctx context.Context, poll time.Duration) {
	timer := time.NewTimer(poll)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				<-timer.C
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				return
			}
		case <-w.fw.Errors:
			// fall back to the timer
		}
	}
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error { return w.fw.Close() }
