package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rustyeddy/optqueue/internal/logging"
)

// Watcher delivers control signals written to a state directory. Each signal
// is handed to the handler exactly once.
type Watcher struct {
	dir     string
	handler func(Signal)
	log     *logging.Logger

	// Since drops signals requested before it, e.g. a cancel left over
	// from a previous run.
	Since time.Time
}

func NewWatcher(dir string, handler func(Signal), log *logging.Logger) *Watcher {
	if log == nil {
		log = logging.Discard()
	}
	return &Watcher{dir: dir, handler: handler, log: log.With("control")}
}

// Run watches until ctx is done. It also drains a signal that was written
// before the watch started.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", w.dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.drain()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.log.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				w.drain()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Errorf("fsnotify error=%v", err)
		}
	}
}

func (w *Watcher) drain() {
	sig, ok, err := Consume(w.dir)
	if err != nil {
		w.log.Warnf("control signal: %v", err)
		return
	}
	if !ok {
		return
	}
	if !w.Since.IsZero() && sig.RequestedAt.Before(w.Since) {
		w.log.Infof("dropping stale %s signal from %s", sig.Action, sig.RequestedAt.Format(time.RFC3339))
		return
	}
	w.log.Infof("control signal action=%s run=%s", sig.Action, sig.RunID)
	w.handler(sig)
}
