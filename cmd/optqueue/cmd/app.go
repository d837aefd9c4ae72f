package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rustyeddy/optqueue/backend"
	"github.com/rustyeddy/optqueue/control"
	"github.com/rustyeddy/optqueue/internal/logging"
	"github.com/rustyeddy/optqueue/journal"
	"github.com/rustyeddy/optqueue/queue"
	"github.com/rustyeddy/optqueue/storage"
)

// app holds the collaborators shared by the queue, serve and tui commands.
type app struct {
	client  *backend.Client
	durable *storage.Durable
	journal *journal.SQLite
	status  *storage.Channel
	store   *queue.Store
	manager *queue.Manager
	builder queue.Builder
}

func newClient() (*backend.Client, error) {
	timeout, err := cfg.Server.ParseTimeout()
	if err != nil {
		return nil, fmt.Errorf("server timeout: %w", err)
	}
	return backend.NewClient(cfg.Server.BaseURL, cfg.Server.Token, timeout), nil
}

func openApp() (*app, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db dir: %w", err)
		}
	}
	durable, err := storage.OpenDurable(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	j, err := journal.NewSQLite(cfg.Storage.DBPath)
	if err != nil {
		_ = durable.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	status := storage.NewChannel(storage.NewSession(), durable)
	store := queue.NewStore(client, durable, log)
	mgr := queue.NewManager(store, client,
		queue.WithStatus(status),
		queue.WithJournal(j),
		queue.WithLogger(log),
	)
	return &app{
		client:  client,
		durable: durable,
		journal: j,
		status:  status,
		store:   store,
		manager: mgr,
		builder: queue.Builder{},
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.journal.Close(), a.durable.Close())
}

// pendingControlTTL bounds how long a signal that arrived between runs is
// held for the next run.
const pendingControlTTL = 30 * time.Second

type runController interface {
	RequestStop() bool
	Cancel() bool
}

// controlRelay applies control signals to the manager. A signal that arrives
// while no run is active, typically just before Run marks itself running, is
// held and applied when the next run starts.
type controlRelay struct {
	ctrl runController
	log  *logging.Logger
	now  func() time.Time

	mu      sync.Mutex
	pending *control.Signal
}

func newControlRelay(ctrl runController, l *logging.Logger) *controlRelay {
	return &controlRelay{ctrl: ctrl, log: l, now: time.Now}
}

func (r *controlRelay) handle(sig control.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.apply(sig) {
		return
	}
	// A held cancel is not downgraded by a later stop.
	if r.pending != nil && r.pending.Action == control.ActionCancel && sig.Action == control.ActionStop {
		return
	}
	r.log.Infof("control: %s held until the next run starts", sig.Action)
	r.pending = &sig
}

// OnEvent releases a held signal once a run has started.
func (r *controlRelay) OnEvent(e queue.Event) {
	if e.Type != queue.EventRunStarted {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return
	}
	sig := *r.pending
	r.pending = nil
	if r.now().Sub(sig.RequestedAt) > pendingControlTTL {
		r.log.Infof("control: dropping expired %s signal", sig.Action)
		return
	}
	r.apply(sig)
}

func (r *controlRelay) apply(sig control.Signal) bool {
	switch sig.Action {
	case control.ActionStop:
		if r.ctrl.RequestStop() {
			r.log.Infof("control: stop after current source requested")
			return true
		}
	case control.ActionCancel:
		if r.ctrl.Cancel() {
			r.log.Infof("control: cancel requested")
			return true
		}
	}
	return false
}

// watchControl applies control signals from other processes to the manager
// until ctx is done.
func (a *app) watchControl(ctx context.Context) {
	relay := newControlRelay(a.manager, log)
	unsubscribe := a.manager.Subscribe(relay)
	w := control.NewWatcher(cfg.Storage.StateDir, relay.handle, log)
	w.Since = time.Now()
	go func() {
		defer unsubscribe()
		if err := w.Run(ctx); err != nil {
			log.Warnf("control watcher stopped: %v", err)
		}
	}()
}
