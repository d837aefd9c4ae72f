package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rustyeddy/optqueue/backend"
	"github.com/rustyeddy/optqueue/internal/logging"
	"github.com/rustyeddy/optqueue/journal"
	"github.com/rustyeddy/optqueue/pkg/id"
	"github.com/rustyeddy/optqueue/storage"
)

var (
	// ErrQueueRunning rejects queue mutations while a run is active.
	ErrQueueRunning = errors.New("queue is running")
	// ErrAlreadyRunning is returned by Run when another run is active. The
	// call has no effect.
	ErrAlreadyRunning = errors.New("queue run already active")
	ErrItemNotFound   = errors.New("queue item not found")
	// ErrUnsupportedSchema marks items written by a newer build.
	ErrUnsupportedSchema = errors.New("unsupported run config schema")
)

// cancelTimeout bounds the best-effort cancel sent after an abort.
const cancelTimeout = 10 * time.Second

// Runner executes one backend run per call. backend.Client implements it.
type Runner interface {
	Optimize(ctx context.Context, req backend.OptimizeRequest) (*backend.RunResult, error)
	WalkForward(ctx context.Context, req backend.WalkForwardRequest) (*backend.RunResult, error)
	CancelOptimization(ctx context.Context, runID string) error
}

// StatusPublisher receives the run status after each source and at the end
// of a run. storage.Channel implements it.
type StatusPublisher interface {
	Publish(ctx context.Context, st storage.RunStatus) error
}

// AttemptRecorder journals every source attempt. journal.SQLite implements it.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a journal.Attempt) error
}

// Summary counts classified items of one run. Succeeded includes partial
// items.
type Summary struct {
	Total     int  `json:"total"`
	Succeeded int  `json:"succeeded"`
	Partial   int  `json:"partial"`
	Failed    int  `json:"failed"`
	Cancelled bool `json:"cancelled"`
	Stopped   bool `json:"stopped"`
}

func (s *Summary) add(status ItemStatus) {
	s.Total++
	switch status {
	case StatusCompleted:
		s.Succeeded++
	case StatusPartial:
		s.Succeeded++
		s.Partial++
	case StatusFailed:
		s.Failed++
	}
}

// Message is the consolidated status line shown at the end of a run.
func (s Summary) Message() string {
	msg := fmt.Sprintf("Queue finished: %d successful, %d partial, %d failed (%d total)",
		s.Succeeded, s.Partial, s.Failed, s.Total)
	if s.Cancelled {
		msg += ", cancelled"
	}
	return msg
}

type Option func(*Manager)

func WithStatus(p StatusPublisher) Option { return func(m *Manager) { m.status = p } }

func WithJournal(r AttemptRecorder) Option { return func(m *Manager) { m.journal = r } }

func WithLogger(l *logging.Logger) Option { return func(m *Manager) { m.log = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager owns the run loop and is the only writer of the queue while a run
// is active. UI binders call its command methods and observe its events.
type Manager struct {
	store   *Store
	runner  Runner
	status  StatusPublisher
	journal AttemptRecorder
	log     *logging.Logger
	now     func() time.Time

	// cmdMu serializes queue commands with the start of a run so a mutation
	// cannot land between the run's reload and its first save.
	cmdMu sync.Mutex

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce *sync.Once

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

func NewManager(store *Store, runner Runner, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		runner:    runner,
		log:       logging.Discard(),
		now:       time.Now,
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("queue")
	return m
}

// Subscribe registers o for events and returns a function that removes it.
func (m *Manager) Subscribe(o Observer) func() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	key := m.nextObs
	m.nextObs++
	m.observers[key] = o
	return func() {
		m.obsMu.Lock()
		delete(m.observers, key)
		m.obsMu.Unlock()
	}
}

func (m *Manager) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = m.now().UTC()
	}
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, o := range m.observers {
		o.OnEvent(e)
	}
}

func (m *Manager) emitQueue(st State) {
	st = st.Clone()
	m.emit(Event{Type: EventQueueChanged, State: &st})
}

// Running reports whether a run loop is active in this process.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RequestStop asks the active run to halt after the current source. It
// returns false when nothing is running.
func (m *Manager) RequestStop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	ch := m.stopCh
	m.stopOnce.Do(func() { close(ch) })
	return true
}

// Cancel aborts the in-flight backend call and stops the run. It returns
// false when nothing is running.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	m.cancel()
	return true
}

// State returns a copy of the queue.
func (m *Manager) State(ctx context.Context) (State, error) {
	return m.store.Load(ctx)
}

// AddItem appends it to the queue. The item is relabelled if its index was
// already taken by the time it is stored.
func (m *Manager) AddItem(ctx context.Context, it Item) (Item, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	if m.Running() {
		return Item{}, ErrQueueRunning
	}
	if len(NormalizeSources(it.Sources)) == 0 {
		return Item{}, invalid(KindNoSources, "item has no valid data sources")
	}
	st, err := m.store.Load(ctx)
	if err != nil {
		return Item{}, err
	}
	if it.Index < st.NextIndex {
		old := fmt.Sprintf("#%d", it.Index)
		it.Index = st.NextIndex
		if it.Label == "" || strings.HasPrefix(it.Label, old+labelSep) {
			it.Label = BuildLabel(it)
		}
	}
	st.Items = append(st.Items, it.Clone())

	saved, err := m.store.Save(ctx, st)
	if err != nil {
		return Item{}, err
	}
	m.emitQueue(saved)

	if saved.Empty() {
		return Item{}, invalid(KindNoSources, "item has no valid data sources")
	}
	// The appended item is last; normalization may have replaced its id.
	stored := saved.Items[len(saved.Items)-1]
	m.log.Infof("queue_add id=%s index=%d sources=%d", stored.ID, stored.Index, len(stored.Sources))
	return stored, nil
}

// RemoveItem deletes one item by id.
func (m *Manager) RemoveItem(ctx context.Context, itemID string) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	if m.Running() {
		return ErrQueueRunning
	}
	st, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	i := st.Find(itemID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	st.Items = append(st.Items[:i], st.Items[i+1:]...)
	saved, err := m.store.Save(ctx, st)
	if err != nil {
		return err
	}
	m.log.Infof("queue_remove id=%s", itemID)
	m.emitQueue(saved)
	return nil
}

// ClearQueue removes every item.
func (m *Manager) ClearQueue(ctx context.Context) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	if m.Running() {
		return ErrQueueRunning
	}
	if err := m.store.Clear(ctx); err != nil {
		return err
	}
	m.log.Infof("queue_clear")
	m.emitQueue(m.store.Cached())
	return nil
}

// Run drains the queue head first until it is empty, ctx is cancelled,
// Cancel is called or a stop request is honored. Per-source failures are
// counted, never returned. Unprocessed items stay queued.
func (m *Manager) Run(ctx context.Context) (sum Summary, err error) {
	m.cmdMu.Lock()
	unlockCmd := sync.OnceFunc(m.cmdMu.Unlock)
	defer unlockCmd()

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Summary{}, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	m.running = true
	m.cancel = cancel
	m.stopCh = stop
	m.stopOnce = &sync.Once{}
	m.mu.Unlock()

	release := func() {
		cancel()
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}

	st, err := m.store.Reload(runCtx)
	if err != nil {
		release()
		return Summary{}, err
	}
	if st.Empty() {
		release()
		m.log.Debugf("queue_run skipped: queue empty")
		return Summary{}, nil
	}

	// Bookkeeping must land even after the run context is cancelled.
	persistCtx := context.WithoutCancel(ctx)
	runID := id.NewRunID()
	var last storage.RunStatus

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue run panicked: %v", r)
		}
		unlockCmd()
		ev := m.finish(persistCtx, runID, sum, err, last)
		release()
		m.emit(ev)
	}()

	st.Runtime = Runtime{Active: true, UpdatedAt: m.now().UnixMilli()}
	if saved, serr := m.store.Save(persistCtx, st); serr != nil {
		m.log.Warnf("queue_run mark active: %v", serr)
	} else {
		m.emitQueue(saved)
	}
	unlockCmd()

	m.log.Infof("queue_run start run=%s items=%d", runID, len(st.Items))
	m.emit(Event{Type: EventRunStarted, RunID: runID})

	for {
		if runCtx.Err() != nil {
			sum.Cancelled = true
			break
		}
		if stopRequested(stop) {
			sum.Stopped = true
			break
		}

		st, err = m.store.Load(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				sum.Cancelled = true
				err = nil
				break
			}
			return sum, err
		}
		head, ok := st.Head()
		if !ok {
			break
		}

		res := m.runItem(runCtx, persistCtx, runID, head, stop, &last)

		if res.cancelled {
			sum.Cancelled = true
			m.log.Infof("queue_item id=%s status=%s cursor=%d", head.ID, StatusSkipped, res.item.SourceCursor)
			m.emit(itemEvent(EventItemFinished, runID, res.item, StatusSkipped))
			break
		}
		if !res.item.Exhausted() {
			// Stop honored mid-item: keep it queued with its checkpoint.
			sum.Stopped = true
			m.emit(itemEvent(EventItemFinished, runID, res.item, StatusQueued))
			break
		}

		status := Classify(res.item.SuccessCount, res.item.TotalSources())
		sum.add(status)
		m.log.Infof("queue_item id=%s status=%s success=%d failure=%d",
			res.item.ID, status, res.item.SuccessCount, res.item.FailureCount)
		m.emit(itemEvent(EventItemFinished, runID, res.item, status))

		if err := m.removeFinished(persistCtx, res.item.ID); err != nil {
			return sum, err
		}
		if res.stopped {
			sum.Stopped = true
			break
		}
	}
	return sum, nil
}

type itemResult struct {
	item      Item
	cancelled bool
	stopped   bool
}

// runItem processes head from its cursor, checkpointing after every source.
func (m *Manager) runItem(ctx, persistCtx context.Context, runID string, head Item, stop <-chan struct{}, last *storage.RunStatus) itemResult {
	it := head.Clone()
	m.log.Infof("queue_item id=%s index=%d status=%s cursor=%d/%d",
		it.ID, it.Index, StatusRunning, it.SourceCursor, it.TotalSources())
	m.emit(itemEvent(EventItemStarted, runID, it, StatusRunning))

	for !it.Exhausted() {
		if ctx.Err() != nil {
			return itemResult{item: it, cancelled: true}
		}

		src := it.Sources[it.SourceCursor]
		a := m.attempt(ctx, runID, it, src)

		if a.Outcome == string(OutcomeCancelled) {
			m.record(persistCtx, a)
			m.emit(sourceEvent(runID, it, a))
			return itemResult{item: it, cancelled: true}
		}

		if a.Outcome == string(OutcomeSuccess) {
			it.SuccessCount++
		} else {
			it.FailureCount++
			m.log.Warnf("queue_source id=%s source=%s error=%q", it.ID, src.Path, a.Error)
		}
		it.SourceCursor++

		if err := m.checkpoint(persistCtx, it); err != nil {
			m.log.Warnf("queue_checkpoint id=%s cursor=%d: %v", it.ID, it.SourceCursor, err)
		}
		m.record(persistCtx, a)
		m.emit(sourceEvent(runID, it, a))

		last.Status = storage.RunRunning
		last.Mode = string(it.Mode)
		last.StrategyID = it.StrategyID
		last.RunID = a.RequestID
		last.DataPath = src.Path
		last.Error = a.Error
		if a.Outcome == string(OutcomeSuccess) {
			last.StudyID = a.StudyID
		}
		last.UpdatedAt = time.Time{}
		m.publish(persistCtx, *last)

		if stopRequested(stop) {
			return itemResult{item: it, stopped: true}
		}
	}
	return itemResult{item: it}
}

// attempt makes exactly one backend call for src.
func (m *Manager) attempt(ctx context.Context, runID string, it Item, src Source) journal.Attempt {
	a := journal.Attempt{
		ID:         id.New(),
		ItemID:     it.ID,
		ItemIndex:  it.Index,
		RunID:      runID,
		RequestID:  id.NewRunID(),
		Mode:       string(it.Mode),
		StrategyID: it.StrategyID,
		SourcePath: src.Path,
		StartedAt:  m.now().UTC(),
	}

	var (
		res *backend.RunResult
		err error
	)
	switch {
	case !IsAbsolutePath(src.Path):
		err = fmt.Errorf("source path %q is not absolute", src.Path)
	case it.Config.SchemaVersion > CurrentSchemaVersion:
		err = fmt.Errorf("%w: version %d", ErrUnsupportedSchema, it.Config.SchemaVersion)
	default:
		res, err = m.call(ctx, a.RequestID, it, src)
	}

	switch {
	case err != nil && ctx.Err() != nil:
		a.Outcome = string(OutcomeCancelled)
		a.Error = ctx.Err().Error()
		m.cancelRemote(ctx, a.RequestID)
	case err != nil:
		a.Outcome = string(OutcomeFailure)
		a.Error = err.Error()
	default:
		a.Outcome = string(OutcomeSuccess)
		if res != nil {
			a.StudyID = res.StudyID
		}
	}
	a.FinishedAt = m.now().UTC()
	return a
}

func (m *Manager) call(ctx context.Context, requestID string, it Item, src Source) (*backend.RunResult, error) {
	req := backend.OptimizeRequest{
		StrategyID: it.StrategyID,
		WarmupBars: it.Config.WarmupBars,
		Config:     it.Config,
		CSVPath:    src.Path,
		DBTarget:   it.DBTarget,
		RunID:      requestID,
	}
	if it.Mode != ModeWFA {
		return m.runner.Optimize(ctx, req)
	}

	w := DefaultWFA()
	if it.WFA != nil {
		w = *it.WFA
	}
	return m.runner.WalkForward(ctx, backend.WalkForwardRequest{
		OptimizeRequest:       req,
		ISPeriodDays:          w.ISPeriodDays,
		OOSPeriodDays:         w.OOSPeriodDays,
		StoreTopNTrials:       w.StoreTopNTrials,
		Adaptive:              w.Adaptive,
		MaxOOSPeriodDays:      w.MaxOOSPeriodDays,
		MinOOSTrades:          w.MinOOSTrades,
		CheckIntervalTrades:   w.CheckIntervalTrades,
		CUSUMThreshold:        w.CUSUMThreshold,
		DDThresholdMultiplier: w.DDThresholdMultiplier,
		InactivityMultiplier:  w.InactivityMultiplier,
	})
}

func (m *Manager) cancelRemote(ctx context.Context, runID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := m.runner.CancelOptimization(cctx, runID); err != nil {
		m.log.Warnf("queue_cancel run=%s: %v", runID, err)
	}
}

// checkpoint persists the cursor and counters of it.
func (m *Manager) checkpoint(ctx context.Context, it Item) error {
	st, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	i := st.Find(it.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, it.ID)
	}
	st.Items[i].SourceCursor = it.SourceCursor
	st.Items[i].SuccessCount = it.SuccessCount
	st.Items[i].FailureCount = it.FailureCount
	st.Runtime.UpdatedAt = m.now().UnixMilli()

	saved, err := m.store.Save(ctx, st)
	m.emitQueue(saved)
	return err
}

func (m *Manager) removeFinished(ctx context.Context, itemID string) error {
	st, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if i := st.Find(itemID); i >= 0 {
		st.Items = append(st.Items[:i], st.Items[i+1:]...)
	}
	saved, err := m.store.Save(ctx, st)
	m.emitQueue(saved)
	if err != nil {
		return fmt.Errorf("remove finished item %s: %w", itemID, err)
	}
	return nil
}

// finish marks the runtime inactive, publishes the final run status and
// returns the run_finished event.
func (m *Manager) finish(ctx context.Context, runID string, sum Summary, runErr error, last storage.RunStatus) Event {
	if st, err := m.store.Load(ctx); err != nil {
		m.log.Warnf("queue_run mark inactive: %v", err)
	} else {
		st.Runtime = Runtime{}
		if saved, err := m.store.Save(ctx, st); err != nil {
			m.log.Warnf("queue_run mark inactive: %v", err)
		} else {
			m.emitQueue(saved)
		}
	}

	final := last
	final.UpdatedAt = time.Time{}
	final.Error = ""
	msg := sum.Message()
	switch {
	case runErr != nil:
		final.Status = storage.RunError
		final.Error = runErr.Error()
		msg = "Queue error: " + runErr.Error()
		m.log.Errorf("queue_run run=%s: %v", runID, runErr)
	case sum.Cancelled:
		final.Status = storage.RunCancelled
		m.log.Infof("queue_run run=%s %s", runID, msg)
	default:
		final.Status = storage.RunCompleted
		m.log.Infof("queue_run run=%s %s", runID, msg)
	}
	final.Message = msg
	m.publish(ctx, final)

	s := sum
	return Event{Type: EventRunFinished, RunID: runID, Summary: &s, Message: msg, Error: errString(runErr)}
}

func (m *Manager) publish(ctx context.Context, st storage.RunStatus) {
	if m.status == nil {
		return
	}
	if err := m.status.Publish(ctx, st); err != nil {
		m.log.Warnf("publish run status: %v", err)
	}
}

func (m *Manager) record(ctx context.Context, a journal.Attempt) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordAttempt(ctx, a); err != nil {
		m.log.Warnf("journal attempt %s: %v", a.ID, err)
	}
}

func stopRequested(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func itemEvent(t EventType, runID string, it Item, status ItemStatus) Event {
	return Event{
		Type:        t,
		RunID:       runID,
		ItemID:      it.ID,
		ItemIndex:   it.Index,
		Label:       it.Label,
		Status:      status,
		SourceIndex: it.SourceCursor,
	}
}

func sourceEvent(runID string, it Item, a journal.Attempt) Event {
	return Event{
		Type:        EventSourceFinished,
		RunID:       runID,
		ItemID:      it.ID,
		ItemIndex:   it.Index,
		Label:       it.Label,
		Status:      StatusRunning,
		Source:      a.SourcePath,
		SourceIndex: it.SourceCursor,
		Outcome:     Outcome(a.Outcome),
		StudyID:     a.StudyID,
		Error:       a.Error,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
