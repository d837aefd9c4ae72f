package queue

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/optqueue/backend"
	"github.com/rustyeddy/optqueue/journal"
	"github.com/rustyeddy/optqueue/storage"
)

type recordedStatus struct {
	mu   sync.Mutex
	list []storage.RunStatus
}

func (r *recordedStatus) Publish(_ context.Context, st storage.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, st)
	return nil
}

func (r *recordedStatus) last() storage.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list[len(r.list)-1]
}

type recordedJournal struct {
	mu       sync.Mutex
	attempts []journal.Attempt
}

func (r *recordedJournal) RecordAttempt(_ context.Context, a journal.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) finished() map[string]ItemStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]ItemStatus{}
	for _, e := range l.events {
		if e.Type == EventItemFinished {
			out[e.ItemID] = e.Status
		}
	}
	return out
}

func (l *eventLog) runFinished() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == EventRunFinished {
			return e, true
		}
	}
	return Event{}, false
}

type harness struct {
	remote  *memRemote
	runner  *fakeRunner
	status  *recordedStatus
	journal *recordedJournal
	events  *eventLog
	mgr     *Manager
}

func newHarness(t *testing.T, items ...Item) *harness {
	t.Helper()
	h := &harness{
		remote:  &memRemote{},
		runner:  &fakeRunner{},
		status:  &recordedStatus{},
		journal: &recordedJournal{},
		events:  &eventLog{},
	}
	if len(items) > 0 {
		h.remote.put(State{Items: items})
	}
	store := NewStore(h.remote, nil, nil)
	h.mgr = NewManager(store, h.runner, WithStatus(h.status), WithJournal(h.journal))
	h.mgr.Subscribe(h.events)
	return h
}

func failOn(paths ...string) func(context.Context, backend.OptimizeRequest) (*backend.RunResult, error) {
	return func(_ context.Context, req backend.OptimizeRequest) (*backend.RunResult, error) {
		for _, p := range paths {
			if req.CSVPath == p {
				return nil, errBackend
			}
		}
		return &backend.RunResult{Status: "completed", StudyID: "study-" + req.CSVPath}, nil
	}
}

// Scenario: one item, P1 succeeds, P2 fails.
func TestRunPartialItem(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1", "/P2"))
	h.runner.handle = failOn("/P2")

	sum, err := h.mgr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 1, Succeeded: 1, Partial: 1, Failed: 0}, sum)
	assert.Equal(t, "Queue finished: 1 successful, 1 partial, 0 failed (1 total)", sum.Message())
	assert.Equal(t, []string{"/P1", "/P2"}, h.runner.paths())
	assert.Empty(t, h.remote.state().Items)
	assert.Equal(t, StatusPartial, h.events.finished()["a"])

	require.Len(t, h.journal.attempts, 2)
	assert.Equal(t, "success", h.journal.attempts[0].Outcome)
	assert.Equal(t, "failure", h.journal.attempts[1].Outcome)
	assert.Contains(t, h.journal.attempts[1].Error, "backend exploded")

	final := h.status.last()
	assert.Equal(t, storage.RunCompleted, final.Status)
	assert.Equal(t, sum.Message(), final.Message)
	assert.Equal(t, "study-/P1", final.StudyID)

	ev, ok := h.events.runFinished()
	require.True(t, ok)
	assert.Equal(t, sum.Message(), ev.Message)
}

func TestRunCheckpointsEverySource(t *testing.T) {
	t.Parallel()

	it := testItem("a", 1, "/P1", "/P2", "/P3")
	it.SourceCursor = 1
	it.FailureCount = 1
	h := newHarness(t, it)

	var snapshots []State
	h.runner.handle = func(_ context.Context, req backend.OptimizeRequest) (*backend.RunResult, error) {
		snapshots = append(snapshots, h.remote.state())
		return &backend.RunResult{Status: "completed"}, nil
	}

	_, err := h.mgr.Run(context.Background())
	require.NoError(t, err)

	// Source 0 was done before this run and is never reprocessed.
	assert.Equal(t, []string{"/P2", "/P3"}, h.runner.paths())
	require.Len(t, snapshots, 2)
	assert.Equal(t, 1, snapshots[0].Items[0].SourceCursor)
	assert.Equal(t, 0, snapshots[0].Items[0].SuccessCount)
	assert.Equal(t, 2, snapshots[1].Items[0].SourceCursor)
	assert.Equal(t, 1, snapshots[1].Items[0].SuccessCount)
	assert.Equal(t, 1, snapshots[1].Items[0].FailureCount)
	assert.True(t, snapshots[0].Runtime.Active)
}

func TestRunClassification(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		testItem("ok", 1, "/a1", "/a2"),
		testItem("half", 2, "/b1", "/b2"),
		testItem("bad", 3, "/c1"),
	)
	h.runner.handle = failOn("/b2", "/c1")

	sum, err := h.mgr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]ItemStatus{
		"ok":   StatusCompleted,
		"half": StatusPartial,
		"bad":  StatusFailed,
	}, h.events.finished())
	assert.Equal(t, "Queue finished: 2 successful, 1 partial, 1 failed (3 total)", sum.Message())

	st := h.remote.state()
	assert.Empty(t, st.Items)
	assert.False(t, st.Runtime.Active)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StatusCompleted, Classify(3, 3))
	assert.Equal(t, StatusPartial, Classify(1, 3))
	assert.Equal(t, StatusFailed, Classify(0, 3))
	assert.Equal(t, StatusFailed, Classify(0, 0))
}

func TestRunEmptyQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sum, err := h.mgr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{}, sum)
	assert.Zero(t, h.runner.callCount())
	assert.False(t, h.mgr.Running())
	st, err := h.mgr.State(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Runtime.Active)
	assert.Zero(t, h.remote.saves)
}

func TestRunIsExclusive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1"), testItem("b", 2, "/P2"))
	started := make(chan struct{})
	release := make(chan struct{})
	h.runner.handle = func(ctx context.Context, req backend.OptimizeRequest) (*backend.RunResult, error) {
		if req.CSVPath == "/P1" {
			close(started)
			<-release
		}
		return &backend.RunResult{Status: "completed"}, nil
	}

	done := make(chan Summary)
	go func() {
		sum, _ := h.mgr.Run(context.Background())
		done <- sum
	}()
	<-started

	before := h.remote.state()
	_, err := h.mgr.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	after := h.remote.state()
	assert.Equal(t, before, after)
	assert.Len(t, after.Items, 2)
	assert.True(t, after.Runtime.Active)

	_, err = h.mgr.AddItem(context.Background(), testItem("c", 3, "/P3"))
	assert.ErrorIs(t, err, ErrQueueRunning)
	assert.ErrorIs(t, h.mgr.RemoveItem(context.Background(), "b"), ErrQueueRunning)
	assert.ErrorIs(t, h.mgr.ClearQueue(context.Background()), ErrQueueRunning)

	close(release)
	sum := <-done
	assert.Equal(t, 2, sum.Total)
	assert.False(t, h.mgr.Running())
}

func TestAddItemRacingRunStart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for range 50 {
		h := newHarness(t, testItem("a", 1, "/P1"))

		var (
			wg             sync.WaitGroup
			added          Item
			addErr, runErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			added, addErr = h.mgr.AddItem(ctx, testItem("", 2, "/P2"))
		}()
		go func() {
			defer wg.Done()
			_, runErr = h.mgr.Run(ctx)
		}()
		wg.Wait()

		require.NoError(t, runErr)
		if addErr != nil {
			require.ErrorIs(t, addErr, ErrQueueRunning)
			continue
		}
		ran := slices.Contains(h.runner.paths(), "/P2")
		queued := h.remote.state().Find(added.ID) >= 0
		assert.True(t, ran || queued, "accepted item %s was lost", added.ID)
	}
}

func TestRunContinuesAfterCheckpointFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1", "/P2"))
	h.runner.handle = func(_ context.Context, req backend.OptimizeRequest) (*backend.RunResult, error) {
		if req.CSVPath == "/P1" {
			h.remote.setFailSave(errSave)
		} else {
			h.remote.setFailSave(nil)
		}
		return &backend.RunResult{Status: "completed"}, nil
	}

	sum, err := h.mgr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/P1", "/P2"}, h.runner.paths())
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, StatusCompleted, h.events.finished()["a"])
	assert.Empty(t, h.remote.state().Items)
	assert.Equal(t, storage.RunCompleted, h.status.last().Status)
}

func TestRunRemoveFinishedFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1"), testItem("b", 2, "/P2"))
	// Saves: mark active, checkpoint a, remove a.
	h.remote.failSaveAt = 3

	sum, err := h.mgr.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errSave)
	assert.Contains(t, err.Error(), "remove finished item a")
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, []string{"/P1"}, h.runner.paths())
	assert.False(t, h.mgr.Running())

	final := h.status.last()
	assert.Equal(t, storage.RunError, final.Status)
	assert.Contains(t, final.Message, "Queue error:")

	st := h.remote.state()
	assert.False(t, st.Runtime.Active)
	require.Len(t, st.Items, 1)
	assert.Equal(t, "b", st.Items[0].ID)

	ev, ok := h.events.runFinished()
	require.True(t, ok)
	assert.NotEmpty(t, ev.Error)
}

func TestRunCancelMidItem(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1", "/P2", "/P3"), testItem("b", 2, "/Q1"))
	h.runner.handle = func(ctx context.Context, req backend.OptimizeRequest) (*backend.RunResult, error) {
		if req.CSVPath == "/P2" {
			go h.mgr.Cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &backend.RunResult{Status: "completed", StudyID: "s1"}, nil
	}

	sum, err := h.mgr.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Cancelled)
	assert.Zero(t, sum.Total)
	assert.Contains(t, sum.Message(), ", cancelled")

	st := h.remote.state()
	require.Len(t, st.Items, 2)
	assert.Equal(t, "a", st.Items[0].ID)
	assert.Equal(t, 1, st.Items[0].SourceCursor)
	assert.Equal(t, 1, st.Items[0].SuccessCount)
	assert.Equal(t, 0, st.Items[0].FailureCount)
	assert.Equal(t, 0, st.Items[1].SourceCursor)
	assert.False(t, st.Runtime.Active)

	assert.Equal(t, StatusSkipped, h.events.finished()["a"])
	assert.Equal(t, []string{"/P1", "/P2"}, h.runner.paths())

	require.Len(t, h.runner.cancelled, 1)
	assert.Equal(t, h.runner.calls[1].Req.RunID, h.runner.cancelled[0])
	require.Len(t, h.journal.attempts, 2)
	assert.Equal(t, "cancelled", h.journal.attempts[1].Outcome)
	assert.Equal(t, storage.RunCancelled, h.status.last().Status)

	// A later run resumes exactly where the abort left off.
	h.runner.handle = nil
	sum, err = h.mgr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/P1", "/P2", "/P2", "/P3", "/Q1"}, h.runner.paths())
	assert.Equal(t, 2, sum.Succeeded)
}

func TestRunParentContextCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1"))
	ctx, cancel := context.WithCancel(context.Background())
	h.runner.handle = func(rctx context.Context, _ backend.OptimizeRequest) (*backend.RunResult, error) {
		cancel()
		<-rctx.Done()
		return nil, rctx.Err()
	}

	sum, err := h.mgr.Run(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Cancelled)

	// Bookkeeping still lands after the caller's context is gone.
	st := h.remote.state()
	require.Len(t, st.Items, 1)
	assert.False(t, st.Runtime.Active)
}

func TestRunStopAfterCurrentMidItem(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1", "/P2", "/P3"), testItem("b", 2, "/Q1"))
	h.runner.handle = func(_ context.Context, req backend.OptimizeRequest) (*backend.RunResult, error) {
		if req.CSVPath == "/P1" {
			assert.True(t, h.mgr.RequestStop())
			assert.True(t, h.mgr.RequestStop(), "repeat requests are harmless")
		}
		return &backend.RunResult{Status: "completed"}, nil
	}

	sum, err := h.mgr.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Stopped)
	assert.False(t, sum.Cancelled)
	assert.Equal(t, []string{"/P1"}, h.runner.paths())

	st := h.remote.state()
	require.Len(t, st.Items, 2)
	assert.Equal(t, 1, st.Items[0].SourceCursor)
	assert.Equal(t, StatusQueued, h.events.finished()["a"])
	assert.Equal(t, storage.RunCompleted, h.status.last().Status)
	assert.Empty(t, h.runner.cancelled)
}

func TestRunStopAfterCurrentExhaustsItem(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1"), testItem("b", 2, "/Q1"))
	h.runner.handle = func(_ context.Context, req backend.OptimizeRequest) (*backend.RunResult, error) {
		h.mgr.RequestStop()
		return &backend.RunResult{Status: "completed"}, nil
	}

	sum, err := h.mgr.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Stopped)
	assert.Equal(t, 1, sum.Total)

	st := h.remote.state()
	require.Len(t, st.Items, 1)
	assert.Equal(t, "b", st.Items[0].ID)
	assert.Equal(t, StatusCompleted, h.events.finished()["a"])
}

func TestRequestStopAndCancelWhenIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	assert.False(t, h.mgr.RequestStop())
	assert.False(t, h.mgr.Cancel())
}

func TestRunWalkForwardRequest(t *testing.T) {
	t.Parallel()

	it := testItem("w", 1, `C:\data\x.csv`)
	it.Mode = ModeWFA
	it.DBTarget = "wfa.db"
	it.WFA = &WFASettings{ISPeriodDays: 120, OOSPeriodDays: 40, StoreTopNTrials: 20, Adaptive: true, CUSUMThreshold: 4}
	h := newHarness(t, it)

	_, err := h.mgr.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.runner.calls, 1)
	c := h.runner.calls[0]
	assert.Equal(t, "wfa", c.Mode)
	assert.Equal(t, `C:\data\x.csv`, c.Req.CSVPath)
	assert.Equal(t, "s01", c.Req.StrategyID)
	assert.Equal(t, 1000, c.Req.WarmupBars)
	assert.Equal(t, "wfa.db", c.Req.DBTarget)
	assert.NotEmpty(t, c.Req.RunID)
	assert.Equal(t, 120, c.WFA.ISPeriodDays)
	assert.Equal(t, 40, c.WFA.OOSPeriodDays)
	assert.True(t, c.WFA.Adaptive)
	assert.Equal(t, 4.0, c.WFA.CUSUMThreshold)

	cfg, ok := c.Req.Config.(RunConfig)
	require.True(t, ok)
	assert.Equal(t, "2024-01-01", cfg.DateFilter.Start)
}

func TestRunFreshRunIDPerSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1", "/P2"))
	_, err := h.mgr.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.runner.calls, 2)
	assert.NotEqual(t, h.runner.calls[0].Req.RunID, h.runner.calls[1].Req.RunID)
	assert.Equal(t, h.journal.attempts[0].RunID, h.journal.attempts[1].RunID)
}

func TestRunNewerSchemaFailsWithoutBackend(t *testing.T) {
	t.Parallel()

	it := testItem("future", 1, "/P1", "/P2")
	it.Config.SchemaVersion = CurrentSchemaVersion + 1
	h := newHarness(t, it)

	sum, err := h.mgr.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.runner.callCount())
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, h.journal.attempts, 2)
	assert.Contains(t, h.journal.attempts[0].Error, ErrUnsupportedSchema.Error())
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1"))
	h.runner.handle = func(context.Context, backend.OptimizeRequest) (*backend.RunResult, error) {
		panic("nil map")
	}

	_, err := h.mgr.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, h.mgr.Running())

	final := h.status.last()
	assert.Equal(t, storage.RunError, final.Status)
	assert.Contains(t, final.Message, "Queue error:")
	assert.False(t, h.remote.state().Runtime.Active)

	// The manager is usable again.
	h.runner.handle = nil
	sum, err := h.mgr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
}

func TestRunReloadError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.remote.put(State{Items: []Item{testItem("a", 1, "/P1")}})
	store := NewStore(errRemote{h.remote}, nil, nil)
	mgr := NewManager(store, h.runner)

	_, err := mgr.Run(ctx)
	require.Error(t, err)
	assert.False(t, mgr.Running())
	assert.Zero(t, h.runner.callCount())
}

type errRemote struct{ *memRemote }

func (errRemote) FetchQueue(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("unreachable")
}

func TestManagerCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	a, err := h.mgr.AddItem(ctx, testItem("", 1, "/a.csv"))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, 1, a.Index)

	// A stale index is bumped and the label follows.
	stale := testItem("", 1, "/b.csv")
	stale.Label = "#1 · s01 · b.csv"
	b, err := h.mgr.AddItem(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Index)
	assert.Contains(t, b.Label, "#2 · ")

	_, err = h.mgr.AddItem(ctx, testItem("", 0, "relative.csv"))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, KindNoSources, ve.Kind)

	st, err := h.mgr.State(ctx)
	require.NoError(t, err)
	require.Len(t, st.Items, 2)
	assert.Equal(t, 3, st.NextIndex)

	assert.ErrorIs(t, h.mgr.RemoveItem(ctx, "nope"), ErrItemNotFound)
	require.NoError(t, h.mgr.RemoveItem(ctx, a.ID))
	assert.Len(t, h.remote.state().Items, 1)

	require.NoError(t, h.mgr.ClearQueue(ctx))
	st, err = h.mgr.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Items)
	assert.Equal(t, 3, st.NextIndex)

	var changes int
	for _, e := range h.events.events {
		if e.Type == EventQueueChanged {
			changes++
		}
	}
	assert.Equal(t, 4, changes)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1"))
	var n int
	unsubscribe := h.mgr.Subscribe(ObserverFunc(func(Event) { n++ }))
	unsubscribe()

	_, err := h.mgr.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NotEmpty(t, h.events.events)
}

func TestRunEventsOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testItem("a", 1, "/P1"))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.mgr.now = func() time.Time { return clock }

	_, err := h.mgr.Run(context.Background())
	require.NoError(t, err)

	var types []EventType
	for _, e := range h.events.events {
		if e.Type != EventQueueChanged {
			types = append(types, e.Type)
		}
		assert.Equal(t, clock, e.Time)
	}
	assert.Equal(t, []EventType{EventRunStarted, EventItemStarted, EventSourceFinished, EventItemFinished, EventRunFinished}, types)
}
