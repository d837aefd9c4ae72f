package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rustyeddy/optqueue/backend"
)

// memRemote stores the queue document in memory.
type memRemote struct {
	mu     sync.Mutex
	doc    json.RawMessage
	saves  int
	clears int
	// rewrite lets a test emulate backend-side renormalization.
	rewrite  func(json.RawMessage) json.RawMessage
	failSave error

	// failSaveAt fails only the nth SaveQueue call, counting from 1.
	failSaveAt int
	attempts   int
}

func (r *memRemote) FetchQueue(context.Context) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc == nil {
		return nil, nil
	}
	return append(json.RawMessage(nil), r.doc...), nil
}

func (r *memRemote) SaveQueue(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failSave != nil {
		return nil, r.failSave
	}
	if r.failSaveAt == r.attempts {
		return nil, errSave
	}
	r.saves++
	doc := append(json.RawMessage(nil), payload...)
	if r.rewrite != nil {
		doc = r.rewrite(doc)
	}
	r.doc = doc
	return append(json.RawMessage(nil), doc...), nil
}

func (r *memRemote) ClearQueue(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	r.doc = nil
	return nil
}

// state decodes what the remote currently holds.
func (r *memRemote) state() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc == nil {
		return State{}
	}
	var st State
	if err := json.Unmarshal(r.doc, &st); err != nil {
		panic(err)
	}
	return st
}

func (r *memRemote) put(st State) {
	raw, err := json.Marshal(st)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.doc = raw
	r.mu.Unlock()
}

type memLegacy struct {
	mu      sync.Mutex
	data    map[string][]byte
	deletes int
}

func (l *memLegacy) Get(_ context.Context, key string) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.data[key]
	return v, ok, nil
}

func (l *memLegacy) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deletes++
	delete(l.data, key)
	return nil
}

type call struct {
	Mode string
	Req  backend.OptimizeRequest
	WFA  backend.WalkForwardRequest
}

// fakeRunner answers backend runs through a callback and records each call.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []call
	cancelled []string
	handle    func(ctx context.Context, req backend.OptimizeRequest) (*backend.RunResult, error)
}

func (f *fakeRunner) Optimize(ctx context.Context, req backend.OptimizeRequest) (*backend.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{Mode: "optuna", Req: req})
	f.mu.Unlock()
	return f.result(ctx, req)
}

func (f *fakeRunner) WalkForward(ctx context.Context, req backend.WalkForwardRequest) (*backend.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{Mode: "wfa", Req: req.OptimizeRequest, WFA: req})
	f.mu.Unlock()
	return f.result(ctx, req.OptimizeRequest)
}

func (f *fakeRunner) result(ctx context.Context, req backend.OptimizeRequest) (*backend.RunResult, error) {
	if f.handle == nil {
		return &backend.RunResult{Status: "completed", StudyID: "study-" + req.CSVPath}, nil
	}
	return f.handle(ctx, req)
}

func (f *fakeRunner) CancelOptimization(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Req.CSVPath
	}
	return out
}

func (r *memRemote) setFailSave(err error) {
	r.mu.Lock()
	r.failSave = err
	r.mu.Unlock()
}

var (
	errBackend = errors.New("backend exploded")
	errSave    = errors.New("queue document rejected")
)

func testItem(id string, index int, paths ...string) Item {
	it := Item{
		ID:         id,
		Index:      index,
		Mode:       ModeOptuna,
		StrategyID: "s01",
		Config: RunConfig{
			SchemaVersion: CurrentSchemaVersion,
			WarmupBars:    1000,
			DateFilter:    DateFilter{Start: "2024-01-01", End: "2024-06-30"},
			Params:        map[string]ParamRange{"maLength": {Type: backend.ParamInt, From: 10, To: 50, Step: 5}},
			Budget:        Budget{Mode: BudgetTrials, Trials: 50},
		},
	}
	for _, p := range paths {
		it.Sources = append(it.Sources, PathSource(p))
	}
	return it
}
