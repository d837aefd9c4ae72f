package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/optqueue/control"
	"github.com/rustyeddy/optqueue/internal/logging"
	"github.com/rustyeddy/optqueue/queue"
)

func TestParseParam(t *testing.T) {
	tests := []struct {
		spec string
		name string
		want queue.ParamRange
		err  bool
	}{
		{spec: "fast=5:20:1", name: "fast", want: queue.ParamRange{From: 5, To: 20, Step: 1}},
		{spec: "slow=20:80", name: "slow", want: queue.ParamRange{From: 20, To: 80, Step: 1}},
		{spec: "risk = 0.5:2:0.25", name: "risk", want: queue.ParamRange{From: 0.5, To: 2, Step: 0.25}},
		{spec: "ma=sma|ema| wma", name: "ma", want: queue.ParamRange{Options: []string{"sma", "ema", "wma"}}},
		{spec: "trail=true", name: "trail", want: queue.ParamRange{Options: []string{"true"}}},
		{spec: "fast", err: true},
		{spec: "=1:2", err: true},
		{spec: "fast=a:b", err: true},
		{spec: "fast=1:2:3:4", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, r, err := parseParam(tt.spec)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.want, r)
		})
	}
}

func TestLoadForm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "form.yaml")
	content := `mode: wfa
strategyId: ema_cross
sources:
  - /data/eurusd.csv
  - /data/gbpusd.csv
start: "2023-01-01"
end: "2023-12-31"
warmupBars: 500
params:
  fast: {from: 5, to: 20, step: 1}
  ma: {options: [sma, ema]}
budget: {mode: trials, trials: 200}
wfa:
  isPeriodDays: 120
  oosPeriodDays: 30
extra:
  note: nightly
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	form, err := loadForm(path)
	require.NoError(t, err)
	assert.Equal(t, queue.ModeWFA, form.Mode)
	assert.Equal(t, "ema_cross", form.StrategyID)
	assert.Equal(t, []string{"/data/eurusd.csv", "/data/gbpusd.csv"}, form.Sources)
	assert.Equal(t, "2023-01-01", form.Start)
	assert.Equal(t, 500, form.WarmupBars)
	assert.Equal(t, queue.ParamRange{From: 5, To: 20, Step: 1}, form.Params["fast"])
	assert.Equal(t, []string{"sma", "ema"}, form.Params["ma"].Options)
	assert.Equal(t, queue.Budget{Mode: queue.BudgetTrials, Trials: 200}, form.Budget)
	require.NotNil(t, form.WFA)
	assert.Equal(t, 120, form.WFA.ISPeriodDays)
	assert.Equal(t, "nightly", form.Extra["note"])

	_, err = loadForm(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFormatValidation(t *testing.T) {
	err := formatValidation(&queue.ValidationError{
		Kind:    queue.KindParamRanges,
		Message: "invalid parameter ranges",
		Details: []string{"fast: step must be positive", "slow: unknown parameter"},
	})
	assert.Equal(t, "invalid parameter ranges\n  - fast: step must be positive\n  - slow: unknown parameter", err.Error())

	plain := errors.New("boom")
	assert.Same(t, plain, formatValidation(plain))
}

func TestProgressPrinter(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)
	var buf bytes.Buffer
	p := progressPrinter(&buf)

	p.OnEvent(queue.Event{Type: queue.EventItemStarted, Label: "#1 · ema"})
	p.OnEvent(queue.Event{Type: queue.EventSourceFinished, Source: "/d/a.csv", Outcome: queue.OutcomeSuccess, StudyID: "s1"})
	p.OnEvent(queue.Event{Type: queue.EventSourceFinished, Source: "/d/b.csv", Outcome: queue.OutcomeFailure, Error: "bad csv"})
	p.OnEvent(queue.Event{Type: queue.EventItemFinished, Status: queue.StatusPartial})
	p.OnEvent(queue.Event{Type: queue.EventRunFinished, Message: "Queue finished: 1 successful, 1 partial, 0 failed (1 total)"})

	want := "#1 · ema\n" +
		"  ✓ /d/a.csv s1\n" +
		"  ✗ /d/b.csv: bad csv\n" +
		"  → partial\n" +
		"Queue finished: 1 successful, 1 partial, 0 failed (1 total)\n"
	assert.Equal(t, want, buf.String())
}

type fakeRunCtrl struct {
	running bool
	stops   int
	cancels int
}

func (f *fakeRunCtrl) RequestStop() bool {
	if f.running {
		f.stops++
	}
	return f.running
}

func (f *fakeRunCtrl) Cancel() bool {
	if f.running {
		f.cancels++
	}
	return f.running
}

func TestControlRelayHoldsSignalUntilRunStarts(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ctrl := &fakeRunCtrl{}
	r := newControlRelay(ctrl, logging.Discard())
	r.now = func() time.Time { return now }

	r.handle(control.Signal{Action: control.ActionCancel, RequestedAt: now})
	r.handle(control.Signal{Action: control.ActionStop, RequestedAt: now})
	assert.Zero(t, ctrl.cancels)

	r.OnEvent(queue.Event{Type: queue.EventQueueChanged})
	assert.Zero(t, ctrl.cancels)

	ctrl.running = true
	r.OnEvent(queue.Event{Type: queue.EventRunStarted})
	assert.Equal(t, 1, ctrl.cancels)
	assert.Zero(t, ctrl.stops)

	// Released once only.
	r.OnEvent(queue.Event{Type: queue.EventRunStarted})
	assert.Equal(t, 1, ctrl.cancels)

	// While running, signals apply immediately.
	r.handle(control.Signal{Action: control.ActionStop, RequestedAt: now})
	assert.Equal(t, 1, ctrl.stops)
}

func TestControlRelayDropsExpiredSignal(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ctrl := &fakeRunCtrl{}
	r := newControlRelay(ctrl, logging.Discard())
	r.now = func() time.Time { return now.Add(pendingControlTTL + time.Second) }

	r.handle(control.Signal{Action: control.ActionStop, RequestedAt: now})
	ctrl.running = true
	r.OnEvent(queue.Event{Type: queue.EventRunStarted})
	assert.Zero(t, ctrl.stops)
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optqueue.yaml")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "init", "-o", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Created default configuration")
	assert.FileExists(t, path)

	out.Reset()
	rootCmd.SetArgs([]string{"config", "validate", "-f", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Configuration valid")
	assert.Contains(t, out.String(), "http://127.0.0.1:8000")

	out.Reset()
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "optqueue version "+version+"\n", out.String())
}
