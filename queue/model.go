package queue

import (
	"encoding/json"
	"time"

	"github.com/rustyeddy/optqueue/backend"
)

// CurrentSchemaVersion is the RunConfig layout this build understands.
const CurrentSchemaVersion = 1

// Mode selects the backend endpoint and the shape of the result.
type Mode string

const (
	ModeOptuna Mode = "optuna"
	ModeWFA    Mode = "wfa"
)

func (m Mode) Valid() bool {
	return m == ModeOptuna || m == ModeWFA
}

// State is the root persisted object. Item order is execution order.
type State struct {
	Items     []Item  `json:"items"`
	NextIndex int     `json:"nextIndex"`
	Runtime   Runtime `json:"runtime"`
}

// Runtime records whether a run loop is believed to be executing. It is
// best-effort and only used to decide whether a UI should reattach.
type Runtime struct {
	Active    bool  `json:"active"`
	UpdatedAt int64 `json:"updatedAt"` // unix millis, 0 when idle
}

// Empty reports whether there is nothing queued.
func (s State) Empty() bool {
	return len(s.Items) == 0
}

// Head returns the next item to execute.
func (s State) Head() (Item, bool) {
	if len(s.Items) == 0 {
		return Item{}, false
	}
	return s.Items[0], true
}

// Find returns the position of the item with the given id or -1.
func (s State) Find(id string) int {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{NextIndex: s.NextIndex, Runtime: s.Runtime}
	if s.Items != nil {
		out.Items = make([]Item, len(s.Items))
		for i := range s.Items {
			out.Items[i] = s.Items[i].Clone()
		}
	}
	return out
}

// Source is a single dataset. Only filesystem paths are supported.
type Source struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

func PathSource(path string) Source {
	return Source{Type: "path", Path: path}
}

// Item is one scheduled job.
type Item struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Mode  Mode   `json:"mode"`
	Label string `json:"label"`

	StrategyID     string                 `json:"strategyId"`
	StrategyConfig backend.StrategyConfig `json:"strategyConfig"`

	Sources      []Source `json:"sources"`
	SourceCursor int      `json:"sourceCursor"`
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`

	Config     RunConfig          `json:"config"`
	WFA        *WFASettings       `json:"wfa,omitempty"`
	DBTarget   string             `json:"dbTarget,omitempty"`
	UISnapshot map[string]Control `json:"uiSnapshot,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// TotalSources is the number of datasets the item covers.
func (it Item) TotalSources() int {
	return len(it.Sources)
}

// Exhausted reports whether every source has been attempted.
func (it Item) Exhausted() bool {
	return it.SourceCursor >= len(it.Sources)
}

// Clone returns a deep copy of it.
func (it Item) Clone() Item {
	out := it
	out.Sources = append([]Source(nil), it.Sources...)
	out.StrategyConfig = it.StrategyConfig.Clone()
	out.Config = it.Config.Clone()
	if it.WFA != nil {
		w := *it.WFA
		out.WFA = &w
	}
	if it.UISnapshot != nil {
		out.UISnapshot = make(map[string]Control, len(it.UISnapshot))
		for k, v := range it.UISnapshot {
			if v.Checked != nil {
				c := *v.Checked
				v.Checked = &c
			}
			out.UISnapshot[k] = v
		}
	}
	return out
}

// Control is the captured value of one form control.
type Control struct {
	Value   string `json:"value,omitempty"`
	Checked *bool  `json:"checked,omitempty"`
}

// ParamRange is the search range the user enabled for one parameter.
type ParamRange struct {
	Type    backend.ParamType `json:"type"`
	From    float64           `json:"from,omitempty"`
	To      float64           `json:"to,omitempty"`
	Step    float64           `json:"step,omitempty"`
	Options []string          `json:"options,omitempty"`
}

// BudgetMode selects how the optimizer bounds its search.
type BudgetMode string

const (
	BudgetTrials      BudgetMode = "trials"
	BudgetTime        BudgetMode = "time"
	BudgetConvergence BudgetMode = "convergence"
)

type Budget struct {
	Mode     BudgetMode `json:"mode"`
	Trials   int        `json:"trials,omitempty"`
	Minutes  int        `json:"minutes,omitempty"`
	Patience int        `json:"patience,omitempty"`
}

// DateFilter bounds the dataset window, both ends inclusive (YYYY-MM-DD).
type DateFilter struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Constraint struct {
	Metric    string  `json:"metric"`
	Op        string  `json:"op"` // gte|lte
	Threshold float64 `json:"threshold"`
}

type Sanitize struct {
	Enabled bool `json:"enabled"`
	Trades  int  `json:"trades,omitempty"`
}

type Filter struct {
	MinProfit      *float64 `json:"minProfit,omitempty"`
	ScoreThreshold *float64 `json:"scoreThreshold,omitempty"`
}

type PostProcess struct {
	ForwardTest bool `json:"forwardTest"`
	StressTest  bool `json:"stressTest"`
	OOSTest     bool `json:"oosTest"`
	TopK        int  `json:"topK,omitempty"`
}

// RunConfig is the full run configuration. The executor never interprets it
// beyond WarmupBars; it is sent to the backend as-is.
type RunConfig struct {
	SchemaVersion    int                   `json:"schemaVersion"`
	WarmupBars       int                   `json:"warmupBars"`
	DateFilter       DateFilter            `json:"dateFilter"`
	Objectives       []string              `json:"objectives"`
	PrimaryObjective string                `json:"primaryObjective,omitempty"`
	Constraints      []Constraint          `json:"constraints,omitempty"`
	Params           map[string]ParamRange `json:"params"`
	Budget           Budget                `json:"budget"`
	Sampler          string                `json:"sampler,omitempty"`
	Sanitize         Sanitize              `json:"sanitize"`
	Filter           Filter                `json:"filter"`
	PostProcess      PostProcess           `json:"postProcess"`
	Extra            map[string]any        `json:"extra,omitempty"`
}

// Clone deep-copies the configuration via JSON so the passthrough Extra map
// is detached as well.
func (c RunConfig) Clone() RunConfig {
	raw, err := json.Marshal(c)
	if err != nil {
		return c
	}
	var out RunConfig
	if err := json.Unmarshal(raw, &out); err != nil {
		return c
	}
	return out
}

// WFASettings are the walk-forward specific fields.
type WFASettings struct {
	ISPeriodDays          int     `json:"isPeriodDays"`
	OOSPeriodDays         int     `json:"oosPeriodDays"`
	StoreTopNTrials       int     `json:"storeTopNTrials"`
	Adaptive              bool    `json:"adaptive"`
	MaxOOSPeriodDays      int     `json:"maxOosPeriodDays,omitempty"`
	MinOOSTrades          int     `json:"minOosTrades,omitempty"`
	CheckIntervalTrades   int     `json:"checkIntervalTrades,omitempty"`
	CUSUMThreshold        float64 `json:"cusumThreshold,omitempty"`
	DDThresholdMultiplier float64 `json:"ddThresholdMultiplier,omitempty"`
	InactivityMultiplier  float64 `json:"inactivityMultiplier,omitempty"`
}

// DefaultWFA mirrors the backend defaults for walk-forward runs.
func DefaultWFA() WFASettings {
	return WFASettings{
		ISPeriodDays:          90,
		OOSPeriodDays:         30,
		StoreTopNTrials:       50,
		MaxOOSPeriodDays:      90,
		MinOOSTrades:          5,
		CheckIntervalTrades:   3,
		CUSUMThreshold:        5.0,
		DDThresholdMultiplier: 1.5,
		InactivityMultiplier:  5.0,
	}
}
