package queue

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/rustyeddy/optqueue/backend"
	"github.com/rustyeddy/optqueue/pkg/id"
)

// ValidationKind identifies why a form was rejected.
type ValidationKind string

const (
	KindNoSources    ValidationKind = "no_sources"
	KindRelativePath ValidationKind = "relative_path"
	KindNoStrategy   ValidationKind = "no_strategy"
	KindMode         ValidationKind = "mode"
	KindParamRanges  ValidationKind = "param_ranges"
	KindDateRange    ValidationKind = "date_range"
	KindDBTarget     ValidationKind = "db_target"
	KindNoParams     ValidationKind = "no_params"
	KindWFASettings  ValidationKind = "wfa_settings"
)

// ValidationError is a user-facing rejection. Details carries one message
// per offending parameter or path.
type ValidationError struct {
	Kind    ValidationKind
	Message string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Details, "; ")
}

func invalid(kind ValidationKind, msg string, details ...string) *ValidationError {
	return &ValidationError{Kind: kind, Message: msg, Details: details}
}

const dateLayout = "2006-01-02"

// Form is the run configuration as entered by a user, before validation.
type Form struct {
	Mode       Mode     `json:"mode"`
	StrategyID string   `json:"strategyId"`
	Sources    []string `json:"sources"`
	Start      string   `json:"start"`
	End        string   `json:"end"`
	WarmupBars int      `json:"warmupBars"`

	Objectives       []string              `json:"objectives"`
	PrimaryObjective string                `json:"primaryObjective"`
	Constraints      []Constraint          `json:"constraints"`
	Params           map[string]ParamRange `json:"params"`
	Budget           Budget                `json:"budget"`
	Sampler          string                `json:"sampler"`
	Sanitize         Sanitize              `json:"sanitize"`
	Filter           Filter                `json:"filter"`
	PostProcess      PostProcess           `json:"postProcess"`
	Extra            map[string]any        `json:"extra"`

	WFA      *WFASettings `json:"wfa"`
	DBTarget string       `json:"dbTarget"`
	Label    string       `json:"label"`

	UISnapshot map[string]Control `json:"uiSnapshot"`
}

var dbTargetRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// DefaultDBTargetValidator accepts an empty target (backend default) or a
// plain file name without path separators.
func DefaultDBTargetValidator(target string) error {
	if target == "" || dbTargetRE.MatchString(target) {
		return nil
	}
	return fmt.Errorf("%q is not a valid database name", target)
}

// Builder turns a Form into a queue Item.
type Builder struct {
	ValidateDBTarget func(string) error
	Now              func() time.Time
}

// Build validates form against strategy and snapshots it into a new item
// labelled with nextIndex. It has no side effects.
func (b Builder) Build(form Form, strategy *backend.StrategyConfig, nextIndex int) (Item, error) {
	sources, err := buildSources(form.Sources)
	if err != nil {
		return Item{}, err
	}

	if strategy == nil || strings.TrimSpace(strategy.ID) == "" {
		return Item{}, invalid(KindNoStrategy, "select a strategy")
	}
	if form.StrategyID != "" && form.StrategyID != strategy.ID {
		return Item{}, invalid(KindNoStrategy, fmt.Sprintf("strategy %q does not match loaded config %q", form.StrategyID, strategy.ID))
	}

	mode := form.Mode
	if mode == "" {
		mode = ModeOptuna
	}
	if !mode.Valid() {
		return Item{}, invalid(KindMode, fmt.Sprintf("unknown mode %q", form.Mode))
	}

	params, err := validateParams(form.Params, strategy)
	if err != nil {
		return Item{}, err
	}

	if err := validateDates(form.Start, form.End); err != nil {
		return Item{}, err
	}

	target := strings.TrimSpace(form.DBTarget)
	check := b.ValidateDBTarget
	if check == nil {
		check = DefaultDBTargetValidator
	}
	if err := check(target); err != nil {
		return Item{}, invalid(KindDBTarget, "invalid database target", err.Error())
	}

	if len(params) == 0 {
		return Item{}, invalid(KindNoParams, "enable at least one parameter to optimize")
	}

	var wfa *WFASettings
	if mode == ModeWFA {
		w := DefaultWFA()
		if form.WFA != nil {
			w = *form.WFA
		}
		if w.ISPeriodDays <= 0 || w.OOSPeriodDays <= 0 {
			return Item{}, invalid(KindWFASettings, "walk-forward in-sample and out-of-sample periods must be positive")
		}
		wfa = &w
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	it := Item{
		ID:             id.New(),
		Index:          max(nextIndex, 1),
		Mode:           mode,
		StrategyID:     strategy.ID,
		StrategyConfig: strategy.Clone(),
		Sources:        sources,
		Config: RunConfig{
			SchemaVersion:    CurrentSchemaVersion,
			WarmupBars:       form.WarmupBars,
			DateFilter:       DateFilter{Start: strings.TrimSpace(form.Start), End: strings.TrimSpace(form.End)},
			Objectives:       slices.Clone(form.Objectives),
			PrimaryObjective: form.PrimaryObjective,
			Constraints:      slices.Clone(form.Constraints),
			Params:           params,
			Budget:           form.Budget,
			Sampler:          form.Sampler,
			Sanitize:         form.Sanitize,
			Filter:           form.Filter,
			PostProcess:      form.PostProcess,
			Extra:            maps.Clone(form.Extra),
		},
		WFA:        wfa,
		DBTarget:   target,
		UISnapshot: maps.Clone(form.UISnapshot),
		Label:      strings.TrimSpace(form.Label),
		CreatedAt:  now().UTC(),
	}
	// Detach Filter pointers and Extra values from the form.
	it = it.Clone()
	if it.Label == "" {
		it.Label = BuildLabel(it)
	}
	return it, nil
}

func buildSources(paths []string) ([]Source, error) {
	var (
		out      []Source
		relative []string
	)
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !IsAbsolutePath(p) {
			relative = append(relative, p)
			continue
		}
		out = append(out, PathSource(p))
	}
	if len(relative) > 0 {
		return nil, invalid(KindRelativePath, "data source paths must be absolute", relative...)
	}
	if len(out) == 0 {
		return nil, invalid(KindNoSources, "select at least one data source")
	}
	return out, nil
}

// validateParams checks every enabled range against the strategy definition
// and returns a detached copy with types filled in.
func validateParams(in map[string]ParamRange, strategy *backend.StrategyConfig) (map[string]ParamRange, error) {
	out := make(map[string]ParamRange, len(in))
	var problems []string

	for _, name := range slices.Sorted(maps.Keys(in)) {
		r := in[name]
		def, ok := strategy.Parameters[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown parameter", name))
			continue
		}
		if r.Type == "" {
			r.Type = def.Type
		}

		switch r.Type {
		case backend.ParamSelect, backend.ParamBool:
			problems = append(problems, checkOptions(name, r, def)...)
			r.Options = slices.Clone(r.Options)
		case backend.ParamInt, backend.ParamFloat:
			problems = append(problems, checkRange(name, r, def)...)
			r.Options = nil
		default:
			problems = append(problems, fmt.Sprintf("%s: unsupported parameter type %q", name, r.Type))
			continue
		}
		out[name] = r
	}

	if len(problems) > 0 {
		return nil, invalid(KindParamRanges, "invalid parameter ranges", problems...)
	}
	return out, nil
}

func checkRange(name string, r ParamRange, def backend.ParamDef) []string {
	var problems []string
	if def.Min != nil && (r.From < *def.Min || r.To < *def.Min) {
		problems = append(problems, fmt.Sprintf("%s: range below minimum %g", name, *def.Min))
	}
	if def.Max != nil && (r.From > *def.Max || r.To > *def.Max) {
		problems = append(problems, fmt.Sprintf("%s: range above maximum %g", name, *def.Max))
	}
	if r.From >= r.To {
		problems = append(problems, fmt.Sprintf("%s: from (%g) must be less than to (%g)", name, r.From, r.To))
	}
	if r.Step <= 0 {
		problems = append(problems, fmt.Sprintf("%s: step must be positive", name))
	}
	return problems
}

func checkOptions(name string, r ParamRange, def backend.ParamDef) []string {
	if len(r.Options) == 0 {
		return []string{fmt.Sprintf("%s: select at least one option", name)}
	}
	allowed := def.Options
	if r.Type == backend.ParamBool {
		allowed = []string{"true", "false"}
	}
	if len(allowed) == 0 {
		return nil
	}
	var problems []string
	for _, o := range r.Options {
		if !slices.Contains(allowed, o) {
			problems = append(problems, fmt.Sprintf("%s: unknown option %q", name, o))
		}
	}
	return problems
}

func validateDates(start, end string) error {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" || end == "" {
		return invalid(KindDateRange, "both start and end dates are required")
	}
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return invalid(KindDateRange, "start date must be YYYY-MM-DD", start)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return invalid(KindDateRange, "end date must be YYYY-MM-DD", end)
	}
	if s.After(e) {
		return invalid(KindDateRange, "start date must not be after end date")
	}
	return nil
}
