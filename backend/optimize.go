package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// OptimizeRequest holds the fields shared by plain and walk-forward runs.
// Config is serialized to JSON and forwarded untouched.
type OptimizeRequest struct {
	StrategyID string
	WarmupBars int
	Config     any
	CSVPath    string
	DBTarget   string
	RunID      string
}

// WalkForwardRequest adds the wf_* settings to an OptimizeRequest.
type WalkForwardRequest struct {
	OptimizeRequest

	ISPeriodDays          int
	OOSPeriodDays         int
	StoreTopNTrials       int
	Adaptive              bool
	MaxOOSPeriodDays      int
	MinOOSTrades          int
	CheckIntervalTrades   int
	CUSUMThreshold        float64
	DDThresholdMultiplier float64
	InactivityMultiplier  float64
}

// RunResult is what the backend reports for a finished run.
type RunResult struct {
	Status   string         `json:"status"`
	Mode     string         `json:"mode"`
	StudyID  string         `json:"study_id"`
	Summary  map[string]any `json:"summary,omitempty"`
	DataPath string         `json:"data_path,omitempty"`
}

func (r OptimizeRequest) fields() ([]formField, error) {
	if r.StrategyID == "" {
		return nil, fmt.Errorf("strategy is required")
	}
	if r.CSVPath == "" {
		return nil, fmt.Errorf("csv path is required")
	}
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	fields := []formField{
		{"strategy", r.StrategyID},
		intField("warmupBars", r.WarmupBars),
		{"config", string(cfg)},
		{"csvPath", r.CSVPath},
	}
	if r.DBTarget != "" {
		fields = append(fields, formField{"dbTarget", r.DBTarget})
	}
	if r.RunID != "" {
		fields = append(fields, formField{"runId", r.RunID})
	}
	return fields, nil
}

// Optimize runs a plain optimization and blocks until the backend finishes.
func (c *Client) Optimize(ctx context.Context, req OptimizeRequest) (*RunResult, error) {
	fields, err := req.fields()
	if err != nil {
		return nil, err
	}
	return c.run(ctx, "/api/optimize", fields)
}

// WalkForward runs a walk-forward analysis and blocks until it finishes.
func (c *Client) WalkForward(ctx context.Context, req WalkForwardRequest) (*RunResult, error) {
	fields, err := req.OptimizeRequest.fields()
	if err != nil {
		return nil, err
	}
	if req.ISPeriodDays <= 0 || req.OOSPeriodDays <= 0 {
		return nil, fmt.Errorf("walk-forward periods must be positive")
	}

	fields = append(fields,
		intField("wf_is_period_days", req.ISPeriodDays),
		intField("wf_oos_period_days", req.OOSPeriodDays),
		intField("wf_store_top_n_trials", req.StoreTopNTrials),
		boolField("wf_adaptive_mode", req.Adaptive),
		intField("wf_max_oos_period_days", req.MaxOOSPeriodDays),
		intField("wf_min_oos_trades", req.MinOOSTrades),
		intField("wf_check_interval_trades", req.CheckIntervalTrades),
		floatField("wf_cusum_threshold", req.CUSUMThreshold),
		floatField("wf_dd_threshold_multiplier", req.DDThresholdMultiplier),
		floatField("wf_inactivity_multiplier", req.InactivityMultiplier),
	)
	return c.run(ctx, "/api/walkforward", fields)
}

func (c *Client) run(ctx context.Context, path string, fields []formField) (*RunResult, error) {
	body, err := c.postForm(ctx, path, fields)
	if err != nil {
		return nil, err
	}
	var res RunResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if res.Status == "error" || res.Status == "failed" {
		return &res, fmt.Errorf("run %s reported status %q", path, res.Status)
	}
	return &res, nil
}

// CancelOptimization asks the backend to abort a run. An empty runID cancels
// whatever the backend is currently executing.
func (c *Client) CancelOptimization(ctx context.Context, runID string) error {
	var fields []formField
	if runID != "" {
		fields = append(fields, formField{"runId", runID})
	}
	_, err := c.postForm(ctx, "/api/optimization/cancel", fields)
	return err
}
