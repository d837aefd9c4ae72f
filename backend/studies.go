package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StudySummary is a list entry from /api/studies.
type StudySummary struct {
	StudyID     string    `json:"study_id"`
	StudyName   string    `json:"study_name"`
	StrategyID  string    `json:"strategy_id"`
	Mode        string    `json:"mode"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Trials      int       `json:"trials"`
	DatasetPath string    `json:"dataset_path,omitempty"`
	BestValue   *float64  `json:"best_value,omitempty"`
}

// Metrics are the backtest statistics reported for a trial, window or test.
type Metrics struct {
	NetProfitPct   float64 `json:"net_profit_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	TotalTrades    int     `json:"total_trades"`
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	Sharpe         float64 `json:"sharpe_ratio"`
	RoMaD          float64 `json:"romad"`
}

// Trial is one Optuna trial.
type Trial struct {
	Number               int            `json:"number"`
	Params               map[string]any `json:"params"`
	Metrics              Metrics        `json:"metrics"`
	Values               []float64      `json:"values,omitempty"`
	Score                float64        `json:"score"`
	ParetoOptimal        bool           `json:"pareto_optimal"`
	ConstraintsSatisfied bool           `json:"constraints_satisfied"`
}

// EquityPoint is one sample of an equity curve.
type EquityPoint struct {
	Time   time.Time `json:"t"`
	Equity float64   `json:"v"`
}

// Window is one walk-forward window.
type Window struct {
	Number     int            `json:"number"`
	ISStart    string         `json:"is_start"`
	ISEnd      string         `json:"is_end"`
	OOSStart   string         `json:"oos_start"`
	OOSEnd     string         `json:"oos_end"`
	BestParams map[string]any `json:"best_params"`
	IS         Metrics        `json:"is_metrics"`
	OOS        Metrics        `json:"oos_metrics"`
	OOSEquity  []EquityPoint  `json:"oos_equity,omitempty"`
}

// TestResult is a forward, stress, out-of-sample or manual re-test.
type TestResult struct {
	Kind        string    `json:"kind"`
	TrialNumber int       `json:"trial_number"`
	Label       string    `json:"label,omitempty"`
	Metrics     Metrics   `json:"metrics"`
	CreatedAt   time.Time `json:"created_at"`
}

// Study is a persisted optimization or walk-forward run.
type Study struct {
	StudySummary
	Trials  []Trial         `json:"trial_results,omitempty"`
	Windows []Window        `json:"windows,omitempty"`
	Tests   []TestResult    `json:"tests,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// ListStudies returns summaries of every stored study.
func (c *Client) ListStudies(ctx context.Context) ([]StudySummary, error) {
	var resp struct {
		Studies []StudySummary `json:"studies"`
	}
	if err := c.getJSON(ctx, "/api/studies", &resp); err != nil {
		return nil, err
	}
	return resp.Studies, nil
}

// GetStudy loads one study with its trials, windows and tests.
func (c *Client) GetStudy(ctx context.Context, id string) (*Study, error) {
	if id == "" {
		return nil, fmt.Errorf("study id is required")
	}
	var s Study
	if err := c.getJSON(ctx, "/api/studies/"+pathEscape(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ExportTrades streams the trade list of one trial as CSV into w.
func (c *Client) ExportTrades(ctx context.Context, studyID string, trial int, w io.Writer) (int64, error) {
	path := fmt.Sprintf("/api/studies/%s/trials/%d/trades", pathEscape(studyID), trial)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return io.Copy(w, resp.Body)
}
