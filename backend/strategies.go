package backend

import (
	"context"
	"fmt"
)

// ParamType distinguishes numeric ranges from multi-select options.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamSelect ParamType = "select"
	ParamBool   ParamType = "bool"
)

// ParamDef describes one strategy parameter and its allowed bounds.
type ParamDef struct {
	Type     ParamType `json:"type"`
	Label    string    `json:"label,omitempty"`
	Default  any       `json:"default,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Step     float64   `json:"step,omitempty"`
	Options  []string  `json:"options,omitempty"`
	Optimize bool      `json:"optimize"`
}

// StrategyConfig is a strategy definition as served by the backend.
type StrategyConfig struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Version     string              `json:"version"`
	Description string              `json:"description,omitempty"`
	Parameters  map[string]ParamDef `json:"parameters"`
}

// Clone returns a copy that shares no maps or slices with s.
func (s StrategyConfig) Clone() StrategyConfig {
	out := s
	if s.Parameters != nil {
		out.Parameters = make(map[string]ParamDef, len(s.Parameters))
		for k, v := range s.Parameters {
			if v.Options != nil {
				v.Options = append([]string(nil), v.Options...)
			}
			if v.Min != nil {
				m := *v.Min
				v.Min = &m
			}
			if v.Max != nil {
				m := *v.Max
				v.Max = &m
			}
			out.Parameters[k] = v
		}
	}
	return out
}

// StrategyInfo is a list entry from /api/strategies.
type StrategyInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListStrategies returns the strategies the backend can run.
func (c *Client) ListStrategies(ctx context.Context) ([]StrategyInfo, error) {
	var resp struct {
		Strategies []StrategyInfo `json:"strategies"`
	}
	if err := c.getJSON(ctx, "/api/strategies", &resp); err != nil {
		return nil, err
	}
	return resp.Strategies, nil
}

// GetStrategyConfig fetches the full definition of one strategy.
func (c *Client) GetStrategyConfig(ctx context.Context, id string) (*StrategyConfig, error) {
	if id == "" {
		return nil, fmt.Errorf("strategy id is required")
	}
	var cfg StrategyConfig
	if err := c.getJSON(ctx, "/api/strategies/"+pathEscape(id)+"/config", &cfg); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = id
	}
	return &cfg, nil
}
