package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Run statuses written to the channel.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunError     = "error"
)

// RunStatus is the blob a viewer polls to follow a run.
type RunStatus struct {
	Status     string         `json:"status"`
	Mode       string         `json:"mode,omitempty"`
	StudyID    string         `json:"study_id,omitempty"`
	Summary    map[string]any `json:"summary,omitempty"`
	DataPath   string         `json:"dataPath,omitempty"`
	StrategyID string         `json:"strategyId,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	Message    string         `json:"message,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Terminal reports whether no further updates are expected for the run.
func (s RunStatus) Terminal() bool {
	return s.Status == RunCompleted || s.Status == RunCancelled || s.Status == RunError
}

// Channel writes to the session and durable stores and reads the session
// first. Either side may be nil.
type Channel struct {
	session KV
	durable KV
	now     func() time.Time
}

func NewChannel(session, durable KV) *Channel {
	return &Channel{session: session, durable: durable, now: time.Now}
}

// Publish stores st under StatusKey in both stores. Both writes are
// attempted; errors are joined.
func (c *Channel) Publish(ctx context.Context, st RunStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = c.now().UTC()
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode run status: %w", err)
	}
	return c.put(ctx, StatusKey, raw)
}

// Status returns the latest published status.
func (c *Channel) Status(ctx context.Context) (RunStatus, bool, error) {
	raw, ok, err := c.get(ctx, StatusKey)
	if err != nil || !ok {
		return RunStatus{}, false, err
	}
	var st RunStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return RunStatus{}, false, fmt.Errorf("decode run status: %w", err)
	}
	return st, true, nil
}

func (c *Channel) put(ctx context.Context, key string, raw []byte) error {
	var errs []error
	for _, kv := range []KV{c.session, c.durable} {
		if kv == nil {
			continue
		}
		if err := kv.Put(ctx, key, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Channel) get(ctx context.Context, key string) ([]byte, bool, error) {
	for _, kv := range []KV{c.session, c.durable} {
		if kv == nil {
			continue
		}
		raw, ok, err := kv.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return raw, true, nil
		}
	}
	return nil, false, nil
}
