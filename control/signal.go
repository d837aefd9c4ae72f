// Package control passes one-shot run control requests between processes
// through a small YAML file in the state directory.
package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the signal file inside the state directory.
const FileName = "run.control.yaml"

type Action string

const (
	// ActionCancel aborts the in-flight backend call and stops the queue.
	ActionCancel Action = "cancel"
	// ActionStop lets the current source finish, then stops.
	ActionStop Action = "stop"
)

func (a Action) Valid() bool {
	return a == ActionCancel || a == ActionStop
}

// Signal is a single control request.
type Signal struct {
	Action      Action    `yaml:"action" json:"action"`
	RequestedAt time.Time `yaml:"requested_at" json:"requestedAt"`
	RunID       string    `yaml:"run_id,omitempty" json:"runId,omitempty"`
}

// Path returns the signal file location for dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Write stores sig atomically, replacing any pending signal.
func Write(dir string, sig Signal) error {
	if !sig.Action.Valid() {
		return fmt.Errorf("invalid control action %q", sig.Action)
	}
	if sig.RequestedAt.IsZero() {
		sig.RequestedAt = time.Now().UTC()
	}
	content, err := yaml.Marshal(sig)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".control-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, Path(dir)); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Read returns the pending signal without consuming it.
func Read(dir string) (Signal, bool, error) {
	return readFile(Path(dir))
}

func readFile(name string) (Signal, bool, error) {
	data, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return Signal{}, false, nil
	}
	if err != nil {
		return Signal{}, false, fmt.Errorf("read control file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return Signal{}, false, nil
	}
	var sig Signal
	if err := yaml.Unmarshal(data, &sig); err != nil {
		return Signal{}, false, fmt.Errorf("parse control file: %w", err)
	}
	if !sig.Action.Valid() {
		return Signal{}, false, fmt.Errorf("invalid control action %q", sig.Action)
	}
	return sig, true, nil
}

// Consume claims and removes the pending signal. The file is renamed to a
// private name before it is read, so a signal written meanwhile lands in a
// fresh file and stays pending. A malformed file is removed too so it cannot
// wedge later reads.
func Consume(dir string) (Signal, bool, error) {
	claim, err := os.CreateTemp(dir, ".control-claim-*.yaml")
	if errors.Is(err, os.ErrNotExist) {
		return Signal{}, false, nil
	}
	if err != nil {
		return Signal{}, false, fmt.Errorf("create claim file: %w", err)
	}
	claimName := claim.Name()
	_ = claim.Close()
	defer os.Remove(claimName)

	if err := os.Rename(Path(dir), claimName); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Signal{}, false, nil
		}
		return Signal{}, false, fmt.Errorf("claim control file: %w", err)
	}
	return readFile(claimName)
}
