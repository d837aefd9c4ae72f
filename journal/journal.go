// journal/journal.go
package journal

import (
	"context"
	"time"
)

// Attempt is one backend call for one source of one queue item.
type Attempt struct {
	ID         string
	ItemID     string
	ItemIndex  int
	RunID      string // queue run
	RequestID  string // runId sent to the backend
	Mode       string
	StrategyID string
	SourcePath string
	Outcome    string // success|failure|cancelled
	StudyID    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the backend call took.
func (a Attempt) Duration() time.Duration {
	if a.FinishedAt.Before(a.StartedAt) {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

type Journal interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	ListAttempts(ctx context.Context, itemID string) ([]Attempt, error)
	Close() error
}
