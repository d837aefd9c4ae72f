package queue

import "time"

type EventType string

const (
	EventQueueChanged   EventType = "queue_changed"
	EventRunStarted     EventType = "run_started"
	EventItemStarted    EventType = "item_started"
	EventSourceFinished EventType = "source_finished"
	EventItemFinished   EventType = "item_finished"
	EventRunFinished    EventType = "run_finished"
)

// ItemStatus is how a UI should badge an item.
type ItemStatus string

const (
	StatusQueued    ItemStatus = "queued"
	StatusRunning   ItemStatus = "running"
	StatusCompleted ItemStatus = "completed"
	StatusPartial   ItemStatus = "partial"
	StatusFailed    ItemStatus = "failed"
	StatusSkipped   ItemStatus = "skipped"
)

// Outcome of one source attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// Event is emitted by the Manager for UI binders. Only the fields relevant
// to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	RunID     string    `json:"runId,omitempty"`
	ItemID    string    `json:"itemId,omitempty"`
	ItemIndex int       `json:"itemIndex,omitempty"`
	Label     string    `json:"label,omitempty"`

	Status      ItemStatus `json:"status,omitempty"`
	Source      string     `json:"source,omitempty"`
	SourceIndex int        `json:"sourceIndex,omitempty"`
	Outcome     Outcome    `json:"outcome,omitempty"`
	StudyID     string     `json:"studyId,omitempty"`
	Error       string     `json:"error,omitempty"`

	Summary *Summary `json:"summary,omitempty"`
	Message string   `json:"message,omitempty"`
	State   *State   `json:"state,omitempty"`
}

// Observer receives Manager events. OnEvent is called synchronously from the
// run loop and must not block.
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Classify maps per-source counts to the final item status.
func Classify(success, total int) ItemStatus {
	switch {
	case total > 0 && success >= total:
		return StatusCompleted
	case success <= 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
