// Package tui is a terminal front end for the queue.
package tui

import (
	"context"
	"errors"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rustyeddy/optqueue/queue"
)

// maxFinished bounds the finished-items panel.
const maxFinished = 8

// Controller is the queue surface the UI drives. *queue.Manager implements
// it.
type Controller interface {
	State(ctx context.Context) (queue.State, error)
	Run(ctx context.Context) (queue.Summary, error)
	RequestStop() bool
	Cancel() bool
	Running() bool
	RemoveItem(ctx context.Context, itemID string) error
	ClearQueue(ctx context.Context) error
}

type (
	msgState   queue.State
	msgEvent   queue.Event
	msgRunDone struct {
		summary queue.Summary
		err     error
	}
	msgErr        struct{ err error }
	msgEventsGone struct{}
)

type finishedRow struct {
	label  string
	status queue.ItemStatus
}

type Model struct {
	ctx    context.Context
	ctrl   Controller
	events <-chan queue.Event

	items    []queue.Item
	status   map[string]queue.ItemStatus
	finished []finishedRow
	cursor   int

	running bool
	footer  string
	err     error

	spinner spinner.Model
	width   int
	height  int
}

// NewModel builds the UI model. events may be nil when the caller does not
// forward manager events.
func NewModel(ctx context.Context, ctrl Controller, events <-chan queue.Event) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styleRunning
	return Model{
		ctx:     ctx,
		ctrl:    ctrl,
		events:  events,
		status:  make(map[string]queue.ItemStatus),
		spinner: sp,
		running: ctrl.Running(),
		width:   80,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.loadState(), m.waitForEvent())
}

func (m Model) loadState() tea.Cmd {
	return func() tea.Msg {
		st, err := m.ctrl.State(m.ctx)
		if err != nil {
			return msgErr{err}
		}
		return msgState(st)
	}
}

func (m Model) waitForEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	ch := m.events
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return msgEventsGone{}
		}
		return msgEvent(e)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case msgState:
		m.setItems(queue.State(msg).Items)
		return m, nil

	case msgEvent:
		m.applyEvent(queue.Event(msg))
		return m, m.waitForEvent()

	case msgEventsGone:
		return m, nil

	case msgRunDone:
		m.running = false
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.footer = msg.summary.Message()
		}
		return m, m.loadState()

	case msgErr:
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

const footerStopping = "Stopping after the current source..."

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.running {
			m.ctrl.Cancel()
		}
		return m, tea.Quit
	case "j", "down":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "r":
		if m.running || len(m.items) == 0 {
			return m, nil
		}
		m.running = true
		m.err = nil
		m.footer = ""
		m.finished = nil
		return m, m.runQueue()
	case "s":
		if m.running && m.ctrl.RequestStop() {
			m.footer = footerStopping
		}
	case "x":
		if m.running && m.ctrl.Cancel() {
			m.footer = "Cancelling..."
		}
	case "d":
		if m.running || len(m.items) == 0 {
			return m, nil
		}
		return m, m.removeItem(m.items[m.cursor].ID)
	case "C":
		if m.running || len(m.items) == 0 {
			return m, nil
		}
		return m, m.clearQueue()
	}
	return m, nil
}

func (m Model) runQueue() tea.Cmd {
	return func() tea.Msg {
		sum, err := m.ctrl.Run(m.ctx)
		return msgRunDone{summary: sum, err: err}
	}
}

func (m Model) removeItem(itemID string) tea.Cmd {
	return func() tea.Msg {
		if err := m.ctrl.RemoveItem(m.ctx, itemID); err != nil {
			return msgErr{err}
		}
		return m.loadState()()
	}
}

func (m Model) clearQueue() tea.Cmd {
	return func() tea.Msg {
		if err := m.ctrl.ClearQueue(m.ctx); err != nil {
			return msgErr{err}
		}
		return m.loadState()()
	}
}

func (m *Model) setItems(items []queue.Item) {
	m.items = items
	live := make(map[string]queue.ItemStatus, len(items))
	for _, it := range items {
		if s, ok := m.status[it.ID]; ok {
			live[it.ID] = s
		}
	}
	m.status = live
	m.cursor = max(0, min(m.cursor, len(items)-1))
}

func (m *Model) applyEvent(e queue.Event) {
	switch e.Type {
	case queue.EventQueueChanged:
		if e.State != nil {
			m.setItems(e.State.Items)
		}
	case queue.EventRunStarted:
		m.running = true
	case queue.EventItemStarted, queue.EventSourceFinished:
		m.status[e.ItemID] = queue.StatusRunning
	case queue.EventItemFinished:
		if e.Status == queue.StatusQueued {
			delete(m.status, e.ItemID)
			return
		}
		m.status[e.ItemID] = e.Status
		m.finished = append(m.finished, finishedRow{label: e.Label, status: e.Status})
		if over := len(m.finished) - maxFinished; over > 0 {
			m.finished = m.finished[over:]
		}
	case queue.EventRunFinished:
		m.running = false
		m.footer = e.Message
		if e.Error != "" {
			m.err = errors.New(e.Error)
		}
	}
}
