package tui

import (
	"context"
	"errors"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/rustyeddy/optqueue/queue"
)

// eventBuffer bounds events waiting for the UI. When it fills, events are
// dropped; the UI reloads the queue when a run ends.
const eventBuffer = 256

// Subscriber is implemented by *queue.Manager.
type Subscriber interface {
	Subscribe(o queue.Observer) func()
}

var ErrNotTerminal = errors.New("tui requires an interactive terminal")

// Run starts the UI on the controlling terminal and blocks until the user
// quits or ctx is cancelled.
func Run(ctx context.Context, ctrl Controller, sub Subscriber) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) || os.Getenv("TERM") == "dumb" {
		return ErrNotTerminal
	}

	events := make(chan queue.Event, eventBuffer)
	unsubscribe := sub.Subscribe(queue.ObserverFunc(func(e queue.Event) {
		select {
		case events <- e:
		default:
		}
	}))
	defer unsubscribe()

	p := tea.NewProgram(NewModel(ctx, ctrl, events), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
