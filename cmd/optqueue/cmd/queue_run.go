package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/optqueue/queue"
)

var queueRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the queue, head first",
	Long: `Run every queued item against the backend, one source at a time.

Progress is checkpointed after every source, so an interrupted run resumes
where it left off. Press Ctrl+C once to stop after the current source and
twice to abort the in-flight backend run. "optqueue queue cancel" from
another terminal does the same.`,
	Args: cobra.NoArgs,
	RunE: runQueueRun,
}

func init() {
	queueCmd.AddCommand(queueRunCmd)
}

var (
	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	styleFail = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

func runQueueRun(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	unsubscribe := a.manager.Subscribe(progressPrinter(cmd.OutOrStdout()))
	defer unsubscribe()

	a.watchControl(ctx)
	stopSignals := handleInterrupts(a.manager)
	defer stopSignals()

	sum, err := a.manager.Run(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyRunning) {
			return errors.New("a run is already active in this process")
		}
		return err
	}
	if sum.Total == 0 && !sum.Cancelled && !sum.Stopped {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
	}
	return nil
}

// handleInterrupts maps the first Ctrl+C to "stop after current" and the
// second to an abort. The returned func restores default handling.
func handleInterrupts(m *queue.Manager) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			log.Infof("received signal=%s, stopping after the current source (again to abort)", sig)
			m.RequestStop()
		case <-done:
			return
		}
		select {
		case <-sigCh:
			log.Warnf("received second signal, aborting the in-flight run")
			m.Cancel()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// progressPrinter writes one line per item and source as the run advances.
func progressPrinter(w io.Writer) queue.Observer {
	return queue.ObserverFunc(func(e queue.Event) {
		switch e.Type {
		case queue.EventRunStarted:
			fmt.Fprintf(w, "%s %s\n", styleBold.Render("▶ run"), styleDim.Render(e.RunID))
		case queue.EventItemStarted:
			fmt.Fprintf(w, "%s\n", styleBold.Render(e.Label))
		case queue.EventSourceFinished:
			switch e.Outcome {
			case queue.OutcomeSuccess:
				fmt.Fprintf(w, "  %s %s %s\n", styleOK.Render("✓"), e.Source, styleDim.Render(e.StudyID))
			case queue.OutcomeCancelled:
				fmt.Fprintf(w, "  %s %s cancelled\n", styleWarn.Render("■"), e.Source)
			default:
				fmt.Fprintf(w, "  %s %s: %s\n", styleFail.Render("✗"), e.Source, e.Error)
			}
		case queue.EventItemFinished:
			fmt.Fprintf(w, "  → %s\n", statusStyle(e.Status).Render(string(e.Status)))
		case queue.EventRunFinished:
			style := styleOK
			if e.Error != "" {
				style = styleFail
			} else if e.Summary != nil && (e.Summary.Failed > 0 || e.Summary.Cancelled) {
				style = styleWarn
			}
			fmt.Fprintln(w, style.Render(e.Message))
		}
	})
}

func statusStyle(s queue.ItemStatus) lipgloss.Style {
	switch s {
	case queue.StatusCompleted:
		return styleOK
	case queue.StatusPartial, queue.StatusQueued, queue.StatusSkipped:
		return styleWarn
	case queue.StatusFailed:
		return styleFail
	default:
		return styleDim
	}
}
