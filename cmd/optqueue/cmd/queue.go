package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/optqueue/control"
	"github.com/rustyeddy/optqueue/journal"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage and run the optimization queue",
	Long: `Manage the optimization queue stored on the backend.

Subcommands:
  add      - Validate a run configuration and append it to the queue
  list     - Show queued items
  remove   - Remove one item
  clear    - Remove every item
  run      - Execute the queue, head first
  cancel   - Ask a running queue in another process to stop
  history  - Show journaled source attempts

Examples:
  optqueue queue add --strategy ema_cross --csv /data/eurusd.csv --start 2023-01-01 --end 2023-12-31 --param fast=5:20:1
  optqueue queue run
  optqueue queue cancel --after-current`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show queued items",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <item-id>",
	Short: "Remove one queued item",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRemove,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every queued item",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel or stop a queue running in another process",
	Long: `Write a control signal to the state directory. A running "optqueue queue
run", "optqueue serve" or "optqueue tui" in another terminal picks it up.

By default the in-flight backend run is aborted. With --after-current the
current source is allowed to finish first.`,
	Args: cobra.NoArgs,
	RunE: runQueueCancel,
}

var queueHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journaled source attempts",
	Args:  cobra.NoArgs,
	RunE:  runQueueHistory,
}

var (
	cancelAfterCurrent bool
	historyItemID      string
	historyCSV         bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueHistoryCmd)

	queueCancelCmd.Flags().BoolVar(&cancelAfterCurrent, "after-current", false, "let the current source finish, then stop")
	queueHistoryCmd.Flags().StringVar(&historyItemID, "item", "", "only attempts for this item id")
	queueHistoryCmd.Flags().BoolVar(&historyCSV, "csv", false, "write CSV to stdout")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.manager.State(cmd.Context())
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	out := cmd.OutOrStdout()
	if st.Empty() {
		fmt.Fprintln(out, "Queue is empty.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tPROGRESS\tOK\tFAILED\tADDED")
	for _, it := range st.Items {
		added := "-"
		if !it.CreatedAt.IsZero() {
			added = humanize.Time(it.CreatedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%d\t%s\n",
			it.ID, it.Label, it.SourceCursor, it.TotalSources(), it.SuccessCount, it.FailureCount, added)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if st.Runtime.Active {
		since := time.UnixMilli(st.Runtime.UpdatedAt)
		fmt.Fprintf(out, "\nA run was active as of %s.\n", humanize.Time(since))
	}
	return nil
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.RemoveItem(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %s\n", args[0])
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.ClearQueue(cmd.Context()); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Queue cleared")
	return nil
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	action := control.ActionCancel
	if cancelAfterCurrent {
		action = control.ActionStop
	}
	if err := control.Write(cfg.Storage.StateDir, control.Signal{Action: action}); err != nil {
		return fmt.Errorf("write control signal: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Requested %s (%s)\n", action, control.Path(cfg.Storage.StateDir))
	return nil
}

func runQueueHistory(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	attempts, err := j.ListAttempts(cmd.Context(), historyItemID)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}
	out := cmd.OutOrStdout()
	if historyCSV {
		return journal.WriteCSV(out, attempts)
	}
	if len(attempts) == 0 {
		fmt.Fprintln(out, "No attempts recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tITEM\tSOURCE\tOUTCOME\tSTUDY\tTOOK\tERROR")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t#%d\t%s\t%s\t%s\t%s\t%s\n",
			a.StartedAt.Local().Format("2006-01-02 15:04:05"), a.ItemIndex, a.SourcePath,
			a.Outcome, a.StudyID, a.Duration().Round(time.Second), a.Error)
	}
	return tw.Flush()
}
