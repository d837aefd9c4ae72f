package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/optqueue/internal/logging"
	"github.com/rustyeddy/optqueue/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Run the queue from an interactive terminal UI",
	Long: `Open a terminal UI listing the queue.

Keys:
  r  run            s  stop after current    x  cancel
  d  remove item    C  clear queue           j/k  move
  q  quit (aborts a running queue)`,
	Args: cobra.NoArgs,
	RunE: runTUI,
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(cmd *cobra.Command, args []string) error {
	// Log lines on stderr would tear the alternate screen.
	if err := os.MkdirAll(cfg.Storage.StateDir, 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.Storage.StateDir, "tui.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open tui log: %w", err)
	}
	defer logFile.Close()
	log = logging.New(logFile, log.Level())

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a.watchControl(ctx)
	return tui.Run(ctx, a.manager, a.manager)
}
