package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rustyeddy/optqueue/config"
	"github.com/rustyeddy/optqueue/internal/logging"
)

// defaultConfigFile is read when --config is not given and the file exists.
const defaultConfigFile = "optqueue.yaml"

var (
	cfgFile   string
	serverURL string
	dbPath    string
	logLevel  string
	noColor   bool

	cfg *config.Config
	log *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "optqueue",
	Short: "Queue and run strategy optimizations against an optimizer backend",
	Long: `optqueue schedules optimization and walk-forward runs of trading
strategies over one or more datasets and executes them one at a time
against an optimizer backend.

It provides tools for:
  - Building queue items from strategy parameter ranges
  - Running the queue with checkpointing and resume
  - Stopping or cancelling a run from another terminal
  - Browsing stored studies and walk-forward results
  - A web dashboard and a terminal UI`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./"+defaultConfigFile+" if present)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "optimizer backend base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to local SQLite database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := loadConfig()
	if err != nil {
		return err
	}
	if serverURL != "" {
		loaded.Server.BaseURL = serverURL
	}
	if dbPath != "" {
		loaded.Storage.DBPath = dbPath
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg = loaded
	log = logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level))

	applyColorProfile()
	return nil
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			return config.Default(), nil
		}
		path = defaultConfigFile
	}
	return config.LoadFromFile(path)
}

// applyColorProfile honors --no-color and NO_COLOR, and drops color when
// stdout is not a terminal.
func applyColorProfile() {
	if noColor || strings.TrimSpace(os.Getenv("NO_COLOR")) != "" || !stdoutIsTerminal() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// terminalWidth falls back to 100 columns when stdout is not a terminal.
func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 100
}
