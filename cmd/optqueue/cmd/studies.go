package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/optqueue/results"
)

var studiesCmd = &cobra.Command{
	Use:   "studies",
	Short: "Browse studies stored on the backend",
	Long: `Browse optimization and walk-forward studies stored on the backend.

Subcommands:
  list    - List stored studies
  show    - Show one or more studies as a report
  export  - Download the trades of one trial as CSV

Examples:
  optqueue studies list
  optqueue studies show 01HV3K... --top 10
  optqueue studies export 01HV3K... 42 -o trades.csv`,
}

var studiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored studies",
	Args:  cobra.NoArgs,
	RunE:  runStudiesList,
}

var studiesShowCmd = &cobra.Command{
	Use:   "show <study-id>...",
	Short: "Show studies as a rendered report",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStudiesShow,
}

var studiesExportCmd = &cobra.Command{
	Use:   "export <study-id> <trial>",
	Short: "Download the trades of one trial as CSV",
	Args:  cobra.ExactArgs(2),
	RunE:  runStudiesExport,
}

var (
	showTop    int
	showFormat string
	exportOut  string
)

func init() {
	rootCmd.AddCommand(studiesCmd)
	studiesCmd.AddCommand(studiesListCmd)
	studiesCmd.AddCommand(studiesShowCmd)
	studiesCmd.AddCommand(studiesExportCmd)

	studiesShowCmd.Flags().IntVar(&showTop, "top", 10, "number of top trials to show (0 = all)")
	studiesShowCmd.Flags().StringVar(&showFormat, "format", "pretty", "pretty|markdown|json")
	studiesExportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "output file (default stdout)")
}

func runStudiesList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	studies, err := results.NewViewer(client).List(cmd.Context())
	if err != nil {
		return err
	}
	if len(studies) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No studies stored.")
		return nil
	}
	return results.WriteStudyTable(cmd.OutOrStdout(), studies)
}

func runStudiesShow(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	studies, err := results.NewViewer(client).LoadMany(cmd.Context(), args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch showFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(studies)
	case "markdown":
		for _, s := range studies {
			fmt.Fprintln(out, results.MarkdownReport(s, showTop))
		}
		return nil
	case "pretty":
		style := "dark"
		if noColor || !stdoutIsTerminal() {
			style = "notty"
		}
		for _, s := range studies {
			fmt.Fprintln(out, results.RenderMarkdown(results.MarkdownReport(s, showTop), terminalWidth(), style))
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want pretty, markdown or json)", showFormat)
	}
}

func runStudiesExport(cmd *cobra.Command, args []string) error {
	trial, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("trial must be a number: %w", err)
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	n, err := client.ExportTrades(cmd.Context(), args[0], trial, w)
	if err != nil {
		return fmt.Errorf("export trades: %w", err)
	}
	if exportOut != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Wrote %s to %s\n", humanize.Bytes(uint64(n)), exportOut)
	}
	return nil
}
