package results

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/dustin/go-humanize"

	"github.com/rustyeddy/optqueue/backend"
)

// WriteStudyTable prints study summaries as aligned columns.
func WriteStudyTable(w io.Writer, studies []backend.StudySummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTRATEGY\tMODE\tSTATUS\tTRIALS\tBEST\tCREATED")
	for _, s := range studies {
		best := "-"
		if s.BestValue != nil {
			best = strconv.FormatFloat(*s.BestValue, 'f', 4, 64)
		}
		created := "-"
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.StudyID, s.StudyName, s.StrategyID, s.Mode, s.Status,
			humanize.Comma(int64(s.Trials)), best, created)
	}
	return tw.Flush()
}

// MarkdownReport renders a study as a markdown document: header facts, the
// top trials and, for walk-forward studies, the window table and rollup.
func MarkdownReport(study *backend.Study, top int) string {
	if study == nil {
		return ""
	}
	var b strings.Builder
	name := study.StudyName
	if name == "" {
		name = study.StudyID
	}
	fmt.Fprintf(&b, "# %s\n\n", name)
	fmt.Fprintf(&b, "- **Study:** `%s`\n", study.StudyID)
	fmt.Fprintf(&b, "- **Strategy:** %s\n", study.StrategyID)
	fmt.Fprintf(&b, "- **Mode:** %s\n", study.Mode)
	fmt.Fprintf(&b, "- **Status:** %s\n", study.Status)
	if study.DatasetPath != "" {
		fmt.Fprintf(&b, "- **Dataset:** `%s`\n", study.DatasetPath)
	}
	fmt.Fprintf(&b, "- **Trials:** %s\n", humanize.Comma(int64(max(study.StudySummary.Trials, len(study.Trials)))))

	if trials := TopTrials(study, top); len(trials) > 0 {
		b.WriteString("\n## Top trials\n\n")
		b.WriteString("| # | Score | Net % | Max DD % | Trades | Win % | PF | Params |\n")
		b.WriteString("|---|---|---|---|---|---|---|---|\n")
		for _, t := range trials {
			fmt.Fprintf(&b, "| %d | %.4f | %.2f | %.2f | %d | %.1f | %.2f | %s |\n",
				t.Number, t.Score, t.Metrics.NetProfitPct, t.Metrics.MaxDrawdownPct,
				t.Metrics.TotalTrades, t.Metrics.WinRate, t.Metrics.ProfitFactor, formatParams(t.Params))
		}
	}

	if len(study.Windows) > 0 {
		b.WriteString("\n## Walk-forward windows\n\n")
		b.WriteString("| # | IS | OOS | IS net % | OOS net % | OOS trades |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, w := range study.Windows {
			fmt.Fprintf(&b, "| %d | %s → %s | %s → %s | %.2f | %.2f | %d |\n",
				w.Number, w.ISStart, w.ISEnd, w.OOSStart, w.OOSEnd,
				w.IS.NetProfitPct, w.OOS.NetProfitPct, w.OOS.TotalTrades)
		}
		s := SummarizeWFA(study.Windows)
		b.WriteString("\n### Rollup\n\n")
		fmt.Fprintf(&b, "- Profitable windows: %d of %d (%.0f%%)\n", s.ProfitableWindows, s.Windows, s.ProfitableShare*100)
		fmt.Fprintf(&b, "- Median OOS net: %.2f%%\n", s.MedianOOSProfitPct)
		fmt.Fprintf(&b, "- Average OOS net: %.2f%%\n", s.AverageOOSProfitPct)
		fmt.Fprintf(&b, "- Stitched OOS net: %.2f%%\n", s.StitchedNetProfitPct)
		fmt.Fprintf(&b, "- Stitched max drawdown: %.2f%%\n", s.StitchedMaxDrawdownPct)
	}

	if len(study.Tests) > 0 {
		b.WriteString("\n## Tests\n\n")
		b.WriteString("| Kind | Trial | Label | Net % | Max DD % | Trades |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, t := range study.Tests {
			fmt.Fprintf(&b, "| %s | %d | %s | %.2f | %.2f | %d |\n",
				t.Kind, t.TrialNumber, t.Label, t.Metrics.NetProfitPct, t.Metrics.MaxDrawdownPct, t.Metrics.TotalTrades)
		}
	}
	return b.String()
}

func formatParams(p map[string]any) string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, 0, len(p))
	for _, k := range slices.Sorted(maps.Keys(p)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, ", ")
}

var (
	rendererMu sync.Mutex
	renderers  = map[string]*glamour.TermRenderer{}
)

// RenderMarkdown renders md for a terminal of the given width using a fixed
// glamour style ("dark", "light", "notty", ...). On any renderer error the
// raw markdown is returned.
func RenderMarkdown(md string, width int, style string) string {
	md = strings.TrimSpace(md)
	if md == "" {
		return ""
	}
	width = max(width, 20)
	if style == "" {
		style = "dark"
	}
	key := style + ":" + strconv.Itoa(width)

	rendererMu.Lock()
	r := renderers[key]
	if r == nil {
		rr, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(style),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			rendererMu.Unlock()
			return md
		}
		renderers[key] = rr
		r = rr
	}
	rendererMu.Unlock()

	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}
