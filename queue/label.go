package queue

import (
	"fmt"
	"strings"
)

const labelSep = " · "

// BuildLabel renders the display string for an item, e.g.
//
//	#3 · S01 Trailing MA v26 · 2 sources · 2024-01-01..2024-06-30 · WFA 90/30d · 500 trials
func BuildLabel(it Item) string {
	parts := []string{fmt.Sprintf("#%d", it.Index), strategySummary(it)}
	parts = append(parts, sourceSummary(it.Sources))
	if d := dateSummary(it.Config.DateFilter); d != "" {
		parts = append(parts, d)
	}
	parts = append(parts, modeSummary(it))
	if b := budgetSummary(it.Config.Budget); b != "" {
		parts = append(parts, b)
	}
	return strings.Join(parts, labelSep)
}

func strategySummary(it Item) string {
	name := strings.TrimSpace(it.StrategyConfig.Name)
	if name == "" {
		name = it.StrategyID
	}
	if name == "" {
		name = "unknown strategy"
	}
	if v := strings.TrimPrefix(strings.TrimSpace(it.StrategyConfig.Version), "v"); v != "" {
		name += " v" + v
	}
	return name
}

func sourceSummary(sources []Source) string {
	switch len(sources) {
	case 0:
		return "no sources"
	case 1:
		return baseName(sources[0].Path)
	default:
		return fmt.Sprintf("%d sources", len(sources))
	}
}

// baseName handles both separators; filepath.Base only knows the host's.
func baseName(p string) string {
	p = strings.TrimRight(p, `/\`)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func dateSummary(df DateFilter) string {
	switch {
	case df.Start != "" && df.End != "":
		return df.Start + ".." + df.End
	case df.Start != "":
		return "from " + df.Start
	case df.End != "":
		return "until " + df.End
	}
	return ""
}

func modeSummary(it Item) string {
	if it.Mode != ModeWFA {
		return "Optuna"
	}
	if it.WFA == nil {
		return "WFA"
	}
	s := fmt.Sprintf("WFA %d/%dd", it.WFA.ISPeriodDays, it.WFA.OOSPeriodDays)
	if it.WFA.Adaptive {
		s += " adaptive"
	}
	return s
}

func budgetSummary(b Budget) string {
	switch b.Mode {
	case BudgetTrials:
		if b.Trials > 0 {
			return fmt.Sprintf("%d trials", b.Trials)
		}
	case BudgetTime:
		if b.Minutes > 0 {
			return fmt.Sprintf("%d min", b.Minutes)
		}
	case BudgetConvergence:
		if b.Patience > 0 {
			return fmt.Sprintf("conv %d", b.Patience)
		}
		return "convergence"
	}
	return ""
}
