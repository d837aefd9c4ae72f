package results

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/rustyeddy/optqueue/backend"
)

// StitchBase is the equity a stitched curve starts from.
const StitchBase = 100.0

// Median returns the middle value of xs, or 0 for an empty slice.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := slices.Clone(xs)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// Average returns the arithmetic mean of xs, or 0 for an empty slice.
func Average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StitchEquity chains the out-of-sample curves of consecutive windows into
// one curve starting at StitchBase. Each window is rebased so it starts where
// the previous one ended. A window without a curve contributes one point
// compounded from its net profit.
func StitchEquity(windows []backend.Window) []backend.EquityPoint {
	equity := StitchBase
	var (
		out       []backend.EquityPoint
		prevCurve bool
	)

	for _, w := range windows {
		if len(w.OOSEquity) == 0 {
			equity *= 1 + w.OOS.NetProfitPct/100
			t, _ := time.Parse("2006-01-02", w.OOSEnd)
			out = append(out, backend.EquityPoint{Time: t, Equity: equity})
			prevCurve = false
			continue
		}
		start := w.OOSEquity[0].Equity
		if start <= 0 {
			continue
		}
		scale := equity / start
		for i, p := range w.OOSEquity {
			// The first point duplicates the last point of a preceding curve.
			if i == 0 && prevCurve {
				continue
			}
			out = append(out, backend.EquityPoint{Time: p.Time, Equity: p.Equity * scale})
		}
		equity = out[len(out)-1].Equity
		prevCurve = true
	}
	return out
}

// MaxDrawdownPct is the largest peak-to-trough decline of a curve, in
// percent of the peak.
func MaxDrawdownPct(points []backend.EquityPoint) float64 {
	var peak, worst float64
	for _, p := range points {
		peak = math.Max(peak, p.Equity)
		if peak > 0 {
			worst = math.Max(worst, (peak-p.Equity)/peak*100)
		}
	}
	return worst
}

// WFASummary rolls the windows of a walk-forward study up into headline
// numbers.
type WFASummary struct {
	Windows                int     `json:"windows"`
	ProfitableWindows      int     `json:"profitableWindows"`
	ProfitableShare        float64 `json:"profitableShare"`
	MedianOOSProfitPct     float64 `json:"medianOosProfitPct"`
	AverageOOSProfitPct    float64 `json:"averageOosProfitPct"`
	StitchedNetProfitPct   float64 `json:"stitchedNetProfitPct"`
	StitchedMaxDrawdownPct float64 `json:"stitchedMaxDrawdownPct"`
	TotalOOSTrades         int     `json:"totalOosTrades"`
}

func SummarizeWFA(windows []backend.Window) WFASummary {
	s := WFASummary{Windows: len(windows)}
	if len(windows) == 0 {
		return s
	}
	profits := make([]float64, 0, len(windows))
	for _, w := range windows {
		profits = append(profits, w.OOS.NetProfitPct)
		if w.OOS.NetProfitPct > 0 {
			s.ProfitableWindows++
		}
		s.TotalOOSTrades += w.OOS.TotalTrades
	}
	s.ProfitableShare = float64(s.ProfitableWindows) / float64(len(windows))
	s.MedianOOSProfitPct = Median(profits)
	s.AverageOOSProfitPct = Average(profits)

	curve := StitchEquity(windows)
	if len(curve) > 0 {
		s.StitchedNetProfitPct = (curve[len(curve)-1].Equity/StitchBase - 1) * 100
		s.StitchedMaxDrawdownPct = MaxDrawdownPct(append([]backend.EquityPoint{{Equity: StitchBase}}, curve...))
	}
	return s
}

// TopTrials returns up to n trials ordered by score, best first. Ties keep
// the lower trial number first. n <= 0 returns every trial.
func TopTrials(study *backend.Study, n int) []backend.Trial {
	if study == nil {
		return nil
	}
	trials := slices.Clone(study.Trials)
	slices.SortStableFunc(trials, func(a, b backend.Trial) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Number, b.Number)
	})
	if n > 0 && len(trials) > n {
		trials = trials[:n]
	}
	return trials
}
