package results

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/optqueue/backend"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestMedianAndAverage(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 0.0, Average(nil))
	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))
	assert.InDelta(t, 2.5, Average([]float64{4, 1, 3, 2}), 1e-9)

	xs := []float64{3, 1, 2}
	Median(xs)
	assert.Equal(t, []float64{3, 1, 2}, xs, "input must not be reordered")
}

func TestStitchEquity_RebasesWindows(t *testing.T) {
	windows := []backend.Window{
		{Number: 1, OOSEquity: []backend.EquityPoint{
			{Time: day(1), Equity: 1000},
			{Time: day(2), Equity: 1100},
		}},
		{Number: 2, OOSEquity: []backend.EquityPoint{
			{Time: day(2), Equity: 500},
			{Time: day(3), Equity: 450},
		}},
	}

	curve := StitchEquity(windows)
	require.Len(t, curve, 3)
	assert.InDelta(t, 100, curve[0].Equity, 1e-9)
	assert.InDelta(t, 110, curve[1].Equity, 1e-9)
	assert.InDelta(t, 99, curve[2].Equity, 1e-9)
	assert.Equal(t, day(3), curve[2].Time)
}

func TestStitchEquity_WindowWithoutCurveCompoundsProfit(t *testing.T) {
	windows := []backend.Window{
		{Number: 1, OOSEnd: "2024-02-01", OOS: backend.Metrics{NetProfitPct: 10}},
		{Number: 2, OOSEnd: "2024-03-01", OOS: backend.Metrics{NetProfitPct: -50}},
	}
	curve := StitchEquity(windows)
	require.Len(t, curve, 2)
	assert.InDelta(t, 110, curve[0].Equity, 1e-9)
	assert.InDelta(t, 55, curve[1].Equity, 1e-9)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), curve[1].Time)
}

func TestStitchEquity_CurveAfterCompoundedWindowKeepsOpeningPoint(t *testing.T) {
	windows := []backend.Window{
		{Number: 1, OOSEnd: "2024-01-01", OOS: backend.Metrics{NetProfitPct: 10}},
		{Number: 2, OOSEquity: []backend.EquityPoint{
			{Time: day(5), Equity: 200},
			{Time: day(6), Equity: 220},
		}},
		{Number: 3, OOSEquity: []backend.EquityPoint{
			{Time: day(6), Equity: 50},
			{Time: day(7), Equity: 25},
		}},
	}

	curve := StitchEquity(windows)
	require.Len(t, curve, 4)
	assert.InDelta(t, 110, curve[0].Equity, 1e-9)
	assert.Equal(t, day(5), curve[1].Time)
	assert.InDelta(t, 110, curve[1].Equity, 1e-9)
	assert.InDelta(t, 121, curve[2].Equity, 1e-9)
	// Window 3 opens on window 2's last point, which is not repeated.
	assert.Equal(t, day(7), curve[3].Time)
	assert.InDelta(t, 60.5, curve[3].Equity, 1e-9)
}

func TestMaxDrawdownPct(t *testing.T) {
	points := []backend.EquityPoint{{Equity: 100}, {Equity: 120}, {Equity: 90}, {Equity: 130}, {Equity: 117}}
	assert.InDelta(t, 25, MaxDrawdownPct(points), 1e-9)
	assert.Equal(t, 0.0, MaxDrawdownPct(nil))
}

func TestSummarizeWFA(t *testing.T) {
	windows := []backend.Window{
		{OOS: backend.Metrics{NetProfitPct: 10, TotalTrades: 4}},
		{OOS: backend.Metrics{NetProfitPct: -20, TotalTrades: 3}},
		{OOS: backend.Metrics{NetProfitPct: 5, TotalTrades: 1}},
	}
	s := SummarizeWFA(windows)
	assert.Equal(t, 3, s.Windows)
	assert.Equal(t, 2, s.ProfitableWindows)
	assert.InDelta(t, 2.0/3.0, s.ProfitableShare, 1e-9)
	assert.InDelta(t, 5, s.MedianOOSProfitPct, 1e-9)
	assert.InDelta(t, -5.0/3.0, s.AverageOOSProfitPct, 1e-9)
	assert.Equal(t, 8, s.TotalOOSTrades)
	// 100 -> 110 -> 88 -> 92.4
	assert.InDelta(t, -7.6, s.StitchedNetProfitPct, 1e-9)
	assert.InDelta(t, 20, s.StitchedMaxDrawdownPct, 1e-9)

	assert.Equal(t, WFASummary{}, SummarizeWFA(nil))
}

func TestTopTrials(t *testing.T) {
	study := &backend.Study{Trials: []backend.Trial{
		{Number: 0, Score: 1},
		{Number: 1, Score: 3},
		{Number: 2, Score: 2},
		{Number: 3, Score: 3},
	}}

	top := TopTrials(study, 3)
	require.Len(t, top, 3)
	assert.Equal(t, []int{1, 3, 2}, []int{top[0].Number, top[1].Number, top[2].Number})
	assert.Len(t, TopTrials(study, 0), 4)
	assert.Equal(t, 0, study.Trials[0].Number, "source order untouched")
	assert.Nil(t, TopTrials(nil, 3))
}
