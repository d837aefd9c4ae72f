package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{"id", "item_id", "item_index", "run_id", "request_id", "mode", "strategy_id", "source_path", "outcome", "study_id", "error", "started_at", "finished_at", "duration_s"}

// WriteCSV writes attempts with a header row.
func WriteCSV(w io.Writer, attempts []Attempt) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, a := range attempts {
		err := cw.Write([]string{
			a.ID,
			a.ItemID,
			strconv.Itoa(a.ItemIndex),
			a.RunID,
			a.RequestID,
			a.Mode,
			a.StrategyID,
			a.SourcePath,
			a.Outcome,
			a.StudyID,
			a.Error,
			a.StartedAt.UTC().Format(time.RFC3339),
			a.FinishedAt.UTC().Format(time.RFC3339),
			f(a.Duration().Seconds()),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 3, 64)
}
