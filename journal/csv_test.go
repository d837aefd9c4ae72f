package journal

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSVHeaderOnly(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, csvHeader, rows[0])
}

func TestWriteCSVRows(t *testing.T) {
	t.Parallel()

	started := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	a := sampleAttempt("A1", "item-1", started)
	a.Error = `bad "quote", comma`

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []Attempt{a}))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	want := []string{
		"A1",
		"item-1",
		"3",
		"run_1",
		"run_req",
		"wfa",
		"s01_trailing_ma",
		"/data/EURUSD_1h.csv",
		"success",
		"study-A1",
		`bad "quote", comma`,
		started.Format(time.RFC3339),
		started.Add(90 * time.Second).Format(time.RFC3339),
		"90.000",
	}
	assert.Equal(t, want, rows[1])
}
