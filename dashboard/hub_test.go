package dashboard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/optqueue/queue"
)

func TestHubKeepsBoundedHistory(t *testing.T) {
	h := NewHub(nil)
	for i := range historySize + 50 {
		h.Broadcast(fmt.Sprintf("m%d", i), i)
	}
	hist := h.History()
	require.Len(t, hist, historySize)
	assert.Equal(t, "m50", hist[0].Type)
	assert.Equal(t, fmt.Sprintf("m%d", historySize+49), hist[len(hist)-1].Type)
}

func TestHubOnEvent(t *testing.T) {
	h := NewHub(nil)
	h.OnEvent(queue.Event{Type: queue.EventRunStarted, RunID: "r1"})

	hist := h.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "run_started", hist[0].Type)
	ev, ok := hist[0].Data.(queue.Event)
	require.True(t, ok)
	assert.Equal(t, "r1", ev.RunID)
	assert.NotZero(t, hist[0].Time)
}
