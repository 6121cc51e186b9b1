package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRingReplayOrderingScenario(t *testing.T) {
	// spec.md §8 scenario 6: three consecutive seconds T, T+1, T+2 holding
	// (1,1,1), (2,2,2), (3,3,3) replay newest-first as
	// "(T+2)%600 3 3 3", "(T+1)%600 2 2 2", "T%600 1 1 1".
	r := NewHistoryRing(600)

	baseMS := int64(1000)
	tAt := r.AddToHistory(baseMS, 0, []float64{1, 1, 1, 0, 0, 0, 0})
	r.AddToHistory(baseMS+1000, 0, []float64{2, 2, 2, 0, 0, 0, 0})
	r.AddToHistory(baseMS+2000, 0, []float64{3, 3, 3, 0, 0, 0, 0})

	records := r.Replay()
	require.Len(t, records, 3)

	assert.Equal(t, (tAt+2)%600, records[0].Seq)
	assert.Equal(t, [3]float64{3, 3, 3}, records[0].Values)

	assert.Equal(t, (tAt+1)%600, records[1].Seq)
	assert.Equal(t, [3]float64{2, 2, 2}, records[1].Values)

	assert.Equal(t, tAt%600, records[2].Seq)
	assert.Equal(t, [3]float64{1, 1, 1}, records[2].Values)
}

func TestHistoryRingEvictsPastCapacity(t *testing.T) {
	r := NewHistoryRing(3)
	for i := int64(0); i < 5; i++ {
		r.AddToHistory(i*1000, 0, []float64{float64(i), 0, 0, 0, 0, 0, 0})
	}
	assert.Equal(t, 3, r.Len(), "ring never grows past capacity")

	records := r.Replay()
	require.Len(t, records, 3)
	assert.Equal(t, float64(4), records[0].Values[0], "the three most recent seconds survive")
}

func TestHistoryRingCreatesEmptyEntriesForSkippedSeconds(t *testing.T) {
	r := NewHistoryRing(600)
	r.AddToHistory(0, 0, []float64{1, 1, 1, 0, 0, 0, 0})
	r.AddToHistory(3000, 0, []float64{4, 4, 4, 0, 0, 0, 0})

	assert.Equal(t, 4, r.Len(), "two skipped seconds get empty placeholder entries")
	records := r.Replay()
	assert.Len(t, records, 2, "Replay only emits entries that received a value")
}
