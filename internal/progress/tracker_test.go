package progress

import (
	"fmt"
	"sync"
	"testing"

	"github.com/varchive/varchive/internal/port"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_UpdateAndGet(t *testing.T) {
	tr := NewTracker()

	tr.Update("https://example.com/v.mp4", port.ProgressEntry{Percent: 40, Stage: "downloading", Bytes: 400, Total: 1000})

	e, ok := tr.Get("https://example.com/v.mp4")
	require.True(t, ok)
	assert.Equal(t, 40.0, e.Percent)
	assert.Equal(t, "downloading", e.Stage)
	assert.False(t, e.UpdatedAt.IsZero(), "Update stamps entries missing a timestamp")

	_, ok = tr.Get("https://example.com/missing.mp4")
	assert.False(t, ok)
}

func TestTracker_SnapshotIsIndependent(t *testing.T) {
	tr := NewTracker()
	tr.Update("a", port.ProgressEntry{Percent: 10})

	snap := tr.Snapshot()
	tr.Update("a", port.ProgressEntry{Percent: 90})
	tr.Update("b", port.ProgressEntry{Percent: 5})

	require.Len(t, snap, 1)
	assert.Equal(t, 10.0, snap["a"].Percent)
}

func TestTracker_RemoveAndClear(t *testing.T) {
	tr := NewTracker()
	tr.Update("a", port.ProgressEntry{Percent: 10})
	tr.Update("b", port.ProgressEntry{Percent: 20})

	tr.Remove("a")
	_, ok := tr.Get("a")
	assert.False(t, ok)

	assert.Equal(t, 1, tr.Clear())
	assert.Empty(t, tr.Snapshot())
	assert.Equal(t, 0, tr.Clear())
}

func TestTracker_ConcurrentProducers(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := fmt.Sprintf("item-%d", w)
			for pct := 0; pct <= 100; pct++ {
				tr.Update(key, port.ProgressEntry{Percent: float64(pct), Stage: "downloading"})
				tr.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	snap := tr.Snapshot()
	require.Len(t, snap, 8)
	for _, e := range snap {
		assert.Equal(t, 100.0, e.Percent)
	}
}
