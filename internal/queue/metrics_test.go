package queue

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsManager_AverageProcessingTime(t *testing.T) {
	m := NewMetricsManager()
	m.Record(2*time.Second, true, "")
	m.Record(4*time.Second, true, "")
	m.Record(6*time.Second, true, "")

	snap := m.Snapshot()
	assert.InDelta(t, 4.0, snap.AvgProcessingSeconds, 1e-9)
}

func TestMetricsManager_SuccessRate(t *testing.T) {
	m := NewMetricsManager()
	for i := 0; i < 7; i++ {
		m.Record(time.Second, true, "")
	}
	for i := 0; i < 3; i++ {
		m.Record(time.Second, false, "boom")
	}

	snap := m.Snapshot()
	assert.Equal(t, int64(10), snap.TotalProcessed)
	assert.Equal(t, int64(3), snap.TotalFailed)
	assert.InDelta(t, 0.7, snap.SuccessRate, 1e-9)
}

func TestMetricsManager_SuccessRate_NothingProcessed(t *testing.T) {
	m := NewMetricsManager()
	assert.Zero(t, m.Snapshot().SuccessRate)
}

func TestClassifyError_TimeoutWins(t *testing.T) {
	assert.Equal(t, CategoryTimeout, ClassifyError("Connection timeout to host"))
}

func TestClassifyError_NetworkCheckedFirst(t *testing.T) {
	assert.Equal(t, CategoryNetwork, ClassifyError("network timeout during fetch"))
}

func TestClassifyError_Permission(t *testing.T) {
	assert.Equal(t, CategoryPermission, ClassifyError("403: Access Denied"))
}

func TestClassifyError_CaseInsensitive(t *testing.T) {
	assert.Equal(t, CategoryMemory, ClassifyError("Out of MEMORY while buffering"))
}

func TestClassifyError_Unmatched(t *testing.T) {
	assert.Equal(t, CategoryOther, ClassifyError("something inexplicable"))
}

func TestMetricsManager_CategoryCounters(t *testing.T) {
	m := NewMetricsManager()
	m.Record(time.Second, false, "gpu fell off the bus")
	m.Record(time.Second, false, "encode failed at frame 3")
	m.Record(time.Second, false, "encode failed at frame 9")

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.ErrorsByCategory.Hardware)
	assert.Equal(t, int64(2), snap.ErrorsByCategory.Compression)
	assert.Equal(t, int64(1), snap.HardwareFailures)
	assert.Equal(t, int64(2), snap.CompressionFailures)
	assert.Equal(t, int64(2), snap.ErrorsByMessage["encode failed at frame 3"]+snap.ErrorsByMessage["encode failed at frame 9"])
}

func TestMetricsManager_RecentErrorsBounded(t *testing.T) {
	m := NewMetricsManager()
	for i := 0; i < 150; i++ {
		m.Record(time.Millisecond, false, fmt.Sprintf("error %d", i))
	}

	snap := m.Snapshot()
	require.Len(t, snap.RecentErrors, 100)
	assert.Equal(t, "error 50", snap.RecentErrors[0].Message, "oldest entries are evicted first")
	assert.Equal(t, "error 149", snap.RecentErrors[99].Message)
}

func TestMetricsManager_PeakObservations(t *testing.T) {
	m := NewMetricsManager()
	m.ObserveConcurrency(2)
	m.ObserveConcurrency(5)
	m.ObserveConcurrency(3)
	m.ObserveQueueSize(10)
	m.ObserveQueueSize(4)

	snap := m.Snapshot()
	assert.Equal(t, int64(5), snap.PeakConcurrency)
	assert.Equal(t, int64(10), snap.PeakQueueSize)
	assert.NotZero(t, snap.PeakMemoryBytes)
}

func TestMetricsManager_HourlyRollup(t *testing.T) {
	m := NewMetricsManager()
	base := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	m.Record(time.Second, true, "")
	m.Record(time.Second, false, "boom")

	now = base.Add(time.Hour)
	m.Record(2*time.Second, true, "")

	snap := m.Snapshot()
	require.Len(t, snap.Hourly, 2)
	assert.Equal(t, int64(2), snap.Hourly[0].Processed)
	assert.Equal(t, int64(1), snap.Hourly[0].Failed)
	assert.Equal(t, int64(1), snap.Hourly[1].Processed)
	require.Len(t, snap.Daily, 1)
	assert.Equal(t, int64(3), snap.Daily[0].Processed)
}

func TestMetricsManager_SaveLoad_RoundTrip(t *testing.T) {
	m := NewMetricsManager()
	m.Record(2*time.Second, true, "")
	m.Record(4*time.Second, false, "network hiccup")
	m.ObserveConcurrency(3)
	m.ObserveQueueSize(7)

	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, m.Save(path))

	restored := NewMetricsManager()
	require.NoError(t, restored.Load(path))

	want := m.Snapshot()
	got := restored.Snapshot()
	assert.Equal(t, want.TotalProcessed, got.TotalProcessed)
	assert.Equal(t, want.TotalFailed, got.TotalFailed)
	assert.InDelta(t, want.AvgProcessingSeconds, got.AvgProcessingSeconds, 1e-9)
	assert.Equal(t, want.ErrorsByCategory, got.ErrorsByCategory)
	assert.Equal(t, want.ErrorsByMessage, got.ErrorsByMessage)
	assert.Equal(t, want.RecentErrors, got.RecentErrors)
	assert.Equal(t, want.PeakConcurrency, got.PeakConcurrency)
	assert.Equal(t, want.PeakQueueSize, got.PeakQueueSize)
	assert.Equal(t, want.Hourly, got.Hourly)
	assert.Equal(t, want.Daily, got.Daily)
}

func TestMetricsManager_Load_MissingFileStartsFresh(t *testing.T) {
	m := NewMetricsManager()
	require.NoError(t, m.Load(filepath.Join(t.TempDir(), "nope.json")))
	assert.Zero(t, m.Snapshot().TotalProcessed)
}

func TestMetricsManager_Reset(t *testing.T) {
	m := NewMetricsManager()
	m.Record(time.Second, false, "boom")
	m.ObserveConcurrency(4)

	m.Reset()

	snap := m.Snapshot()
	assert.Zero(t, snap.TotalProcessed)
	assert.Zero(t, snap.TotalFailed)
	assert.Empty(t, snap.RecentErrors)
	assert.Zero(t, snap.PeakConcurrency)
	assert.Empty(t, snap.Hourly)
}
