package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrorCategory is the closed taxonomy for classified processing errors.
type ErrorCategory string

const (
	CategoryNetwork     ErrorCategory = "network"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryPermission  ErrorCategory = "permission"
	CategoryMemory      ErrorCategory = "memory"
	CategoryHardware    ErrorCategory = "hardware"
	CategoryCompression ErrorCategory = "compression"
	CategoryStorage     ErrorCategory = "storage"
	CategoryOther       ErrorCategory = "other"
)

// categoryRules are checked in order; the first category with a matching
// substring wins, so "network timeout" is network, not timeout.
var categoryRules = []struct {
	category ErrorCategory
	keywords []string
}{
	{CategoryNetwork, []string{"network", "dns", "unreachable", "connection refused", "no route"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline"}},
	{CategoryPermission, []string{"permission", "access", "denied", "forbidden"}},
	{CategoryMemory, []string{"memory", "oom"}},
	{CategoryHardware, []string{"hardware", "gpu", "device", "cuda"}},
	{CategoryCompression, []string{"compression", "compress", "encode", "transcode", "codec"}},
	{CategoryStorage, []string{"storage", "disk", "no space", "read-only"}},
}

// ClassifyError maps a free-text error message onto the category taxonomy.
// Best effort; anything unmatched is CategoryOther.
func ClassifyError(msg string) ErrorCategory {
	lower := strings.ToLower(msg)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category
			}
		}
	}
	return CategoryOther
}

// ErrorCounts holds one counter per category. A fixed struct rather than a
// map keeps the category set closed.
type ErrorCounts struct {
	Network     int64 `json:"network"`
	Timeout     int64 `json:"timeout"`
	Permission  int64 `json:"permission"`
	Memory      int64 `json:"memory"`
	Hardware    int64 `json:"hardware"`
	Compression int64 `json:"compression"`
	Storage     int64 `json:"storage"`
	Other       int64 `json:"other"`
}

func (c *ErrorCounts) inc(cat ErrorCategory) {
	switch cat {
	case CategoryNetwork:
		c.Network++
	case CategoryTimeout:
		c.Timeout++
	case CategoryPermission:
		c.Permission++
	case CategoryMemory:
		c.Memory++
	case CategoryHardware:
		c.Hardware++
	case CategoryCompression:
		c.Compression++
	case CategoryStorage:
		c.Storage++
	default:
		c.Other++
	}
}

// RecentError is one entry of the bounded recent-error buffer.
type RecentError struct {
	Message    string        `json:"message"`
	Category   ErrorCategory `json:"category"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// RollupBucket aggregates outcomes for one hour or one day.
type RollupBucket struct {
	Start      time.Time `json:"start"`
	Processed  int64     `json:"processed"`
	Failed     int64     `json:"failed"`
	AvgSeconds float64   `json:"avg_seconds"`
}

const (
	recentErrorCap  = 100
	hourlyRollupCap = 1000
	dailyRollupCap  = 30
)

// MetricsSnapshot is the immutable view returned by Snapshot and the
// serialized form used by Save/Load.
type MetricsSnapshot struct {
	TotalProcessed       int64            `json:"total_processed"`
	TotalFailed          int64            `json:"total_failed"`
	SuccessRate          float64          `json:"success_rate"`
	AvgProcessingSeconds float64          `json:"avg_processing_seconds"`
	ErrorsByMessage      map[string]int64 `json:"errors_by_message"`
	ErrorsByCategory     ErrorCounts      `json:"errors_by_category"`
	RecentErrors         []RecentError    `json:"recent_errors"`
	PeakConcurrency      int64            `json:"peak_concurrency"`
	PeakQueueSize        int64            `json:"peak_queue_size"`
	PeakMemoryBytes      uint64           `json:"peak_memory_bytes"`
	HardwareFailures     int64            `json:"hardware_failures"`
	CompressionFailures  int64            `json:"compression_failures"`
	FirstRecordedAt      time.Time        `json:"first_recorded_at"`
	LastActivityAt       time.Time        `json:"last_activity_at"`
	Hourly               []RollupBucket   `json:"hourly"`
	Daily                []RollupBucket   `json:"daily"`
}

// MetricsManager aggregates processing outcomes, the error taxonomy and
// performance counters for the whole process.
type MetricsManager struct {
	mu sync.Mutex

	totalProcessed int64
	totalFailed    int64
	avgSeconds     float64

	errorsByMessage  map[string]int64
	errorsByCategory ErrorCounts
	recentErrors     []RecentError

	peakConcurrency     int64
	peakQueueSize       int64
	peakMemoryBytes     uint64
	hardwareFailures    int64
	compressionFailures int64

	firstRecordedAt time.Time
	lastActivityAt  time.Time

	hourly      []RollupBucket
	daily       []RollupBucket
	currentHour RollupBucket
	currentDay  RollupBucket

	now func() time.Time
}

func NewMetricsManager() *MetricsManager {
	return &MetricsManager{
		errorsByMessage: make(map[string]int64),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Record folds one processing attempt into the aggregates. The running mean
// uses the incremental form avg' = avg + (new - avg)/n.
func (m *MetricsManager) Record(duration time.Duration, success bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.firstRecordedAt.IsZero() {
		m.firstRecordedAt = now
	}
	m.lastActivityAt = now

	m.rollLocked(now)

	m.totalProcessed++
	secs := duration.Seconds()
	m.avgSeconds += (secs - m.avgSeconds) / float64(m.totalProcessed)

	m.currentHour.Processed++
	m.currentDay.Processed++
	m.currentHour.AvgSeconds += (secs - m.currentHour.AvgSeconds) / float64(m.currentHour.Processed)
	m.currentDay.AvgSeconds += (secs - m.currentDay.AvgSeconds) / float64(m.currentDay.Processed)

	if !success {
		m.totalFailed++
		m.currentHour.Failed++
		m.currentDay.Failed++

		cat := ClassifyError(errMsg)
		m.errorsByCategory.inc(cat)
		m.errorsByMessage[errMsg]++
		switch cat {
		case CategoryHardware:
			m.hardwareFailures++
		case CategoryCompression:
			m.compressionFailures++
		}

		m.recentErrors = append(m.recentErrors, RecentError{
			Message:    errMsg,
			Category:   cat,
			OccurredAt: now,
		})
		if len(m.recentErrors) > recentErrorCap {
			m.recentErrors = m.recentErrors[len(m.recentErrors)-recentErrorCap:]
		}
	}

	if m.totalProcessed%64 == 1 {
		m.sampleMemoryLocked()
	}
}

// rollLocked closes out the current hourly/daily buckets when the clock has
// crossed a boundary since the last record.
func (m *MetricsManager) rollLocked(now time.Time) {
	hour := now.Truncate(time.Hour)
	if m.currentHour.Start.IsZero() {
		m.currentHour.Start = hour
	} else if !hour.Equal(m.currentHour.Start) {
		m.hourly = append(m.hourly, m.currentHour)
		if len(m.hourly) > hourlyRollupCap {
			m.hourly = m.hourly[len(m.hourly)-hourlyRollupCap:]
		}
		m.currentHour = RollupBucket{Start: hour}
	}

	day := now.Truncate(24 * time.Hour)
	if m.currentDay.Start.IsZero() {
		m.currentDay.Start = day
	} else if !day.Equal(m.currentDay.Start) {
		m.daily = append(m.daily, m.currentDay)
		if len(m.daily) > dailyRollupCap {
			m.daily = m.daily[len(m.daily)-dailyRollupCap:]
		}
		m.currentDay = RollupBucket{Start: day}
	}
}

// ObserveConcurrency tracks the peak number of concurrently running workers.
func (m *MetricsManager) ObserveConcurrency(active int64) {
	m.mu.Lock()
	if active > m.peakConcurrency {
		m.peakConcurrency = active
	}
	m.mu.Unlock()
}

// ObserveQueueSize tracks the peak ready-set size.
func (m *MetricsManager) ObserveQueueSize(size int) {
	m.mu.Lock()
	if int64(size) > m.peakQueueSize {
		m.peakQueueSize = int64(size)
	}
	m.mu.Unlock()
}

func (m *MetricsManager) sampleMemoryLocked() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Alloc > m.peakMemoryBytes {
		m.peakMemoryBytes = ms.Alloc
	}
}

// Snapshot returns a deep copy of all aggregates. Success rate is 0 when
// nothing has been processed yet.
func (m *MetricsManager) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sampleMemoryLocked()

	var rate float64
	if m.totalProcessed > 0 {
		rate = float64(m.totalProcessed-m.totalFailed) / float64(m.totalProcessed)
	}

	byMessage := make(map[string]int64, len(m.errorsByMessage))
	for k, v := range m.errorsByMessage {
		byMessage[k] = v
	}

	snap := MetricsSnapshot{
		TotalProcessed:       m.totalProcessed,
		TotalFailed:          m.totalFailed,
		SuccessRate:          rate,
		AvgProcessingSeconds: m.avgSeconds,
		ErrorsByMessage:      byMessage,
		ErrorsByCategory:     m.errorsByCategory,
		RecentErrors:         append([]RecentError(nil), m.recentErrors...),
		PeakConcurrency:      m.peakConcurrency,
		PeakQueueSize:        m.peakQueueSize,
		PeakMemoryBytes:      m.peakMemoryBytes,
		HardwareFailures:     m.hardwareFailures,
		CompressionFailures:  m.compressionFailures,
		FirstRecordedAt:      m.firstRecordedAt,
		LastActivityAt:       m.lastActivityAt,
		Hourly:               append([]RollupBucket(nil), m.hourly...),
		Daily:                append([]RollupBucket(nil), m.daily...),
	}
	if !m.currentHour.Start.IsZero() {
		snap.Hourly = append(snap.Hourly, m.currentHour)
	}
	if !m.currentDay.Start.IsZero() {
		snap.Daily = append(snap.Daily, m.currentDay)
	}
	return snap
}

// Reset drops all aggregates.
func (m *MetricsManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalProcessed = 0
	m.totalFailed = 0
	m.avgSeconds = 0
	m.errorsByMessage = make(map[string]int64)
	m.errorsByCategory = ErrorCounts{}
	m.recentErrors = nil
	m.peakConcurrency = 0
	m.peakQueueSize = 0
	m.peakMemoryBytes = 0
	m.hardwareFailures = 0
	m.compressionFailures = 0
	m.firstRecordedAt = time.Time{}
	m.lastActivityAt = time.Time{}
	m.hourly = nil
	m.daily = nil
	m.currentHour = RollupBucket{}
	m.currentDay = RollupBucket{}
}

// Save writes the snapshot as JSON via a temp file and rename so a crash
// mid-write cannot truncate the previous snapshot.
func (m *MetricsManager) Save(path string) error {
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename metrics: %w", err)
	}
	return nil
}

// Load restores aggregates from a snapshot written by Save. A missing file
// is not an error; the manager starts fresh.
func (m *MetricsManager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read metrics: %w", err)
	}

	var snap MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal metrics: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalProcessed = snap.TotalProcessed
	m.totalFailed = snap.TotalFailed
	m.avgSeconds = snap.AvgProcessingSeconds
	m.errorsByMessage = snap.ErrorsByMessage
	if m.errorsByMessage == nil {
		m.errorsByMessage = make(map[string]int64)
	}
	m.errorsByCategory = snap.ErrorsByCategory
	m.recentErrors = snap.RecentErrors
	m.peakConcurrency = snap.PeakConcurrency
	m.peakQueueSize = snap.PeakQueueSize
	m.peakMemoryBytes = snap.PeakMemoryBytes
	m.hardwareFailures = snap.HardwareFailures
	m.compressionFailures = snap.CompressionFailures
	m.firstRecordedAt = snap.FirstRecordedAt
	m.lastActivityAt = snap.LastActivityAt
	m.hourly = snap.Hourly
	m.daily = snap.Daily
	// Buckets restart at the next Record; the loaded tail buckets stay in
	// history rather than being reopened.
	m.currentHour = RollupBucket{}
	m.currentDay = RollupBucket{}
	return nil
}
