package port

import "time"

// ProgressEntry is the live state of one download or compression.
type ProgressEntry struct {
	Percent   float64   `json:"percent"`
	Stage     string    `json:"stage"`
	Bytes     int64     `json:"bytes"`
	Total     int64     `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProgressStore records live progress for long-running downloads and
// compressions, keyed by URL or file id. Updates to a single key are atomic;
// no consistency is promised across keys.
type ProgressStore interface {
	Update(key string, entry ProgressEntry)
	Get(key string) (ProgressEntry, bool)
	Snapshot() map[string]ProgressEntry
	Remove(key string)
	Clear() int
}
