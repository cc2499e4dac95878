package domain

import "time"

// FileMetadata describes the archived copy. All fields are optional and
// filled opportunistically from whatever the fetcher could probe.
type FileMetadata struct {
	FileSize   int64
	Duration   float64
	Format     string
	Resolution string
	Bitrate    int64
}

// ArchivedVideo is the durable archive record, keyed by the original URL.
// At most one live record exists per URL; writes are upsert-replace.
type ArchivedVideo struct {
	OriginalURL  string
	DiscordURL   string
	MessageID    string
	ChannelID    string
	GuildID      string
	Metadata     FileMetadata
	ArchivedAt   time.Time
	ErrorCount   int64
	LastError    string
	LastAccessed time.Time
}
