package domain

import (
	"time"

	"github.com/google/uuid"
)

type ItemState string

const (
	ItemStatePending    ItemState = "pending"
	ItemStateProcessing ItemState = "processing"
	ItemStateCompleted  ItemState = "completed"
	ItemStateFailed     ItemState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s ItemState) Terminal() bool {
	return s == ItemStateCompleted || s == ItemStateFailed
}

// Result is the single terminal outcome delivered for a queue item.
// Exactly one Result is sent on the item's done channel, after which the
// channel is closed.
type Result struct {
	URL       string
	Success   bool
	Error     string
	Attempts  int
	Cancelled bool
}

// QueueItem is one archival request. The source URL is its natural key
// within a guild; the ID exists for logging and result correlation.
type QueueItem struct {
	ID         string
	URL        string
	GuildID    string
	ChannelID  string
	MessageID  string
	AuthorID   string
	EnqueuedAt time.Time
	State      ItemState
	Attempts   int
	LastError  string

	// GuildEpoch is the guild's epoch at enqueue time. A guild clear bumps
	// the epoch, marking items from earlier epochs as cancelled.
	GuildEpoch uint64

	done chan Result
}

func NewQueueItem(url, guildID, channelID, messageID, authorID string) *QueueItem {
	return &QueueItem{
		ID:         uuid.NewString(),
		URL:        url,
		GuildID:    guildID,
		ChannelID:  channelID,
		MessageID:  messageID,
		AuthorID:   authorID,
		EnqueuedAt: time.Now().UTC(),
		State:      ItemStatePending,
		done:       make(chan Result, 1),
	}
}

// Done returns the channel on which the item's terminal Result arrives.
func (i *QueueItem) Done() <-chan Result {
	return i.done
}

// Resolve delivers the terminal result. Safe to call at most once; the
// state manager is the only caller.
func (i *QueueItem) Resolve(r Result) {
	i.done <- r
	close(i.done)
}
