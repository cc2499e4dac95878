package queue

import (
	"errors"
	"sync"

	"github.com/varchive/varchive/internal/domain"
	"github.com/varchive/varchive/internal/infrastructure/logger"

	"github.com/rs/zerolog"
)

var ErrQueueFull = errors.New("queue is full")

// Status is the count of items per state, globally or guild-scoped.
type Status struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// StateManager owns the canonical set of queue items and their state
// transitions. Items move Pending -> Processing -> Completed/Failed, with
// failed attempts looping back to Pending until the processor gives up.
// At-most-one-worker-per-item holds because Dequeue removes items from the
// ready set inside the manager lock.
type StateManager struct {
	mu sync.Mutex

	ready      []*domain.QueueItem
	processing map[string]*domain.QueueItem // by item ID

	// inFlight guards the one-item-per-URL-per-guild invariant across both
	// the ready set and processing workers.
	inFlight map[string]struct{} // guildID + "\x00" + url

	byGuild   map[string]map[string]*domain.QueueItem // pending + processing
	byChannel map[string]map[string]*domain.QueueItem

	guildEpoch     map[string]uint64
	guildCompleted map[string]int
	guildFailed    map[string]int
	completed      int
	failed         int

	maxSize      int
	shuttingDown bool

	metrics *MetricsManager
	log     zerolog.Logger
}

// NewStateManager builds a state manager bounded to maxSize queued-or-running
// items (0 means unbounded). metrics may be nil.
func NewStateManager(maxSize int, metrics *MetricsManager) *StateManager {
	return &StateManager{
		processing:     make(map[string]*domain.QueueItem),
		inFlight:       make(map[string]struct{}),
		byGuild:        make(map[string]map[string]*domain.QueueItem),
		byChannel:      make(map[string]map[string]*domain.QueueItem),
		guildEpoch:     make(map[string]uint64),
		guildCompleted: make(map[string]int),
		guildFailed:    make(map[string]int),
		maxSize:        maxSize,
		metrics:        metrics,
		log:            logger.With("queue_state"),
	}
}

func flightKey(guildID, url string) string {
	return guildID + "\x00" + url
}

// Enqueue appends an item to the FIFO ready set and indexes it for scoped
// queries. A URL already pending or processing in the same guild is rejected.
func (m *StateManager) Enqueue(item *domain.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return domain.ErrShuttingDown
	}
	if m.maxSize > 0 && len(m.ready)+len(m.processing) >= m.maxSize {
		return ErrQueueFull
	}
	key := flightKey(item.GuildID, item.URL)
	if _, dup := m.inFlight[key]; dup {
		return domain.ErrDuplicateURL
	}

	item.State = domain.ItemStatePending
	item.GuildEpoch = m.guildEpoch[item.GuildID]
	m.ready = append(m.ready, item)
	m.inFlight[key] = struct{}{}
	m.index(item)

	if m.metrics != nil {
		m.metrics.ObserveQueueSize(len(m.ready))
	}
	m.log.Debug().Str("url", item.URL).Str("guild", item.GuildID).Int("queued", len(m.ready)).Msg("item enqueued")
	return nil
}

// Dequeue removes and returns up to n ready items in FIFO order, marking
// each Processing. Safe for concurrent callers; any given item is handed to
// exactly one of them.
func (m *StateManager) Dequeue(n int) []*domain.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > len(m.ready) {
		n = len(m.ready)
	}
	if n <= 0 {
		return nil
	}

	items := make([]*domain.QueueItem, n)
	copy(items, m.ready[:n])
	m.ready = m.ready[n:]

	for _, item := range items {
		item.State = domain.ItemStateProcessing
		m.processing[item.ID] = item
	}
	return items
}

// Retry moves a Processing item back to the ready set after incrementing
// its attempt count. The item re-enters at the back; retries get no
// priority boost over fresh items. During shutdown or after a guild clear
// the item is resolved as cancelled instead.
func (m *StateManager) Retry(item *domain.QueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processing[item.ID]; !ok {
		return
	}
	delete(m.processing, item.ID)
	item.Attempts++

	if m.shuttingDown || item.GuildEpoch < m.guildEpoch[item.GuildID] {
		m.finishLocked(item, false, item.LastError, true)
		return
	}

	item.State = domain.ItemStatePending
	m.ready = append(m.ready, item)
	if m.metrics != nil {
		m.metrics.ObserveQueueSize(len(m.ready))
	}
	m.log.Debug().Str("url", item.URL).Int("attempts", item.Attempts).Msg("item re-enqueued for retry")
}

// MarkCompleted moves a Processing item to its terminal state, removes its
// indexing, and delivers the item's Result. A failed terminal outcome
// counts as one more attempt. If the item's guild was cleared while it was
// mid-flight, the result is delivered as cancelled regardless of outcome.
func (m *StateManager) MarkCompleted(item *domain.QueueItem, success bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processing[item.ID]; !ok {
		return
	}
	delete(m.processing, item.ID)

	if !success {
		item.Attempts++
		item.LastError = errMsg
	}
	cancelled := item.GuildEpoch < m.guildEpoch[item.GuildID]
	m.finishLocked(item, success && !cancelled, errMsg, cancelled)
}

// CancelProcessing resolves a mid-flight item as cancelled, e.g. when the
// processor is shut down while the item's worker is still running.
func (m *StateManager) CancelProcessing(item *domain.QueueItem, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processing[item.ID]; !ok {
		return
	}
	delete(m.processing, item.ID)
	m.finishLocked(item, false, reason, true)
}

// finishLocked removes indexing, updates terminal counters and delivers the
// single Result. Caller holds m.mu.
func (m *StateManager) finishLocked(item *domain.QueueItem, success bool, errMsg string, cancelled bool) {
	delete(m.inFlight, flightKey(item.GuildID, item.URL))
	m.unindex(item)

	if success {
		item.State = domain.ItemStateCompleted
		m.completed++
		m.guildCompleted[item.GuildID]++
	} else {
		item.State = domain.ItemStateFailed
		item.LastError = errMsg
		m.failed++
		m.guildFailed[item.GuildID]++
	}

	item.Resolve(domain.Result{
		URL:       item.URL,
		Success:   success,
		Error:     errMsg,
		Attempts:  item.Attempts,
		Cancelled: cancelled,
	})
}

// ClearGuild tears down a guild's queue context. Pending items are removed
// and resolved as cancelled immediately; items already mid-flight finish
// naturally but resolve as cancelled because the guild epoch has moved on.
// Completed/failed counters for the guild are dropped. Returns the number
// of pending and processing items affected.
func (m *StateManager) ClearGuild(guildID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.guildEpoch[guildID]++

	kept := m.ready[:0]
	cleared := 0
	for _, item := range m.ready {
		if item.GuildID != guildID {
			kept = append(kept, item)
			continue
		}
		cleared++
		m.finishLocked(item, false, "guild queue cleared", true)
	}
	m.ready = kept

	for _, item := range m.processing {
		if item.GuildID == guildID {
			cleared++
		}
	}

	delete(m.guildCompleted, guildID)
	delete(m.guildFailed, guildID)

	m.log.Info().Str("guild", guildID).Int("cleared", cleared).Msg("guild queue cleared")
	return cleared
}

// Status returns per-state counts, globally when guildID is empty.
func (m *StateManager) Status(guildID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if guildID == "" {
		return Status{
			Pending:    len(m.ready),
			Processing: len(m.processing),
			Completed:  m.completed,
			Failed:     m.failed,
		}
	}

	var st Status
	for _, item := range m.byGuild[guildID] {
		switch item.State {
		case domain.ItemStatePending:
			st.Pending++
		case domain.ItemStateProcessing:
			st.Processing++
		}
	}
	st.Completed = m.guildCompleted[guildID]
	st.Failed = m.guildFailed[guildID]
	return st
}

// ChannelCount returns how many items are pending or processing for a channel.
func (m *StateManager) ChannelCount(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byChannel[channelID])
}

// Shutdown rejects further enqueues and cancels everything still pending.
// Mid-flight items are left to the processor, which resolves them on stop.
func (m *StateManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return
	}
	m.shuttingDown = true

	for _, item := range m.ready {
		m.finishLocked(item, false, "queue shutting down", true)
	}
	m.ready = nil
}

func (m *StateManager) index(item *domain.QueueItem) {
	if m.byGuild[item.GuildID] == nil {
		m.byGuild[item.GuildID] = make(map[string]*domain.QueueItem)
	}
	m.byGuild[item.GuildID][item.ID] = item

	if m.byChannel[item.ChannelID] == nil {
		m.byChannel[item.ChannelID] = make(map[string]*domain.QueueItem)
	}
	m.byChannel[item.ChannelID][item.ID] = item
}

func (m *StateManager) unindex(item *domain.QueueItem) {
	if g := m.byGuild[item.GuildID]; g != nil {
		delete(g, item.ID)
		if len(g) == 0 {
			delete(m.byGuild, item.GuildID)
		}
	}
	if c := m.byChannel[item.ChannelID]; c != nil {
		delete(c, item.ID)
		if len(c) == 0 {
			delete(m.byChannel, item.ChannelID)
		}
	}
}
