package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/varchive/varchive/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 2, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(url string) *domain.ArchivedVideo {
	return &domain.ArchivedVideo{
		OriginalURL: url,
		DiscordURL:  "https://cdn.example.com/abc.mp4",
		MessageID:   "msg-1",
		ChannelID:   "chan-1",
		GuildID:     "guild-1",
		Metadata: domain.FileMetadata{
			FileSize:   1 << 20,
			Duration:   12.5,
			Format:     "mp4",
			Resolution: "1920x1080",
			Bitrate:    4_000_000,
		},
	}
}

func TestStore_AddAndIsArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.False(t, s.IsArchived(ctx, "https://example.com/v.mp4"))
	assert.True(t, s.Add(ctx, testRecord("https://example.com/v.mp4")))
	assert.True(t, s.IsArchived(ctx, "https://example.com/v.mp4"))
}

func TestStore_Get(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.Add(ctx, testRecord("https://example.com/v.mp4")))

	got, err := s.Get(ctx, "https://example.com/v.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v.mp4", got.OriginalURL)
	assert.Equal(t, "guild-1", got.GuildID)
	assert.Equal(t, int64(1<<20), got.Metadata.FileSize)
	assert.Equal(t, "1920x1080", got.Metadata.Resolution)
	assert.False(t, got.ArchivedAt.IsZero())
}

func TestStore_Get_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "https://example.com/missing.mp4")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_Add_UpsertReplacesExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testRecord("https://example.com/v.mp4")
	require.True(t, s.Add(ctx, first))

	second := testRecord("https://example.com/v.mp4")
	second.DiscordURL = "https://cdn.example.com/replacement.mp4"
	second.Metadata.FileSize = 42
	require.True(t, s.Add(ctx, second))

	got, err := s.Get(ctx, "https://example.com/v.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/replacement.mp4", got.DiscordURL)
	assert.Equal(t, int64(42), got.Metadata.FileSize)
}

func TestStore_RecordError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.False(t, s.RecordError(ctx, "https://example.com/missing.mp4", "boom"))

	require.True(t, s.Add(ctx, testRecord("https://example.com/v.mp4")))
	assert.True(t, s.RecordError(ctx, "https://example.com/v.mp4", "fetch exploded"))
	assert.True(t, s.RecordError(ctx, "https://example.com/v.mp4", "fetch exploded again"))

	got, err := s.Get(ctx, "https://example.com/v.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ErrorCount)
	assert.Equal(t, "fetch exploded again", got.LastError)
}

func TestStore_CleanupOldRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testRecord("https://example.com/old.mp4")
	old.ArchivedAt = time.Now().UTC().AddDate(0, 0, -400)
	require.True(t, s.Add(ctx, old))

	fresh := testRecord("https://example.com/fresh.mp4")
	require.True(t, s.Add(ctx, fresh))

	deleted, err := s.CleanupOldRecords(ctx, 365)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	assert.False(t, s.IsArchived(ctx, "https://example.com/old.mp4"))
	assert.True(t, s.IsArchived(ctx, "https://example.com/fresh.mp4"))
}
