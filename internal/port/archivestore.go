package port

import (
	"context"

	"github.com/varchive/varchive/internal/domain"
)

// ArchiveStore is the durable archive index, deduplicated by original URL.
// Write methods never propagate database errors to the caller; a failed
// write is logged and reported as false so the queue keeps running without
// a durable record.
type ArchiveStore interface {
	Add(ctx context.Context, rec *domain.ArchivedVideo) bool
	Get(ctx context.Context, url string) (*domain.ArchivedVideo, error)
	IsArchived(ctx context.Context, url string) bool
	RecordError(ctx context.Context, url, errMsg string) bool
	CleanupOldRecords(ctx context.Context, days int) (int64, error)
}
