package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/varchive/varchive/internal/domain"
	"github.com/varchive/varchive/internal/port"

	"github.com/sethvargo/go-retry"
)

const busyRetries = 5

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry retries fn on SQLITE_BUSY with fibonacci backoff. WAL keeps
// readers off the write lock, so busy errors only show up under concurrent
// writers and clear quickly.
func (s *Store) withBusyRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(busyRetries, retry.NewFibonacci(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isBusy(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// Add upserts an archive record keyed by original URL; the newest write
// wins wholesale. Database errors are logged and reported as false so the
// caller keeps going without a durable record.
func (s *Store) Add(ctx context.Context, rec *domain.ArchivedVideo) bool {
	now := time.Now().UTC()
	archivedAt := rec.ArchivedAt
	if archivedAt.IsZero() {
		archivedAt = now
	}

	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		return s.pool.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO archived_videos (
					original_url, discord_url, message_id, channel_id, guild_id,
					file_size, duration, format, resolution, bitrate,
					archived_at, error_count, last_error, last_accessed
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)
				ON CONFLICT (original_url) DO UPDATE SET
					discord_url = excluded.discord_url,
					message_id = excluded.message_id,
					channel_id = excluded.channel_id,
					guild_id = excluded.guild_id,
					file_size = excluded.file_size,
					duration = excluded.duration,
					format = excluded.format,
					resolution = excluded.resolution,
					bitrate = excluded.bitrate,
					archived_at = excluded.archived_at,
					last_accessed = excluded.last_accessed`,
				rec.OriginalURL, rec.DiscordURL, rec.MessageID, rec.ChannelID, rec.GuildID,
				rec.Metadata.FileSize, rec.Metadata.Duration, rec.Metadata.Format,
				rec.Metadata.Resolution, rec.Metadata.Bitrate,
				archivedAt, now,
			)
			return err
		})
	})
	if err != nil {
		s.log.Error().Err(err).Str("url", rec.OriginalURL).Msg("failed to record archive")
		return false
	}
	return true
}

// Get returns the stored record for url, touching last_accessed, or
// domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, url string) (*domain.ArchivedVideo, error) {
	var rec domain.ArchivedVideo
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
			SELECT original_url, discord_url, message_id, channel_id, guild_id,
			       file_size, duration, format, resolution, bitrate,
			       archived_at, error_count, last_error, last_accessed
			FROM archived_videos WHERE original_url = ?`, url)
		return row.Scan(
			&rec.OriginalURL, &rec.DiscordURL, &rec.MessageID, &rec.ChannelID, &rec.GuildID,
			&rec.Metadata.FileSize, &rec.Metadata.Duration, &rec.Metadata.Format,
			&rec.Metadata.Resolution, &rec.Metadata.Bitrate,
			&rec.ArchivedAt, &rec.ErrorCount, &rec.LastError, &rec.LastAccessed,
		)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, &domain.DatabaseError{Op: "get archived video", Err: err}
	}

	// Access-time touch is best effort.
	_ = s.withBusyRetry(ctx, func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *sql.Conn) error {
			_, err := conn.ExecContext(ctx,
				`UPDATE archived_videos SET last_accessed = ? WHERE original_url = ?`,
				time.Now().UTC(), url)
			return err
		})
	})

	return &rec, nil
}

// IsArchived is the fast dedup pre-check used before enqueueing. Errors
// degrade to false.
func (s *Store) IsArchived(ctx context.Context, url string) bool {
	var exists bool
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM archived_videos WHERE original_url = ?)`, url)
		return row.Scan(&exists)
	})
	if err != nil {
		s.log.Error().Err(err).Str("url", url).Msg("archive existence check failed")
		return false
	}
	return exists
}

// RecordError bumps error_count and last_error on an existing record.
// Returns false when there is no record for the URL or the write failed.
func (s *Store) RecordError(ctx context.Context, url, errMsg string) bool {
	var updated bool
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		return s.pool.WithTx(ctx, func(tx *Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE archived_videos SET error_count = error_count + 1, last_error = ? WHERE original_url = ?`,
				errMsg, url)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			updated = n > 0
			return err
		})
	})
	if err != nil {
		s.log.Error().Err(err).Str("url", url).Msg("failed to record archive error")
		return false
	}
	return updated
}

// CleanupOldRecords deletes records archived more than days ago and returns
// how many were removed.
func (s *Store) CleanupOldRecords(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var deleted int64
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		return s.pool.WithTx(ctx, func(tx *Tx) error {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM archived_videos WHERE archived_at < ?`, cutoff)
			if err != nil {
				return err
			}
			deleted, err = res.RowsAffected()
			return err
		})
	})
	if err != nil {
		return 0, &domain.DatabaseError{Op: "cleanup old records", Err: err}
	}
	return deleted, nil
}

var _ port.ArchiveStore = (*Store)(nil)
