package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// RecordContentSuccess upserts the audit row for a successfully cached
// URL: first fetch creates it, refetches bump the counters and refresh
// the content fingerprint and expiry.
func (s *Store) RecordContentSuccess(ctx context.Context, u ProcessedURL) error {
	now := time.Now().UTC()
	query, args, err := sq.Insert("processed_urls").
		Columns("url_hash", "url", "domain", "first_processed_at", "last_processed_at",
			"process_count", "content_hash", "content_length", "success_count",
			"failure_count", "last_success_at", "expires_at").
		Values(u.URLHash, u.URL, u.Domain, timeStr(now), timeStr(now),
			1, u.ContentHash, u.ContentLength, 1, 0, timeStr(now), nullTime(u.ExpiresAt)).
		Suffix(`ON CONFLICT(url_hash) DO UPDATE SET
			last_processed_at = excluded.last_processed_at,
			process_count = process_count + 1,
			content_hash = excluded.content_hash,
			content_length = excluded.content_length,
			success_count = success_count + 1,
			last_success_at = excluded.last_success_at,
			last_error = '',
			expires_at = excluded.expires_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building content success upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("recording content success for %s: %w", u.URLHash, err)
	}
	return nil
}

// RecordContentFailure upserts the audit row for a failed fetch,
// keeping whatever fingerprint the last success left behind.
func (s *Store) RecordContentFailure(ctx context.Context, urlHash, url, domain, errMsg string) error {
	now := time.Now().UTC()
	query, args, err := sq.Insert("processed_urls").
		Columns("url_hash", "url", "domain", "first_processed_at", "last_processed_at",
			"process_count", "success_count", "failure_count", "last_failure_at", "last_error").
		Values(urlHash, url, domain, timeStr(now), timeStr(now), 1, 0, 1, timeStr(now), errMsg).
		Suffix(`ON CONFLICT(url_hash) DO UPDATE SET
			last_processed_at = excluded.last_processed_at,
			process_count = process_count + 1,
			failure_count = failure_count + 1,
			last_failure_at = excluded.last_failure_at,
			last_error = excluded.last_error`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building content failure upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("recording content failure for %s: %w", urlHash, err)
	}
	return nil
}

// GetProcessedURL reads the audit row for one URL hash.
func (s *Store) GetProcessedURL(ctx context.Context, urlHash string) (ProcessedURL, error) {
	query, args, err := sq.Select("url_hash", "url", "domain", "first_processed_at",
		"last_processed_at", "process_count", "content_hash", "content_length",
		"success_count", "failure_count", "last_success_at", "last_failure_at",
		"last_error", "expires_at").
		From("processed_urls").
		Where(sq.Eq{"url_hash": urlHash}).
		ToSql()
	if err != nil {
		return ProcessedURL{}, fmt.Errorf("building processed url select: %w", err)
	}

	var u ProcessedURL
	var first, last string
	var lastSuccess, lastFailure, expires sql.NullString
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&u.URLHash, &u.URL, &u.Domain, &first, &last, &u.ProcessCount,
		&u.ContentHash, &u.ContentLength, &u.SuccessCount, &u.FailureCount,
		&lastSuccess, &lastFailure, &u.LastError, &expires,
	)
	if err == sql.ErrNoRows {
		return ProcessedURL{}, ErrNotFound
	}
	if err != nil {
		return ProcessedURL{}, fmt.Errorf("reading processed url %s: %w", urlHash, err)
	}

	if u.FirstProcessedAt, err = parseTime(first); err != nil {
		return ProcessedURL{}, fmt.Errorf("parsing first_processed_at: %w", err)
	}
	if u.LastProcessedAt, err = parseTime(last); err != nil {
		return ProcessedURL{}, fmt.Errorf("parsing last_processed_at: %w", err)
	}
	if u.LastSuccessAt, err = parseNullTime(lastSuccess); err != nil {
		return ProcessedURL{}, fmt.Errorf("parsing last_success_at: %w", err)
	}
	if u.LastFailureAt, err = parseNullTime(lastFailure); err != nil {
		return ProcessedURL{}, fmt.Errorf("parsing last_failure_at: %w", err)
	}
	if u.ExpiresAt, err = parseNullTime(expires); err != nil {
		return ProcessedURL{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	return u, nil
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}
