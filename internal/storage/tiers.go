package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// sessionColumns is the shared column set of the four tier tables.
var sessionColumns = []string{
	"session_id", "user_id", "query", "status", "research_type",
	"payload", "created_at", "last_accessed", "access_count",
	"promoted_from", "tier_entered_at",
}

// InsertSession upserts rec into the given tier. If rec.TierEnteredAt
// is zero it is stamped with the current time; aging and promotion
// pass an explicit entry time so the whole move shares one timestamp.
func (s *Store) InsertSession(ctx context.Context, tier Tier, rec SessionRecord) error {
	if !tier.Valid() {
		return fmt.Errorf("unknown tier %q", tier)
	}
	if rec.TierEnteredAt.IsZero() {
		rec.TierEnteredAt = time.Now().UTC()
	}
	query, args, err := insertSessionBuilder(tier, rec).ToSql()
	if err != nil {
		return fmt.Errorf("building insert for %s: %w", tier, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting session %s into %s: %w", rec.SessionID, tier, err)
	}
	return nil
}

func insertSessionBuilder(tier Tier, rec SessionRecord) sq.InsertBuilder {
	cols := sessionColumns
	vals := []any{
		rec.SessionID, rec.UserID, rec.Query, rec.Status, rec.ResearchType,
		[]byte(rec.Payload), timeStr(rec.CreatedAt), timeStr(rec.LastAccessed),
		rec.AccessCount, nullStr(rec.PromotedFrom), timeStr(rec.TierEnteredAt),
	}
	if tier == TierTrash {
		cols = append(append([]string{}, cols...), "scheduled_deletion")
		vals = append(vals, nullTime(rec.ScheduledDeletion))
	}
	return sq.Insert(tier.table()).Options("OR REPLACE").Columns(cols...).Values(vals...)
}

// GetSession reads one record from the given tier.
func (s *Store) GetSession(ctx context.Context, tier Tier, sessionID string) (SessionRecord, error) {
	if !tier.Valid() {
		return SessionRecord{}, fmt.Errorf("unknown tier %q", tier)
	}
	query, args, err := selectSessionBuilder(tier).
		Where(sq.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return SessionRecord{}, fmt.Errorf("building select for %s: %w", tier, err)
	}
	rec, err := scanSession(s.db.QueryRowContext(ctx, query, args...), tier)
	if err == sql.ErrNoRows {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("reading session %s from %s: %w", sessionID, tier, err)
	}
	return rec, nil
}

func selectSessionBuilder(tier Tier) sq.SelectBuilder {
	cols := sessionColumns
	if tier == TierTrash {
		cols = append(append([]string{}, cols...), "scheduled_deletion")
	}
	return sq.Select(cols...).From(tier.table())
}

// DeleteSession removes a record from the given tier. It reports
// whether a row was actually deleted; a concurrent move may have
// emptied the source already, which callers treat as a no-op.
func (s *Store) DeleteSession(ctx context.Context, tier Tier, sessionID string) (bool, error) {
	if !tier.Valid() {
		return false, fmt.Errorf("unknown tier %q", tier)
	}
	query, args, err := sq.Delete(tier.table()).Where(sq.Eq{"session_id": sessionID}).ToSql()
	if err != nil {
		return false, fmt.Errorf("building delete for %s: %w", tier, err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deleting session %s from %s: %w", sessionID, tier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchSession increments access_count and refreshes last_accessed
// without changing tier_entered_at: plain access never resets aging.
func (s *Store) TouchSession(ctx context.Context, tier Tier, sessionID string) error {
	if !tier.Valid() {
		return fmt.Errorf("unknown tier %q", tier)
	}
	query, args, err := sq.Update(tier.table()).
		Set("access_count", sq.Expr("access_count + 1")).
		Set("last_accessed", timeStr(time.Now().UTC())).
		Where(sq.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building touch for %s: %w", tier, err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("touching session %s in %s: %w", sessionID, tier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ScanEnteredBefore returns all records in the tier whose
// tier_entered_at is before cutoff, oldest first.
func (s *Store) ScanEnteredBefore(ctx context.Context, tier Tier, cutoff time.Time) ([]SessionRecord, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	query, args, err := selectSessionBuilder(tier).
		Where(sq.Lt{"tier_entered_at": timeStr(cutoff)}).
		OrderBy("tier_entered_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building scan for %s: %w", tier, err)
	}
	return s.querySessions(ctx, tier, query, args)
}

// ScanExpiredTrash returns trash records whose scheduled_deletion has
// passed, oldest first.
func (s *Store) ScanExpiredTrash(ctx context.Context, now time.Time) ([]SessionRecord, error) {
	query, args, err := selectSessionBuilder(TierTrash).
		Where(sq.Lt{"scheduled_deletion": timeStr(now)}).
		OrderBy("scheduled_deletion ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building trash scan: %w", err)
	}
	return s.querySessions(ctx, TierTrash, query, args)
}

func (s *Store) querySessions(ctx context.Context, tier Tier, query string, args []any) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", tier, err)
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows, tier)
		if err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", tier, err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// CountTier returns the number of records currently in the tier.
func (s *Store) CountTier(ctx context.Context, tier Tier) (int, error) {
	if !tier.Valid() {
		return 0, fmt.Errorf("unknown tier %q", tier)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tier.table()).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", tier, err)
	}
	return n, nil
}

// SessionIDs returns every session_id in the tier. Used by the
// integrity scan.
func (s *Store) SessionIDs(ctx context.Context, tier Tier) ([]string, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT session_id FROM "+tier.table())
	if err != nil {
		return nil, fmt.Errorf("listing %s ids: %w", tier, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MoveSession moves a record between tiers in one transaction: upsert
// into the destination (as described by rec), conditionally delete
// from the source, and append the migration-log entry. The source row
// is re-read inside the transaction, so accesses recorded after the
// caller's snapshot still carry into the destination. Insert runs
// first so a failure window shows a brief duplicate rather than a
// missing record. If the source row is already gone (a concurrent
// promotion or aging pass won the race) the whole transaction rolls
// back and ErrNotFound is returned; callers treat that as a no-op.
func (s *Store) MoveSession(ctx context.Context, from, to Tier, rec SessionRecord, reason string) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("unknown tier in move %s -> %s", from, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning move transaction: %w", err)
	}
	defer tx.Rollback()

	var srcCount int
	var srcAccessed string
	err = tx.QueryRowContext(ctx,
		"SELECT access_count, last_accessed FROM "+from.table()+" WHERE session_id = ?",
		rec.SessionID).Scan(&srcCount, &srcAccessed)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading session %s from %s: %w", rec.SessionID, from, err)
	}
	if srcCount > rec.AccessCount {
		// Touches landed between the caller's snapshot and this move.
		rec.AccessCount = srcCount
		if t, perr := parseTime(srcAccessed); perr == nil && t.After(rec.LastAccessed) {
			rec.LastAccessed = t
		}
	}

	insQuery, insArgs, err := insertSessionBuilder(to, rec).ToSql()
	if err != nil {
		return fmt.Errorf("building move insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insQuery, insArgs...); err != nil {
		return fmt.Errorf("inserting session %s into %s: %w", rec.SessionID, to, err)
	}

	delQuery, delArgs, err := sq.Delete(from.table()).Where(sq.Eq{"session_id": rec.SessionID}).ToSql()
	if err != nil {
		return fmt.Errorf("building move delete: %w", err)
	}
	res, err := tx.ExecContext(ctx, delQuery, delArgs...)
	if err != nil {
		return fmt.Errorf("deleting session %s from %s: %w", rec.SessionID, from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Lost the race: someone else already moved this record.
		return ErrNotFound
	}

	logQuery, logArgs, err := sq.Insert("tier_migrations").
		Columns("session_id", "from_tier", "to_tier", "reason", "migration_time", "access_count_at_migration").
		Values(rec.SessionID, string(from), string(to), reason, timeStr(rec.TierEnteredAt), rec.AccessCount).
		ToSql()
	if err != nil {
		return fmt.Errorf("building migration log insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, logQuery, logArgs...); err != nil {
		return fmt.Errorf("logging migration for %s: %w", rec.SessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing move of %s (%s -> %s): %w", rec.SessionID, from, to, err)
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, tier Tier) (SessionRecord, error) {
	var rec SessionRecord
	var payload []byte
	var createdAt, lastAccessed, enteredAt string
	var promotedFrom sql.NullString
	var scheduledDeletion sql.NullString

	dest := []any{
		&rec.SessionID, &rec.UserID, &rec.Query, &rec.Status, &rec.ResearchType,
		&payload, &createdAt, &lastAccessed, &rec.AccessCount,
		&promotedFrom, &enteredAt,
	}
	if tier == TierTrash {
		dest = append(dest, &scheduledDeletion)
	}
	if err := row.Scan(dest...); err != nil {
		return SessionRecord{}, err
	}
	rec.Payload = payload

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return SessionRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.LastAccessed, err = parseTime(lastAccessed); err != nil {
		return SessionRecord{}, fmt.Errorf("parsing last_accessed: %w", err)
	}
	if rec.TierEnteredAt, err = parseTime(enteredAt); err != nil {
		return SessionRecord{}, fmt.Errorf("parsing tier_entered_at: %w", err)
	}
	rec.PromotedFrom = promotedFrom.String
	if scheduledDeletion.Valid && scheduledDeletion.String != "" {
		if rec.ScheduledDeletion, err = parseTime(scheduledDeletion.String); err != nil {
			return SessionRecord{}, fmt.Errorf("parsing scheduled_deletion: %w", err)
		}
	}
	return rec, nil
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
