package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// TierDeleted is the terminal pseudo-tier recorded when a trash record
// is permanently purged. It has no backing table.
const TierDeleted Tier = "deleted"

var migrationColumns = []string{
	"migration_id", "session_id", "from_tier", "to_tier", "reason",
	"migration_time", "access_count_at_migration",
}

// AppendMigration writes one audit entry outside of a tier move
// (purges and integrity repairs; moves log inside their own
// transaction).
func (s *Store) AppendMigration(ctx context.Context, m MigrationRecord) error {
	if m.MigrationTime.IsZero() {
		m.MigrationTime = time.Now().UTC()
	}
	query, args, err := sq.Insert("tier_migrations").
		Columns(migrationColumns[1:]...).
		Values(m.SessionID, string(m.FromTier), string(m.ToTier), m.Reason,
			timeStr(m.MigrationTime), m.AccessCountAtMigration).
		ToSql()
	if err != nil {
		return fmt.Errorf("building migration insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("appending migration for %s: %w", m.SessionID, err)
	}
	return nil
}

// RecentMigrations returns the newest audit entries, most recent first.
func (s *Store) RecentMigrations(ctx context.Context, limit int) ([]MigrationRecord, error) {
	query, args, err := sq.Select(migrationColumns...).
		From("tier_migrations").
		OrderBy("migration_id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building migrations select: %w", err)
	}
	return s.queryMigrations(ctx, query, args)
}

// MigrationsForSession returns the full transition history of one
// session, oldest first.
func (s *Store) MigrationsForSession(ctx context.Context, sessionID string) ([]MigrationRecord, error) {
	query, args, err := sq.Select(migrationColumns...).
		From("tier_migrations").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("migration_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session migrations select: %w", err)
	}
	return s.queryMigrations(ctx, query, args)
}

// CountMigrationsSince returns migration counts by reason for entries
// at or after since.
func (s *Store) CountMigrationsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	query, args, err := sq.Select("reason", "COUNT(*)").
		From("tier_migrations").
		Where(sq.GtOrEq{"migration_time": timeStr(since)}).
		GroupBy("reason").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building migration counts select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting migrations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryMigrations(ctx context.Context, query string, args []any) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var results []MigrationRecord
	for rows.Next() {
		var m MigrationRecord
		var fromTier, toTier, migrationTime string
		if err := rows.Scan(&m.ID, &m.SessionID, &fromTier, &toTier, &m.Reason,
			&migrationTime, &m.AccessCountAtMigration); err != nil {
			return nil, err
		}
		m.FromTier = Tier(fromTier)
		m.ToTier = Tier(toTier)
		if m.MigrationTime, err = parseTime(migrationTime); err != nil {
			return nil, fmt.Errorf("parsing migration_time: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}
