package storage

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestTierTablesExist verifies every tier has its backing table.
func TestTierTablesExist(t *testing.T) {
	s := openTestStore(t)

	for _, tier := range Tiers {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", tier.table()).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", tier.table(), err)
		}
		if count != 1 {
			t.Errorf("table %q not found in sqlite_master", tier.table())
		}
	}
}

// TestIndexesExist verifies the aging and audit indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_sessions_hot_entered", "idx_sessions_warm_entered",
		"idx_sessions_cold_entered", "idx_sessions_trash_deletion",
		"idx_tier_migrations_session", "idx_tier_migrations_time",
		"idx_processed_urls_domain",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestTrashHasScheduledDeletion verifies the trash table carries the
// extra purge column the other tiers do not.
func TestTrashHasScheduledDeletion(t *testing.T) {
	s := openTestStore(t)

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('sessions_trash') WHERE name = 'scheduled_deletion'`).Scan(&count)
	if err != nil {
		t.Fatalf("querying table_info: %v", err)
	}
	if count != 1 {
		t.Error("sessions_trash missing scheduled_deletion column")
	}

	err = s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('sessions_hot') WHERE name = 'scheduled_deletion'`).Scan(&count)
	if err != nil {
		t.Fatalf("querying table_info: %v", err)
	}
	if count != 0 {
		t.Error("sessions_hot should not have scheduled_deletion column")
	}
}
