// Package memory implements the temporal tiered memory manager:
// research sessions live in a fast ephemeral tier while active, age
// through durable tiers afterwards, and are purged after a retention
// window. Reads promote warm and cold records back to hot.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tiermem/internal/fastcache"
	"github.com/kalambet/tiermem/internal/storage"
)

// TierActive names the ephemeral tier in results and stats; it is not
// a durable storage.Tier.
const TierActive = "active"

// ErrPendingDeletion is returned when completing a session whose
// durable copy already sits in trash. Trash never re-enters hot.
var ErrPendingDeletion = errors.New("session is pending deletion")

// Manager owns the tier walk, promotion-on-access, and the content
// cache. It is explicitly constructed and holds its store handles for
// its whole lifecycle.
type Manager struct {
	store  *storage.Store
	cache  *fastcache.Client
	logger *slog.Logger
}

// New creates a Manager over an opened durable store and ephemeral
// client.
func New(store *storage.Store, cache *fastcache.Client) *Manager {
	return &Manager{
		store:  store,
		cache:  cache,
		logger: slog.Default(),
	}
}

// PutActive writes (or overwrites) an in-flight session into the fast
// store, resetting its TTL.
func (m *Manager) PutActive(ctx context.Context, rec storage.SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if rec.Status == "" {
		rec.Status = storage.StatusInProgress
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastAccessed = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding active session %s: %w", rec.SessionID, err)
	}
	return m.cache.PutActive(ctx, rec.SessionID, data)
}

// CompleteSession moves a session out of the fast store into the hot
// tier. The durable write runs first; the active entry is only
// removed once the record is safely stored, so a durable failure
// leaves the session visible rather than lost. A durable copy already
// in warm or cold is moved rather than duplicated; one in trash
// rejects the completion with ErrPendingDeletion.
func (m *Manager) CompleteSession(ctx context.Context, rec storage.SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if rec.Status == "" {
		rec.Status = storage.StatusCompleted
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastAccessed = now
	rec.TierEnteredAt = now
	rec.PromotedFrom = ""
	rec.ScheduledDeletion = time.Time{}

	from, err := m.findDurable(ctx, rec.SessionID)
	if err != nil {
		return fmt.Errorf("completing session %s: %w", rec.SessionID, err)
	}
	switch from {
	case storage.TierTrash:
		return fmt.Errorf("completing session %s: %w", rec.SessionID, ErrPendingDeletion)
	case storage.TierWarm, storage.TierCold:
		err := m.store.MoveSession(ctx, from, storage.TierHot, rec, storage.ReasonAccess)
		if errors.Is(err, storage.ErrNotFound) {
			// A concurrent move emptied the source; plain upsert.
			err = m.store.InsertSession(ctx, storage.TierHot, rec)
		}
		if err != nil {
			return fmt.Errorf("completing session %s: %w", rec.SessionID, err)
		}
	default:
		if err := m.store.InsertSession(ctx, storage.TierHot, rec); err != nil {
			return fmt.Errorf("completing session %s: %w", rec.SessionID, err)
		}
	}

	if err := m.cache.RemoveActive(ctx, rec.SessionID); err != nil {
		// The durable copy exists; a lingering active entry expires by
		// TTL and the reconciler drops its set reference.
		m.logger.Warn("failed to remove active entry after completion",
			"session_id", rec.SessionID, "error", err)
	}
	return nil
}

// findDurable reports which durable tier currently holds the session,
// or "" when none does.
func (m *Manager) findDurable(ctx context.Context, sessionID string) (storage.Tier, error) {
	for _, tier := range storage.Tiers {
		_, err := m.store.GetSession(ctx, tier, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		return tier, nil
	}
	return "", nil
}

// GetSession walks the tiers fastest-first and returns the first hit
// together with the tier it now occupies. Warm and cold hits are
// promoted to hot; trash hits are touched in place (trash is a
// one-way dead end pending deletion). A miss across all tiers returns
// storage.ErrNotFound regardless of whether the session ever existed.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (storage.SessionRecord, string, error) {
	if rec, ok := m.getActive(ctx, sessionID); ok {
		return rec, TierActive, nil
	}

	for _, tier := range storage.Tiers {
		rec, err := m.store.GetSession(ctx, tier, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			m.logger.Warn("tier read failed during walk",
				"session_id", sessionID, "tier", tier, "error", err)
			continue
		}

		switch tier {
		case storage.TierHot, storage.TierTrash:
			if err := m.store.TouchSession(ctx, tier, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				m.logger.Warn("touch failed", "session_id", sessionID, "tier", tier, "error", err)
			}
			rec.AccessCount++
			rec.LastAccessed = time.Now().UTC()
			return rec, string(tier), nil
		default:
			promoted, err := m.promote(ctx, tier, rec)
			if err != nil {
				return storage.SessionRecord{}, "", err
			}
			return promoted, string(storage.TierHot), nil
		}
	}

	return storage.SessionRecord{}, "", storage.ErrNotFound
}

func (m *Manager) getActive(ctx context.Context, sessionID string) (storage.SessionRecord, bool) {
	data, err := m.cache.GetActive(ctx, sessionID)
	if errors.Is(err, fastcache.ErrMiss) {
		return storage.SessionRecord{}, false
	}
	if err != nil {
		m.logger.Warn("fast store read failed, falling through to durable tiers",
			"session_id", sessionID, "error", err)
		return storage.SessionRecord{}, false
	}

	var rec storage.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Malformed payloads are treated as absent, never as a crash.
		m.logger.Warn("discarding malformed active session payload",
			"session_id", sessionID, "error", err)
		return storage.SessionRecord{}, false
	}
	return rec, true
}

// promote copies rec from its source tier into hot and removes the
// source copy, logging the migration. If the source row vanished a
// concurrent move won; the hot copy is re-read instead. Other
// failures surface as a miss with a warning: the un-promoted copy is
// untouched and the next walk finds it.
func (m *Manager) promote(ctx context.Context, from storage.Tier, rec storage.SessionRecord) (storage.SessionRecord, error) {
	promoted := rec
	promoted.AccessCount++
	promoted.PromotedFrom = string(from)
	promoted.TierEnteredAt = time.Now().UTC()
	promoted.LastAccessed = promoted.TierEnteredAt
	promoted.ScheduledDeletion = time.Time{}

	err := m.store.MoveSession(ctx, from, storage.TierHot, promoted, storage.ReasonAccess)
	if errors.Is(err, storage.ErrNotFound) {
		if hot, hotErr := m.store.GetSession(ctx, storage.TierHot, rec.SessionID); hotErr == nil {
			return hot, nil
		}
		m.logger.Warn("promotion lost a concurrent move",
			"session_id", rec.SessionID, "from", from)
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		m.logger.Warn("promotion failed, surfacing miss",
			"session_id", rec.SessionID, "from", from, "error", err)
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	return promoted, nil
}

// Stats summarizes tier occupancy and recent migration activity.
type Stats struct {
	ActiveCount      int            `json:"active_count"`
	TierCounts       map[string]int `json:"tier_counts"`
	RecentMigrations map[string]int `json:"recent_migrations"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// Stats returns per-tier counts and migration counts for the last 24h.
// ActiveCount is the size of the active id set and may briefly include
// entries whose TTL expired since the last reconcile cycle.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		TierCounts:  make(map[string]int, len(storage.Tiers)),
		GeneratedAt: time.Now().UTC(),
	}

	active, err := m.cache.ActiveCount(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting active sessions: %w", err)
	}
	s.ActiveCount = active

	for _, tier := range storage.Tiers {
		n, err := m.store.CountTier(ctx, tier)
		if err != nil {
			return Stats{}, fmt.Errorf("counting %s: %w", tier, err)
		}
		s.TierCounts[string(tier)] = n
	}

	counts, err := m.store.CountMigrationsSince(ctx, s.GeneratedAt.Add(-24*time.Hour))
	if err != nil {
		return Stats{}, fmt.Errorf("counting recent migrations: %w", err)
	}
	s.RecentMigrations = counts
	return s, nil
}

// GetCachedContent returns cached content for a URL, or
// fastcache.ErrMiss when absent or expired.
func (m *Manager) GetCachedContent(ctx context.Context, url string) ([]byte, error) {
	return m.cache.GetContent(ctx, fastcache.HashURL(url))
}

// SetCachedContent caches fetched content under the URL's hash and
// records the fetch in the durable audit index. Audit failures are
// absorbed: the cache write is what callers depend on.
func (m *Manager) SetCachedContent(ctx context.Context, url string, content []byte) error {
	hash := fastcache.HashURL(url)
	if err := m.cache.SetContent(ctx, hash, content); err != nil {
		return err
	}

	sum := sha256.Sum256(content)
	audit := storage.ProcessedURL{
		URLHash:       hash,
		URL:           fastcache.NormalizeURL(url),
		Domain:        fastcache.Domain(url),
		ContentHash:   hex.EncodeToString(sum[:]),
		ContentLength: len(content),
		ExpiresAt:     time.Now().UTC().Add(m.cache.ContentTTL()),
	}
	if err := m.store.RecordContentSuccess(ctx, audit); err != nil {
		m.logger.Warn("failed to record content audit", "url_hash", hash, "error", err)
	}
	return nil
}

// RecordFetchFailure notes a failed fetch in the audit index without
// touching the cache.
func (m *Manager) RecordFetchFailure(ctx context.Context, url, fetchErr string) error {
	return m.store.RecordContentFailure(ctx,
		fastcache.HashURL(url), fastcache.NormalizeURL(url), fastcache.Domain(url), fetchErr)
}

// GetCachedContentBatch looks up many URLs in a single round trip. The
// result has one entry per input URL; a nil value is a miss. Misses
// are never errors; callers treat them as "go fetch".
func (m *Manager) GetCachedContentBatch(ctx context.Context, urls []string) (map[string][]byte, error) {
	hashes := make([]string, len(urls))
	for i, u := range urls {
		hashes[i] = fastcache.HashURL(u)
	}
	byHash, err := m.cache.GetManyContent(ctx, hashes)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(urls))
	for i, u := range urls {
		result[u] = byHash[hashes[i]]
	}
	return result, nil
}

// ProcessedURL exposes the durable audit row for one URL.
func (m *Manager) ProcessedURL(ctx context.Context, url string) (storage.ProcessedURL, error) {
	return m.store.GetProcessedURL(ctx, fastcache.HashURL(url))
}

// RecentActivity returns the newest migration log entries across all
// sessions, newest first.
func (m *Manager) RecentActivity(ctx context.Context, limit int) ([]storage.MigrationRecord, error) {
	return m.store.RecentMigrations(ctx, limit)
}

// SessionHistory returns the migration audit trail for one session.
func (m *Manager) SessionHistory(ctx context.Context, sessionID string) ([]storage.MigrationRecord, error) {
	return m.store.MigrationsForSession(ctx, sessionID)
}
