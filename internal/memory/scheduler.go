package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tiermem/internal/config"
	"github.com/kalambet/tiermem/internal/fastcache"
	"github.com/kalambet/tiermem/internal/storage"
)

// Scheduler ages records down the tier chain on a fixed interval,
// purges expired trash, and reconciles the fast store's active set.
type Scheduler struct {
	store        *storage.Store
	cache        *fastcache.Client
	tiers        config.TierConfig
	interval     time.Duration
	cycleTimeout time.Duration
	logger       *slog.Logger

	// now is swappable so tests can run cycles against a fake clock.
	now func() time.Time
}

// NewScheduler creates a Scheduler. If interval is <= 0 it defaults to
// one hour.
func NewScheduler(store *storage.Store, cache *fastcache.Client, tiers config.TierConfig, interval, cycleTimeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if cycleTimeout <= 0 {
		cycleTimeout = 15 * time.Minute
	}
	return &Scheduler{
		store:        store,
		cache:        cache,
		tiers:        tiers,
		interval:     interval,
		cycleTimeout: cycleTimeout,
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one cycle immediately and then on every tick until ctx
// is cancelled. A cycle that overruns the interval does not stack: at
// most one pending tick is dropped before the next cycle starts.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAndLog(ctx)
			// Drop a tick queued while the cycle ran.
			select {
			case <-ticker.C:
				s.logger.Warn("aging cycle overran interval, skipping a tick")
			default:
			}
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	stats, err := s.RunCycle(ctx)
	if err != nil {
		s.logger.Error("aging cycle failed", "error", err)
		return
	}
	s.logger.Info("aging cycle complete",
		"aged_hot", stats.Aged[storage.TierHot],
		"aged_warm", stats.Aged[storage.TierWarm],
		"aged_cold", stats.Aged[storage.TierCold],
		"purged", stats.Purged,
		"reconciled", stats.Reconciled,
		"repaired", stats.Repaired,
		"skipped", stats.Skipped,
	)
}

// CycleStats reports what one aging cycle did. Aged is keyed by the
// source tier of each move.
type CycleStats struct {
	Aged       map[storage.Tier]int `json:"aged"`
	Purged     int                  `json:"purged"`
	Reconciled int                  `json:"reconciled"`
	Repaired   int                  `json:"repaired"`
	Skipped    int                  `json:"skipped"`
}

// RunCycle performs one full pass: age hot, warm, and cold records
// past their thresholds, purge expired trash, reconcile the active
// set, and repair any record found in two tiers. Each record moves
// fully or not at all; per-record failures are logged and retried on
// the next cycle rather than aborting the batch.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	stats := CycleStats{Aged: make(map[storage.Tier]int)}

	steps := []struct {
		from      storage.Tier
		threshold time.Duration
	}{
		{storage.TierHot, s.tiers.HotThreshold()},
		{storage.TierWarm, s.tiers.WarmThreshold()},
		{storage.TierCold, s.tiers.ColdThreshold()},
	}
	for _, step := range steps {
		moved, skipped, err := s.ageTier(ctx, step.from, step.threshold)
		if err != nil {
			return stats, fmt.Errorf("aging %s: %w", step.from, err)
		}
		stats.Aged[step.from] = moved
		stats.Skipped += skipped
	}

	purged, skipped, err := s.purgeTrash(ctx)
	if err != nil {
		return stats, fmt.Errorf("purging trash: %w", err)
	}
	stats.Purged = purged
	stats.Skipped += skipped

	reconciled, err := s.cache.ReconcileActiveSet(ctx)
	if err != nil {
		// Ephemeral-store flakiness here is not worth failing the
		// cycle: the durable work already landed.
		s.logger.Warn("active set reconciliation failed", "error", err)
	}
	stats.Reconciled = reconciled

	repaired, err := s.repairDuplicates(ctx)
	if err != nil {
		s.logger.Warn("integrity scan failed", "error", err)
	}
	stats.Repaired = repaired

	return stats, nil
}

// ageTier moves every record older than threshold (by time-in-tier)
// to the next tier. Returns moved and skipped counts.
func (s *Scheduler) ageTier(ctx context.Context, from storage.Tier, threshold time.Duration) (int, int, error) {
	to, ok := from.Next()
	if !ok {
		return 0, 0, fmt.Errorf("tier %s has no aging destination", from)
	}

	now := s.now()
	records, err := s.store.ScanEnteredBefore(ctx, from, now.Add(-threshold))
	if err != nil {
		return 0, 0, err
	}

	var moved, skipped int
	for _, rec := range records {
		aged := rec
		aged.TierEnteredAt = now
		aged.PromotedFrom = "" // provenance applies to access moves only
		aged.ScheduledDeletion = time.Time{}
		if to == storage.TierTrash {
			aged.ScheduledDeletion = now.Add(s.tiers.TrashRetention())
		}

		err := s.store.MoveSession(ctx, from, to, aged, storage.ReasonAge)
		if errors.Is(err, storage.ErrNotFound) {
			// A concurrent promotion won; nothing to do.
			continue
		}
		if err != nil {
			s.logger.Warn("skipping record this cycle",
				"session_id", rec.SessionID, "from", from, "to", to, "error", err)
			skipped++
			continue
		}
		moved++
	}
	return moved, skipped, nil
}

// purgeTrash permanently deletes trash records whose scheduled
// deletion time has passed, logging each as a cleanup migration.
func (s *Scheduler) purgeTrash(ctx context.Context) (int, int, error) {
	now := s.now()
	records, err := s.store.ScanExpiredTrash(ctx, now)
	if err != nil {
		return 0, 0, err
	}

	var purged, skipped int
	for _, rec := range records {
		deleted, err := s.store.DeleteSession(ctx, storage.TierTrash, rec.SessionID)
		if err != nil {
			s.logger.Warn("skipping purge this cycle",
				"session_id", rec.SessionID, "error", err)
			skipped++
			continue
		}
		if !deleted {
			continue
		}
		if err := s.store.AppendMigration(ctx, storage.MigrationRecord{
			SessionID:              rec.SessionID,
			FromTier:               storage.TierTrash,
			ToTier:                 storage.TierDeleted,
			Reason:                 storage.ReasonCleanup,
			MigrationTime:          now,
			AccessCountAtMigration: rec.AccessCount,
		}); err != nil {
			s.logger.Warn("failed to log purge", "session_id", rec.SessionID, "error", err)
		}
		purged++
	}
	return purged, skipped, nil
}

// repairDuplicates resolves records present in more than one tier, a
// possible residue of a failed move. The more recently accessed copy
// wins; the other is deleted and the repair is logged.
func (s *Scheduler) repairDuplicates(ctx context.Context) (int, error) {
	seen := make(map[string]storage.Tier)
	var repaired int

	for _, tier := range storage.Tiers {
		ids, err := s.store.SessionIDs(ctx, tier)
		if err != nil {
			return repaired, err
		}
		for _, id := range ids {
			firstTier, dup := seen[id]
			if !dup {
				seen[id] = tier
				continue
			}

			if err := s.repairPair(ctx, id, firstTier, tier); err != nil {
				s.logger.Warn("failed to repair duplicate",
					"session_id", id, "tiers", fmt.Sprintf("%s+%s", firstTier, tier), "error", err)
				continue
			}
			repaired++
		}
	}
	return repaired, nil
}

func (s *Scheduler) repairPair(ctx context.Context, id string, a, b storage.Tier) error {
	recA, errA := s.store.GetSession(ctx, a, id)
	recB, errB := s.store.GetSession(ctx, b, id)
	if errA != nil || errB != nil {
		// One copy vanished in the meantime; no duplicate remains.
		return nil
	}

	loser := b
	if recB.LastAccessed.After(recA.LastAccessed) {
		loser = a
	}
	if _, err := s.store.DeleteSession(ctx, loser, id); err != nil {
		return err
	}
	s.logger.Warn("repaired duplicate record",
		"session_id", id, "kept", winnerOf(a, b, loser), "dropped", loser)
	return s.store.AppendMigration(ctx, storage.MigrationRecord{
		SessionID:     id,
		FromTier:      loser,
		ToTier:        winnerOf(a, b, loser),
		Reason:        storage.ReasonCleanup,
		MigrationTime: s.now(),
	})
}

func winnerOf(a, b, loser storage.Tier) storage.Tier {
	if loser == a {
		return b
	}
	return a
}
