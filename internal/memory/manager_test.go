package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kalambet/tiermem/internal/fastcache"
	"github.com/kalambet/tiermem/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store, *fastcache.Client, *miniredis.Miniredis) {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	cache, err := fastcache.New(context.Background(), fastcache.Options{
		Addr:       mr.Addr(),
		SessionTTL: time.Hour,
		ContentTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("connecting cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	return New(store, cache), store, cache, mr
}

func sessionFixture(id string) storage.SessionRecord {
	return storage.SessionRecord{
		SessionID:    id,
		UserID:       "user-7",
		Query:        "transformer interpretability",
		ResearchType: "deep",
		Payload:      []byte(`{"phases":["plan","search"],"results":[1,2]}`),
	}
}

func TestCompleteSessionLandsInHot(t *testing.T) {
	mgr, store, cache, _ := newTestManager(t)
	ctx := context.Background()

	rec := sessionFixture("sess-complete")
	if err := mgr.PutActive(ctx, rec); err != nil {
		t.Fatalf("PutActive: %v", err)
	}
	if err := mgr.CompleteSession(ctx, rec); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	got, tier, err := mgr.GetSession(ctx, "sess-complete")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if tier != string(storage.TierHot) {
		t.Errorf("tier = %q, want hot", tier)
	}
	if !bytes.Equal(got.Payload, rec.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, rec.Payload)
	}
	if got.Status != storage.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}

	// The active entry must be gone.
	if _, err := cache.GetActive(ctx, "sess-complete"); !errors.Is(err, fastcache.ErrMiss) {
		t.Errorf("active entry still present, err = %v", err)
	}

	n, err := store.CountTier(ctx, storage.TierHot)
	if err != nil {
		t.Fatalf("CountTier: %v", err)
	}
	if n != 1 {
		t.Errorf("hot count = %d, want 1", n)
	}
}

func TestCompleteSessionRejectsTrashed(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)
	ctx := context.Background()

	rec := sessionFixture("sess-trashed")
	rec.ScheduledDeletion = time.Now().UTC().Add(720 * time.Hour)
	if err := store.InsertSession(ctx, storage.TierTrash, rec); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	err := mgr.CompleteSession(ctx, sessionFixture("sess-trashed"))
	if !errors.Is(err, ErrPendingDeletion) {
		t.Fatalf("error = %v, want ErrPendingDeletion", err)
	}

	// The record must stay in trash only; a hot copy would put it in
	// two tiers and the next repair pass would resurrect it.
	if _, err := store.GetSession(ctx, storage.TierHot, "sess-trashed"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("hot read err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetSession(ctx, storage.TierTrash, "sess-trashed"); err != nil {
		t.Errorf("trash read err = %v, want record preserved", err)
	}
}

func TestCompleteSessionMovesColdCopy(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := store.InsertSession(ctx, storage.TierCold, sessionFixture("sess-redone")); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	if err := mgr.CompleteSession(ctx, sessionFixture("sess-redone")); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	coldCount, err := store.CountTier(ctx, storage.TierCold)
	if err != nil {
		t.Fatalf("CountTier(cold): %v", err)
	}
	if coldCount != 0 {
		t.Errorf("cold count = %d, want 0 after re-completion", coldCount)
	}
	hotCount, err := store.CountTier(ctx, storage.TierHot)
	if err != nil {
		t.Fatalf("CountTier(hot): %v", err)
	}
	if hotCount != 1 {
		t.Errorf("hot count = %d, want 1", hotCount)
	}

	migrations, err := mgr.SessionHistory(ctx, "sess-redone")
	if err != nil {
		t.Fatalf("SessionHistory: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("got %d migration entries, want 1", len(migrations))
	}
	m := migrations[0]
	if m.FromTier != storage.TierCold || m.ToTier != storage.TierHot || m.Reason != storage.ReasonAccess {
		t.Errorf("migration = %s -> %s (%s), want cold -> hot (access)", m.FromTier, m.ToTier, m.Reason)
	}
}

func TestGetSessionReadsActiveFirst(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	rec := sessionFixture("sess-active")
	if err := mgr.PutActive(ctx, rec); err != nil {
		t.Fatalf("PutActive: %v", err)
	}

	got, tier, err := mgr.GetSession(ctx, "sess-active")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if tier != TierActive {
		t.Errorf("tier = %q, want active", tier)
	}
	if got.Status != storage.StatusInProgress {
		t.Errorf("Status = %q, want in_progress", got.Status)
	}
}

func TestGetSessionPromotesWarmToHot(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)
	ctx := context.Background()

	rec := sessionFixture("sess-warm")
	rec.AccessCount = 2
	if err := store.InsertSession(ctx, storage.TierWarm, rec); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	got, tier, err := mgr.GetSession(ctx, "sess-warm")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if tier != string(storage.TierHot) {
		t.Errorf("tier = %q, want hot", tier)
	}
	if got.AccessCount != 3 {
		t.Errorf("AccessCount = %d, want 3", got.AccessCount)
	}
	if got.PromotedFrom != string(storage.TierWarm) {
		t.Errorf("PromotedFrom = %q, want warm", got.PromotedFrom)
	}

	warmCount, err := store.CountTier(ctx, storage.TierWarm)
	if err != nil {
		t.Fatalf("CountTier(warm): %v", err)
	}
	if warmCount != 0 {
		t.Errorf("warm count = %d, want 0 after promotion", warmCount)
	}
	hotCount, err := store.CountTier(ctx, storage.TierHot)
	if err != nil {
		t.Fatalf("CountTier(hot): %v", err)
	}
	if hotCount != 1 {
		t.Errorf("hot count = %d, want 1 after promotion", hotCount)
	}

	migrations, err := mgr.SessionHistory(ctx, "sess-warm")
	if err != nil {
		t.Fatalf("SessionHistory: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("got %d migration entries, want exactly 1", len(migrations))
	}
	m := migrations[0]
	if m.FromTier != storage.TierWarm || m.ToTier != storage.TierHot || m.Reason != storage.ReasonAccess {
		t.Errorf("migration = %s -> %s (%s), want warm -> hot (access)", m.FromTier, m.ToTier, m.Reason)
	}
}

func TestGetSessionPromotesColdToHot(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := store.InsertSession(ctx, storage.TierCold, sessionFixture("sess-cold")); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	_, tier, err := mgr.GetSession(ctx, "sess-cold")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if tier != string(storage.TierHot) {
		t.Errorf("tier = %q, want hot", tier)
	}
}

func TestHotReadTouchesWithoutMoving(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)
	ctx := context.Background()

	rec := sessionFixture("sess-hot")
	entered := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	rec.TierEnteredAt = entered
	if err := store.InsertSession(ctx, storage.TierHot, rec); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	_, tier, err := mgr.GetSession(ctx, "sess-hot")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if tier != string(storage.TierHot) {
		t.Errorf("tier = %q, want hot", tier)
	}

	stored, err := store.GetSession(ctx, storage.TierHot, "sess-hot")
	if err != nil {
		t.Fatalf("store GetSession: %v", err)
	}
	if stored.AccessCount != rec.AccessCount+1 {
		t.Errorf("AccessCount = %d, want %d", stored.AccessCount, rec.AccessCount+1)
	}
	if !stored.TierEnteredAt.Equal(entered) {
		t.Errorf("TierEnteredAt changed by hot read: %v, want %v", stored.TierEnteredAt, entered)
	}

	migrations, err := mgr.SessionHistory(ctx, "sess-hot")
	if err != nil {
		t.Fatalf("SessionHistory: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("hot read logged %d migrations, want 0", len(migrations))
	}
}

func TestTrashIsDeadEnd(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)
	ctx := context.Background()

	rec := sessionFixture("sess-trash")
	rec.AccessCount = 4
	rec.ScheduledDeletion = time.Now().UTC().Add(720 * time.Hour)
	if err := store.InsertSession(ctx, storage.TierTrash, rec); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	// Read it twice: it must stay in trash both times.
	for i := 0; i < 2; i++ {
		_, tier, err := mgr.GetSession(ctx, "sess-trash")
		if err != nil {
			t.Fatalf("GetSession %d: %v", i, err)
		}
		if tier != string(storage.TierTrash) {
			t.Errorf("read %d: tier = %q, want trash", i, tier)
		}
	}

	stored, err := store.GetSession(ctx, storage.TierTrash, "sess-trash")
	if err != nil {
		t.Fatalf("store GetSession: %v", err)
	}
	if stored.AccessCount != 6 {
		t.Errorf("AccessCount = %d, want 6 after two reads", stored.AccessCount)
	}

	hotCount, err := store.CountTier(ctx, storage.TierHot)
	if err != nil {
		t.Fatalf("CountTier: %v", err)
	}
	if hotCount != 0 {
		t.Errorf("hot count = %d, trash reads must never promote", hotCount)
	}
}

func TestGetSessionMiss(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	_, _, err := mgr.GetSession(context.Background(), "never-existed")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestGetSessionIgnoresMalformedActivePayload(t *testing.T) {
	mgr, store, cache, _ := newTestManager(t)
	ctx := context.Background()

	// A corrupted active entry must not crash the read; the walk
	// continues into the durable tiers.
	if err := cache.PutActive(ctx, "sess-corrupt", []byte("{not json")); err != nil {
		t.Fatalf("PutActive: %v", err)
	}
	if err := store.InsertSession(ctx, storage.TierHot, sessionFixture("sess-corrupt")); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	_, tier, err := mgr.GetSession(ctx, "sess-corrupt")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if tier != string(storage.TierHot) {
		t.Errorf("tier = %q, want hot fallback", tier)
	}
}

func TestStats(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := mgr.PutActive(ctx, sessionFixture("sess-a")); err != nil {
		t.Fatalf("PutActive: %v", err)
	}
	if err := store.InsertSession(ctx, storage.TierHot, sessionFixture("sess-b")); err != nil {
		t.Fatalf("InsertSession hot: %v", err)
	}
	if err := store.InsertSession(ctx, storage.TierWarm, sessionFixture("sess-c")); err != nil {
		t.Fatalf("InsertSession warm: %v", err)
	}

	// Promote sess-c so the migration counter has an entry.
	if _, _, err := mgr.GetSession(ctx, "sess-c"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	stats, err := mgr.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ActiveCount != 1 {
		t.Errorf("ActiveCount = %d, want 1", stats.ActiveCount)
	}
	if stats.TierCounts["hot"] != 2 {
		t.Errorf("hot count = %d, want 2", stats.TierCounts["hot"])
	}
	if stats.TierCounts["warm"] != 0 {
		t.Errorf("warm count = %d, want 0", stats.TierCounts["warm"])
	}
	if stats.RecentMigrations[storage.ReasonAccess] != 1 {
		t.Errorf("recent access migrations = %d, want 1", stats.RecentMigrations[storage.ReasonAccess])
	}
}

func TestContentCacheRoundTripWithAudit(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	url := "https://arxiv.org/abs/2401.00001"
	body := []byte("<html>paper body</html>")

	if err := mgr.SetCachedContent(ctx, url, body); err != nil {
		t.Fatalf("SetCachedContent: %v", err)
	}

	got, err := mgr.GetCachedContent(ctx, url)
	if err != nil {
		t.Fatalf("GetCachedContent: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("content = %q, want %q", got, body)
	}

	audit, err := mgr.ProcessedURL(ctx, url)
	if err != nil {
		t.Fatalf("ProcessedURL: %v", err)
	}
	if audit.SuccessCount != 1 || audit.ContentLength != len(body) {
		t.Errorf("audit = success %d / length %d, want 1 / %d",
			audit.SuccessCount, audit.ContentLength, len(body))
	}
	if audit.Domain != "arxiv.org" {
		t.Errorf("Domain = %q, want arxiv.org", audit.Domain)
	}
}

func TestRecordFetchFailure(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	url := "https://example.org/flaky"
	if err := mgr.RecordFetchFailure(ctx, url, "connection reset"); err != nil {
		t.Fatalf("RecordFetchFailure: %v", err)
	}

	audit, err := mgr.ProcessedURL(ctx, url)
	if err != nil {
		t.Fatalf("ProcessedURL: %v", err)
	}
	if audit.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", audit.FailureCount)
	}
	if audit.LastError != "connection reset" {
		t.Errorf("LastError = %q, want connection reset", audit.LastError)
	}
}

func TestBatchContentLookupCoversEveryInput(t *testing.T) {
	mgr, _, _, mr := newTestManager(t)
	ctx := context.Background()

	cached := "https://example.org/cached"
	expired := "https://example.org/expired"
	missing := "https://example.org/missing"

	if err := mgr.SetCachedContent(ctx, expired, []byte("old")); err != nil {
		t.Fatalf("SetCachedContent expired: %v", err)
	}
	mr.FastForward(25 * time.Hour)
	if err := mgr.SetCachedContent(ctx, cached, []byte("fresh")); err != nil {
		t.Fatalf("SetCachedContent cached: %v", err)
	}

	urls := []string{cached, expired, missing}
	got, err := mgr.GetCachedContentBatch(ctx, urls)
	if err != nil {
		t.Fatalf("GetCachedContentBatch: %v", err)
	}
	if len(got) != len(urls) {
		t.Fatalf("result length = %d, want %d (one entry per input)", len(got), len(urls))
	}
	if string(got[cached]) != "fresh" {
		t.Errorf("cached = %q, want fresh", got[cached])
	}
	if got[expired] != nil {
		t.Errorf("expired = %q, want nil miss", got[expired])
	}
	if got[missing] != nil {
		t.Errorf("missing = %q, want nil miss", got[missing])
	}
}
