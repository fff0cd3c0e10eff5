package fastcache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), Options{
		Addr:       mr.Addr(),
		SessionTTL: 30 * time.Minute,
		ContentTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestNewFailsFastWhenUnreachable(t *testing.T) {
	_, err := New(context.Background(), Options{Addr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("New against a dead address should fail")
	}
}

func TestActiveSessionRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	data := []byte(`{"status":"in_progress"}`)
	if err := c.PutActive(ctx, "sess-1", data); err != nil {
		t.Fatalf("PutActive: %v", err)
	}

	got, err := c.GetActive(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("GetActive = %q, want %q", got, data)
	}

	ids, err := c.ActiveSessionIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveSessionIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess-1" {
		t.Errorf("ActiveSessionIDs = %v, want [sess-1]", ids)
	}

	if err := c.RemoveActive(ctx, "sess-1"); err != nil {
		t.Fatalf("RemoveActive: %v", err)
	}
	if _, err := c.GetActive(ctx, "sess-1"); err != ErrMiss {
		t.Errorf("after remove, err = %v, want ErrMiss", err)
	}
	n, err := c.ActiveCount(ctx)
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if n != 0 {
		t.Errorf("ActiveCount = %d, want 0", n)
	}
}

func TestActiveSessionExpires(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	if err := c.PutActive(ctx, "sess-ttl", []byte("x")); err != nil {
		t.Fatalf("PutActive: %v", err)
	}

	mr.FastForward(31 * time.Minute)

	if _, err := c.GetActive(ctx, "sess-ttl"); err != ErrMiss {
		t.Errorf("after TTL, err = %v, want ErrMiss", err)
	}
}

func TestReconcileActiveSetDropsDanglingRefs(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	if err := c.PutActive(ctx, "sess-live", []byte("a")); err != nil {
		t.Fatalf("PutActive live: %v", err)
	}
	if err := c.PutActive(ctx, "sess-dead", []byte("b")); err != nil {
		t.Fatalf("PutActive dead: %v", err)
	}

	// Expire one key directly, leaving its set membership dangling.
	mr.Del(activeSessionPrefix + "sess-dead")

	removed, err := c.ReconcileActiveSet(ctx)
	if err != nil {
		t.Fatalf("ReconcileActiveSet: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	ids, err := c.ActiveSessionIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveSessionIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess-live" {
		t.Errorf("ActiveSessionIDs = %v, want [sess-live]", ids)
	}

	// Idempotent when nothing dangles.
	removed, err = c.ReconcileActiveSet(ctx)
	if err != nil {
		t.Fatalf("ReconcileActiveSet (second): %v", err)
	}
	if removed != 0 {
		t.Errorf("second reconcile removed = %d, want 0", removed)
	}
}

func TestContentRoundTripAndOverwrite(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	h := HashURL("https://Example.org/paper/")
	if err := c.SetContent(ctx, h, []byte("v1")); err != nil {
		t.Fatalf("SetContent: %v", err)
	}
	if err := c.SetContent(ctx, h, []byte("v2")); err != nil {
		t.Fatalf("SetContent (overwrite): %v", err)
	}

	got, err := c.GetContent(ctx, h)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("GetContent = %q, want v2", got)
	}
}

func TestGetManyContentMixedHitsAndMisses(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	cached := HashURL("https://example.org/a")
	expired := HashURL("https://example.org/b")
	missing := HashURL("https://example.org/c")

	if err := c.SetContent(ctx, cached, []byte("body-a")); err != nil {
		t.Fatalf("SetContent cached: %v", err)
	}
	if err := c.SetContent(ctx, expired, []byte("body-b")); err != nil {
		t.Fatalf("SetContent expired: %v", err)
	}
	mr.FastForward(25 * time.Hour)
	if err := c.SetContent(ctx, cached, []byte("body-a")); err != nil {
		t.Fatalf("SetContent re-cache: %v", err)
	}

	got, err := c.GetManyContent(ctx, []string{cached, expired, missing})
	if err != nil {
		t.Fatalf("GetManyContent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("result length = %d, want 3 (one entry per input)", len(got))
	}
	if string(got[cached]) != "body-a" {
		t.Errorf("cached entry = %q, want body-a", got[cached])
	}
	if got[expired] != nil {
		t.Errorf("expired entry = %q, want nil miss", got[expired])
	}
	if got[missing] != nil {
		t.Errorf("missing entry = %q, want nil miss", got[missing])
	}
}

func TestGetManyContentEmptyInput(t *testing.T) {
	c, _ := newTestClient(t)

	got, err := c.GetManyContent(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetManyContent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("result length = %d, want 0", len(got))
	}
}

func TestHashURLNormalizes(t *testing.T) {
	a := HashURL("https://Example.org/Paper/")
	b := HashURL("https://example.org/Paper#section-2")
	if a != b {
		t.Errorf("equivalent URLs hash differently: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}

	c := HashURL("https://example.org/other")
	if a == c {
		t.Error("different URLs should hash differently")
	}
}
