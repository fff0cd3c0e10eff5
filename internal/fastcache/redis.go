// Package fastcache is the ephemeral tier: a Redis-backed TTL store
// holding in-flight session state and a short-lived content cache.
package fastcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent or expired. Callers treat
// it as "go fetch", never as a failure.
var ErrMiss = errors.New("cache miss")

// Key namespaces. The active-set key tracks live session ids so the
// scheduler can reconcile after TTL expiry.
const (
	activeSessionPrefix = "active-session:"
	contentPrefix       = "content:"
	activeSetKey        = "active-sessions"
)

// Client wraps a Redis connection with the tiermem key namespaces.
type Client struct {
	rdb        *redis.Client
	sessionTTL time.Duration
	contentTTL time.Duration
}

// Options configures the ephemeral store connection.
type Options struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
	ContentTTL time.Duration
}

// New connects to Redis and pings it. An unreachable store is fatal at
// startup; the service must not silently degrade.
func New(ctx context.Context, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", opts.Addr, err)
	}
	return &Client{
		rdb:        rdb,
		sessionTTL: opts.SessionTTL,
		contentTTL: opts.ContentTTL,
	}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// PutActive inserts or overwrites an active-session entry and resets
// its TTL, and registers the id in the active set.
func (c *Client) PutActive(ctx context.Context, sessionID string, data []byte) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, activeSessionPrefix+sessionID, data, c.sessionTTL)
	pipe.SAdd(ctx, activeSetKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("putting active session %s: %w", sessionID, err)
	}
	return nil
}

// GetActive reads an active-session entry.
func (c *Client) GetActive(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, activeSessionPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("getting active session %s: %w", sessionID, err)
	}
	return data, nil
}

// RemoveActive deletes an active-session entry and its set membership.
func (c *Client) RemoveActive(ctx context.Context, sessionID string) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, activeSessionPrefix+sessionID)
	pipe.SRem(ctx, activeSetKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing active session %s: %w", sessionID, err)
	}
	return nil
}

// ActiveSessionIDs returns the ids currently registered in the active
// set. Entries may be stale if the underlying key expired; see
// ReconcileActiveSet.
func (c *Client) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	return ids, nil
}

// ActiveCount returns the size of the active set.
func (c *Client) ActiveCount(ctx context.Context) (int, error) {
	n, err := c.rdb.SCard(ctx, activeSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return int(n), nil
}

// ReconcileActiveSet drops set members whose session key has expired,
// returning how many dangling references were removed.
func (c *Client) ReconcileActiveSet(ctx context.Context) (int, error) {
	ids, err := c.ActiveSessionIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := c.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, activeSessionPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("checking active session keys: %w", err)
	}

	var dangling []any
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			dangling = append(dangling, ids[i])
		}
	}
	if len(dangling) == 0 {
		return 0, nil
	}
	if err := c.rdb.SRem(ctx, activeSetKey, dangling...).Err(); err != nil {
		return 0, fmt.Errorf("removing dangling session refs: %w", err)
	}
	return len(dangling), nil
}

// SetContent caches fetched content under the URL hash, overwriting
// any previous snapshot and resetting the TTL.
func (c *Client) SetContent(ctx context.Context, urlHash string, content []byte) error {
	if err := c.rdb.Set(ctx, contentPrefix+urlHash, content, c.contentTTL).Err(); err != nil {
		return fmt.Errorf("caching content %s: %w", urlHash, err)
	}
	return nil
}

// GetContent reads cached content by URL hash.
func (c *Client) GetContent(ctx context.Context, urlHash string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, contentPrefix+urlHash).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("getting content %s: %w", urlHash, err)
	}
	return data, nil
}

// GetManyContent fetches several hashes in one round trip. The result
// has an entry for every requested hash; a nil value is a miss.
func (c *Client) GetManyContent(ctx context.Context, urlHashes []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(urlHashes))
	if len(urlHashes) == 0 {
		return result, nil
	}

	keys := make([]string, len(urlHashes))
	for i, h := range urlHashes {
		keys[i] = contentPrefix + h
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("batch content lookup: %w", err)
	}
	for i, v := range vals {
		switch s := v.(type) {
		case string:
			result[urlHashes[i]] = []byte(s)
		default:
			result[urlHashes[i]] = nil
		}
	}
	return result, nil
}

// ContentTTL reports the configured content expiry window.
func (c *Client) ContentTTL() time.Duration {
	return c.contentTTL
}

// HashURL normalizes a URL (lowercased scheme and host, fragment and
// trailing slash stripped) and returns the first 16 hex chars of its
// SHA-256, the key format the content namespace uses.
func HashURL(raw string) string {
	normalized := NormalizeURL(raw)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// NormalizeURL canonicalizes a URL for cache keying.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// Domain extracts the lowercased host for the audit index.
func Domain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
