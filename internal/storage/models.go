package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
// Callers cannot distinguish "never existed" from "already purged".
var ErrNotFound = errors.New("not found")

// Tier identifies one durable storage bucket, ordered by decreasing
// access frequency.
type Tier string

const (
	TierHot   Tier = "hot"
	TierWarm  Tier = "warm"
	TierCold  Tier = "cold"
	TierTrash Tier = "trash"
)

// Tiers lists all durable tiers in walk order (fastest first).
var Tiers = []Tier{TierHot, TierWarm, TierCold, TierTrash}

// Next returns the tier a record ages into, or false for the last one.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierHot:
		return TierWarm, true
	case TierWarm:
		return TierCold, true
	case TierCold:
		return TierTrash, true
	default:
		return "", false
	}
}

func (t Tier) table() string {
	return "sessions_" + string(t)
}

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierCold, TierTrash:
		return true
	}
	return false
}

// Session statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusPaused     = "paused"
)

// SessionRecord is one research session's persisted state. Payload is
// an opaque serialized blob; the tier store never interprets it.
type SessionRecord struct {
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id,omitempty"`
	Query         string          `json:"query"`
	Status        string          `json:"status"`
	ResearchType  string          `json:"research_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAccessed  time.Time       `json:"last_accessed"`
	AccessCount   int             `json:"access_count"`
	PromotedFrom  string          `json:"promoted_from,omitempty"` // empty unless the record was access-promoted
	TierEnteredAt time.Time       `json:"tier_entered_at"`

	// ScheduledDeletion is set only for records in the trash tier.
	ScheduledDeletion time.Time `json:"scheduled_deletion,omitzero"`
}

// Migration reasons.
const (
	ReasonAge     = "age"
	ReasonAccess  = "access"
	ReasonCleanup = "cleanup"
)

// MigrationRecord is one append-only audit entry for a tier transition.
type MigrationRecord struct {
	ID                     int64     `json:"id"`
	SessionID              string    `json:"session_id"`
	FromTier               Tier      `json:"from_tier"`
	ToTier                 Tier      `json:"to_tier"`
	Reason                 string    `json:"reason"`
	MigrationTime          time.Time `json:"migration_time"`
	AccessCountAtMigration int       `json:"access_count_at_migration"`
}

// ProcessedURL tracks fetch quality for one normalized URL. The cached
// content itself lives in the ephemeral store; this row is the durable
// audit index.
type ProcessedURL struct {
	URLHash          string    `json:"url_hash"`
	URL              string    `json:"url"`
	Domain           string    `json:"domain"`
	FirstProcessedAt time.Time `json:"first_processed_at"`
	LastProcessedAt  time.Time `json:"last_processed_at"`
	ProcessCount     int       `json:"process_count"`
	ContentHash      string    `json:"content_hash,omitempty"`
	ContentLength    int       `json:"content_length"`
	SuccessCount     int       `json:"success_count"`
	FailureCount     int       `json:"failure_count"`
	LastSuccessAt    time.Time `json:"last_success_at,omitzero"`
	LastFailureAt    time.Time `json:"last_failure_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitzero"`
}
