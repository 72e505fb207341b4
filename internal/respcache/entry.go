package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Entry is one cached generated answer.
type Entry struct {
	Key            string    `json:"key"`
	DoctorID       string    `json:"doctor_id"`
	StageContext   string    `json:"stage_context"`
	Tokens         []string  `json:"tokens"`
	Payload        string    `json:"payload"`
	AuxRefs        []string  `json:"aux_refs,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
	Rating         *float64  `json:"rating,omitempty"`
}

// Store is the durable home of cache entries.
type Store interface {
	GetCacheEntry(ctx context.Context, key string) (*Entry, error)
	// TouchCacheEntry increments access_count and sets last_accessed_at.
	TouchCacheEntry(ctx context.Context, key string, at time.Time) error
	// CacheCandidates returns up to limit entries for doctorID ordered by
	// access_count then rating, both descending.
	CacheCandidates(ctx context.Context, doctorID string, limit int) ([]Entry, error)
	// UpsertCacheEntry inserts e or replaces the payload of the entry with
	// the same key, keeping its access history.
	UpsertCacheEntry(ctx context.Context, e *Entry) error
	CountCacheEntries(ctx context.Context) (int, error)
	// EvictCacheEntries deletes the n entries with the lowest access_count,
	// oldest last_accessed_at first.
	EvictCacheEntries(ctx context.Context, n int) (int, error)
	ExpireCacheEntries(ctx context.Context, createdBefore time.Time) (int, error)
	CacheFootprint(ctx context.Context) (int64, error)
}

// Key fingerprints canonical tokens plus scope. tokens must already be
// sorted (text.Normalize output is).
func Key(tokens []string, doctorID, stageContext string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(tokens, " ")))
	h.Write([]byte{0})
	h.Write([]byte(doctorID))
	h.Write([]byte{0})
	h.Write([]byte(stageContext))
	return hex.EncodeToString(h.Sum(nil))
}
