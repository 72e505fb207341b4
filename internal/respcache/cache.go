// Package respcache memoizes generated answers keyed by normalized query
// content, with an approximate-match path for near-duplicate queries.
package respcache

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/logger"
	"github.com/hpungsan/consult/internal/metrics"
	"github.com/hpungsan/consult/internal/text"
)

const logModule = "respcache"

// Options configures a Cache. Zero values take the defaults.
type Options struct {
	Capacity            int
	TTL                 time.Duration
	SimilarityThreshold float64
	CandidateLimit      int

	Lexicon *text.Lexicon
	Now     func() time.Time
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 1000
	}
	if o.TTL <= 0 {
		o.TTL = 30 * 24 * time.Hour
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = 0.85
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = 50
	}
	if o.Lexicon == nil {
		o.Lexicon = text.DefaultLexicon()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// Hit is a cache lookup result.
type Hit struct {
	Key        string   `json:"key"`
	Payload    string   `json:"payload"`
	AuxRefs    []string `json:"aux_refs,omitempty"`
	Similarity float64  `json:"similarity"`
	Score      float64  `json:"score"`
	Exact      bool     `json:"exact"`
}

// Stats are the running counters plus on-demand size figures.
type Stats struct {
	TotalQueries   int64   `json:"total_queries"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	Size           int     `json:"size"`
	FootprintBytes int64   `json:"footprint_bytes"`
}

// Cache is safe for concurrent use. Counters are process-local; entries
// live in the store.
type Cache struct {
	store Store
	opts  Options
	log   logger.Logger

	totalQueries atomic.Int64
	hits         atomic.Int64
	misses       atomic.Int64
}

// New creates a Cache over store.
func New(store Store, opts Options) *Cache {
	opts.applyDefaults()
	return &Cache{store: store, opts: opts, log: opts.Logger}
}

// Get looks up query for doctorID and stageContext. The exact path matches
// the fingerprint; on a miss the approximate path compares the query with
// the doctor's most used entries and accepts the best one whose raw
// similarity reaches the threshold. Either hit counts as an access.
func (c *Cache) Get(ctx context.Context, query, doctorID, stageContext string) (Hit, bool, error) {
	c.totalQueries.Add(1)
	tokens := c.opts.Lexicon.Normalize(query)
	key := Key(tokens, doctorID, stageContext)

	entry, err := c.store.GetCacheEntry(ctx, key)
	switch {
	case err == nil:
		if err := c.store.TouchCacheEntry(ctx, key, c.opts.Now().UTC()); err != nil {
			return Hit{}, false, err
		}
		c.recordHit("exact")
		return Hit{
			Key:        key,
			Payload:    entry.Payload,
			AuxRefs:    entry.AuxRefs,
			Similarity: 1.0,
			Score:      1.0,
			Exact:      true,
		}, true, nil
	case !errors.Is(err, errors.ErrNotFound):
		return Hit{}, false, err
	}

	if len(tokens) == 0 {
		c.recordMiss()
		return Hit{}, false, nil
	}

	candidates, err := c.store.CacheCandidates(ctx, doctorID, c.opts.CandidateLimit)
	if err != nil {
		return Hit{}, false, err
	}

	best, ok := c.bestCandidate(tokens, stageContext, candidates)
	if !ok {
		c.recordMiss()
		return Hit{}, false, nil
	}

	if err := c.store.TouchCacheEntry(ctx, best.Key, c.opts.Now().UTC()); err != nil {
		return Hit{}, false, err
	}
	c.recordHit("approximate")
	c.log.Debug(logModule, "approximate hit", map[string]any{
		"doctor_id":  doctorID,
		"similarity": best.Similarity,
		"score":      best.Score,
	})
	return best, true, nil
}

// bestCandidate ranks candidates by similarity plus usage bonuses and
// returns the top one if its raw similarity meets the threshold. On equal
// scores an entry stored for stageContext wins.
func (c *Cache) bestCandidate(tokens []string, stageContext string, candidates []Entry) (Hit, bool) {
	if len(candidates) == 0 {
		return Hit{}, false
	}
	docs := make([][]string, len(candidates))
	for i, e := range candidates {
		docs[i] = e.Tokens
	}
	sims := tfidfCosine(tokens, docs)

	bestIdx, bestScore := -1, math.Inf(-1)
	for i, e := range candidates {
		score := sims[i] + bonus(e)
		switch {
		case score > bestScore:
			bestIdx, bestScore = i, score
		case score == bestScore && e.StageContext == stageContext && candidates[bestIdx].StageContext != stageContext:
			bestIdx = i
		}
	}

	sim := math.Min(sims[bestIdx], 1.0)
	if sim < c.opts.SimilarityThreshold {
		return Hit{}, false
	}
	e := candidates[bestIdx]
	return Hit{
		Key:        e.Key,
		Payload:    e.Payload,
		AuxRefs:    e.AuxRefs,
		Similarity: sim,
		Score:      bestScore,
	}, true
}

// bonus favors proven entries: 0.01 per access up to 0.05, plus 0.01 per
// rating point.
func bonus(e Entry) float64 {
	b := math.Min(0.01*float64(e.AccessCount), 0.05)
	if e.Rating != nil {
		b += 0.01 * *e.Rating
	}
	return b
}

// Put stores payload for query and runs maintenance. Returns the entry key.
func (c *Cache) Put(ctx context.Context, query, doctorID, payload string, auxRefs []string, stageContext string, rating *float64) (string, error) {
	if rating != nil && (*rating < 0 || *rating > 5) {
		return "", errors.NewInvalidRequest("rating must be between 0 and 5")
	}
	if payload == "" {
		return "", errors.NewInvalidRequest("payload is required")
	}

	tokens := c.opts.Lexicon.Normalize(query)
	now := c.opts.Now().UTC()
	e := &Entry{
		Key:            Key(tokens, doctorID, stageContext),
		DoctorID:       doctorID,
		StageContext:   stageContext,
		Tokens:         tokens,
		Payload:        payload,
		AuxRefs:        append([]string(nil), auxRefs...),
		CreatedAt:      now,
		LastAccessedAt: now,
		Rating:         rating,
	}
	if err := c.store.UpsertCacheEntry(ctx, e); err != nil {
		return "", err
	}

	if err := c.maintain(ctx, now); err != nil {
		// The entry is stored; maintenance runs again on the next put.
		c.log.Warn(logModule, "maintenance failed", map[string]any{"error": err.Error()})
	}
	return e.Key, nil
}

// maintain enforces capacity and TTL. Over capacity it removes the larger
// of the overflow and 20% of entries from the least used tail.
func (c *Cache) maintain(ctx context.Context, now time.Time) error {
	expired, err := c.store.ExpireCacheEntries(ctx, now.Add(-c.opts.TTL))
	if err != nil {
		return err
	}

	count, err := c.store.CountCacheEntries(ctx)
	if err != nil {
		return err
	}

	evicted := 0
	if count > c.opts.Capacity {
		n := int(math.Ceil(0.2 * float64(count)))
		if overflow := count - c.opts.Capacity; overflow > n {
			n = overflow
		}
		evicted, err = c.store.EvictCacheEntries(ctx, n)
		if err != nil {
			return err
		}
	}

	if removed := expired + evicted; removed > 0 {
		c.opts.Metrics.RecordCacheEvictions(removed)
		c.log.Info(logModule, "cache maintenance", map[string]any{
			"expired":  expired,
			"evicted":  evicted,
			"capacity": c.opts.Capacity,
		})
	}
	return nil
}

// Stats returns the counters and current size.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	size, err := c.store.CountCacheEntries(ctx)
	if err != nil {
		return Stats{}, err
	}
	footprint, err := c.store.CacheFootprint(ctx)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		TotalQueries:   c.totalQueries.Load(),
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Size:           size,
		FootprintBytes: footprint,
	}
	if s.TotalQueries > 0 {
		s.HitRate = float64(s.Hits) / float64(s.TotalQueries)
	}
	return s, nil
}

func (c *Cache) recordHit(kind string) {
	c.hits.Add(1)
	c.opts.Metrics.RecordCacheLookup(kind)
}

func (c *Cache) recordMiss() {
	c.misses.Add(1)
	c.opts.Metrics.RecordCacheLookup("")
}
