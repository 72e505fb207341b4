package ops

import (
	"context"
	"strings"
	"time"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/respcache"
)

// CacheLookupInput contains parameters for CacheLookup.
type CacheLookupInput struct {
	Query        string // required
	DoctorID     string // required
	StageContext string // optional
}

// CacheLookupOutput reports a lookup. Hit is nil on a miss.
type CacheLookupOutput struct {
	Found bool           `json:"found"`
	Hit   *respcache.Hit `json:"hit,omitempty"`
}

// CacheLookup finds a cached answer for the query, exact or approximate.
func (c *Core) CacheLookup(ctx context.Context, input CacheLookupInput) (out *CacheLookupOutput, err error) {
	defer c.observe("cache_lookup", time.Now(), &err)

	if strings.TrimSpace(input.Query) == "" {
		return nil, errors.NewInvalidRequest("query is required")
	}
	doctorID, err := requireID("doctor_id", input.DoctorID)
	if err != nil {
		return nil, err
	}

	hit, ok, err := c.Cache.Get(ctx, input.Query, doctorID, strings.TrimSpace(input.StageContext))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &CacheLookupOutput{}, nil
	}
	return &CacheLookupOutput{Found: true, Hit: &hit}, nil
}

// CacheStoreInput contains parameters for CacheStore.
type CacheStoreInput struct {
	Query        string   // required
	DoctorID     string   // required
	Payload      string   // required
	AuxRefs      []string // optional
	StageContext string   // optional
	Rating       *float64 // optional, 0..5
}

// CacheStoreOutput is the key the answer was stored under.
type CacheStoreOutput struct {
	Key string `json:"key"`
}

// CacheStore stores a generated answer.
func (c *Core) CacheStore(ctx context.Context, input CacheStoreInput) (out *CacheStoreOutput, err error) {
	defer c.observe("cache_store", time.Now(), &err)

	if strings.TrimSpace(input.Query) == "" {
		return nil, errors.NewInvalidRequest("query is required")
	}
	doctorID, err := requireID("doctor_id", input.DoctorID)
	if err != nil {
		return nil, err
	}

	key, err := c.Cache.Put(ctx, input.Query, doctorID, input.Payload, input.AuxRefs,
		strings.TrimSpace(input.StageContext), input.Rating)
	if err != nil {
		return nil, err
	}
	return &CacheStoreOutput{Key: key}, nil
}

// CacheStats returns the cache counters and size.
func (c *Core) CacheStats(ctx context.Context) (out *respcache.Stats, err error) {
	defer c.observe("cache_stats", time.Now(), &err)

	s, err := c.Cache.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
