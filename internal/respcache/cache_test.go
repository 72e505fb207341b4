package respcache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/consult/internal/db"
	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/metrics"
	"github.com/hpungsan/consult/internal/respcache"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCache(t *testing.T, opts respcache.Options) (*respcache.Cache, *db.Store, *clock) {
	t.Helper()
	sqlDB, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store := db.NewStore(sqlDB)
	clk := &clock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clk.Now
	}
	return respcache.New(store, opts), store, clk
}

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCache(t, respcache.Options{})

	key, err := c.Put(ctx, "I have a cough and a fever", "dr-a", "Rest and drink warm water.", []string{"ref-9"}, "INQUIRY", nil)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	hit, ok, err := c.Get(ctx, "I have a cough and a fever", "dr-a", "INQUIRY")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, hit.Exact)
	assert.Equal(t, key, hit.Key)
	assert.Equal(t, 1.0, hit.Similarity)
	assert.Equal(t, "Rest and drink warm water.", hit.Payload)
	assert.Equal(t, []string{"ref-9"}, hit.AuxRefs)
}

func TestCache_SynonymPhrasingIsSameEntry(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCache(t, respcache.Options{})

	_, err := c.Put(ctx, "cough and sore throat and fever", "dr-a", "P", nil, "", nil)
	require.NoError(t, err)

	hit, ok, err := c.Get(ctx, "coughing, sore throat, feverish", "dr-a", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "P", hit.Payload)
	assert.GreaterOrEqual(t, hit.Similarity, 0.85)
}

func TestCache_ApproximateHit(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newCache(t, respcache.Options{})

	key, err := c.Put(ctx, "cough, sore throat, fever, headache, chills, fatigue, nausea, dizziness", "dr-a", "P", nil, "INQUIRY", nil)
	require.NoError(t, err)

	hit, ok, err := c.Get(ctx, "coughing with sore throat, feverish, headaches, chills, tiredness and nausea", "dr-a", "INQUIRY")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, hit.Exact)
	assert.Equal(t, key, hit.Key)
	assert.Equal(t, "P", hit.Payload)
	assert.GreaterOrEqual(t, hit.Similarity, 0.85)
	assert.Less(t, hit.Similarity, 1.0)
	assert.GreaterOrEqual(t, hit.Score, hit.Similarity)

	e, err := store.GetCacheEntry(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, e.AccessCount)
}

func TestCache_Miss(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCache(t, respcache.Options{})

	_, err := c.Put(ctx, "cough and fever", "dr-a", "P", nil, "", nil)
	require.NoError(t, err)

	tests := []struct {
		name, query, doctor string
	}{
		{"no shared tokens", "itchy rash on my elbows", "dr-a"},
		{"other doctor", "cough and fever", "dr-b"},
		{"only stopwords", "and the of", "dr-a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := c.Get(ctx, tt.query, tt.doctor, "")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCache_EvictsLeastUsedTail(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	c, store, _ := newCache(t, respcache.Options{Capacity: 5, Metrics: m})

	queries := []string{
		"cough", "fever", "headache", "nausea", "fatigue",
		"dizziness", "insomnia", "rash",
	}
	_, err := c.Put(ctx, queries[0], "dr-a", "p0", nil, "", nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, ok, err := c.Get(ctx, queries[0], "dr-a", "")
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i, q := range queries[1:] {
		_, err := c.Put(ctx, q, "dr-a", fmt.Sprintf("p%d", i+1), nil, "", nil)
		require.NoError(t, err)
	}

	count, err := store.CountCacheEntries(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, 5)

	// The twice-used entry survives; the oldest untouched ones go first.
	_, ok, err := c.Get(ctx, queries[0], "dr-a", "")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = c.Get(ctx, queries[1], "dr-a", "")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Get(ctx, queries[len(queries)-1], "dr-a", "")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, float64(8-count), testutil.ToFloat64(m.CacheEvictions))
}

func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newCache(t, respcache.Options{TTL: 24 * time.Hour})

	_, err := c.Put(ctx, "cough", "dr-a", "old", nil, "", nil)
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	_, err = c.Put(ctx, "fever", "dr-a", "new", nil, "", nil)
	require.NoError(t, err)

	_, ok, err := c.Get(ctx, "cough", "dr-a", "")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Get(ctx, "fever", "dr-a", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_RatingBreaksTies(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCache(t, respcache.Options{})

	low, high := 1.0, 5.0
	_, err := c.Put(ctx, "cough fever headache chills fatigue nausea dizziness", "dr-a", "low", nil, "a", &low)
	require.NoError(t, err)
	_, err = c.Put(ctx, "cough fever headache chills fatigue nausea dizziness", "dr-a", "high", nil, "b", &high)
	require.NoError(t, err)

	hit, ok, err := c.Get(ctx, "cough fever headache chills fatigue nausea", "dr-a", "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "high", hit.Payload)
}

func TestCache_StageBreaksTies(t *testing.T) {
	for _, stage := range []string{"DIAGNOSIS", "PRESCRIPTION"} {
		t.Run(stage, func(t *testing.T) {
			ctx := context.Background()
			c, _, _ := newCache(t, respcache.Options{})

			_, err := c.Put(ctx, "cough fever headache chills fatigue nausea dizziness", "dr-a", "DIAGNOSIS", nil, "DIAGNOSIS", nil)
			require.NoError(t, err)
			_, err = c.Put(ctx, "cough fever headache chills fatigue nausea dizziness", "dr-a", "PRESCRIPTION", nil, "PRESCRIPTION", nil)
			require.NoError(t, err)

			hit, ok, err := c.Get(ctx, "cough fever headache chills fatigue nausea", "dr-a", stage)
			require.NoError(t, err)
			require.True(t, ok)
			assert.False(t, hit.Exact)
			assert.Equal(t, stage, hit.Payload)
		})
	}
}

func TestCache_PutValidation(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCache(t, respcache.Options{})

	bad := 6.0
	_, err := c.Put(ctx, "cough", "dr-a", "p", nil, "", &bad)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = c.Put(ctx, "cough", "dr-a", "", nil, "", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCache_Stats(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	c, _, _ := newCache(t, respcache.Options{Metrics: m})

	_, err := c.Put(ctx, "cough and fever", "dr-a", "payload", nil, "", nil)
	require.NoError(t, err)
	_, _, err = c.Get(ctx, "cough and fever", "dr-a", "")
	require.NoError(t, err)
	_, _, err = c.Get(ctx, "itchy rash", "dr-a", "")
	require.NoError(t, err)

	s, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.TotalQueries)
	assert.EqualValues(t, 1, s.Hits)
	assert.EqualValues(t, 1, s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
	assert.Equal(t, 1, s.Size)
	assert.Positive(t, s.FootprintBytes)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheQueries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses))
}
