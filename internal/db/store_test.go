package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/consult/internal/conversation"
	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/pattern"
	"github.com/hpungsan/consult/internal/respcache"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newState(id string) *conversation.State {
	return &conversation.State{
		ID:           id,
		UserID:       "u1",
		DoctorID:     "dr-a",
		Stage:        conversation.StageInquiry,
		StartTime:    t0,
		LastActivity: t0,
		Symptoms:     []string{},
		Active:       true,
		History: []conversation.Transition{{
			To:         conversation.StageInquiry,
			Reason:     "conversation started",
			Confidence: 1,
			At:         t0,
		}},
	}
}

func TestConversation_CreateLoadSave(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := newState("c1")
	require.NoError(t, s.CreateConversation(ctx, st))

	err := s.CreateConversation(ctx, newState("c1"))
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists), "err = %v", err)

	got, err := s.LoadConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StageInquiry, got.Stage)
	assert.True(t, got.Active)
	assert.Equal(t, t0, got.StartTime)
	require.Len(t, got.History, 1)
	assert.Nil(t, got.History[0].From)

	// Move to DETAILED_INQUIRY and end.
	from := conversation.StageInquiry
	tr := conversation.Transition{From: &from, To: conversation.StageDetailedInquiry, Reason: "symptoms", Confidence: 0.8, Turn: 1, At: t0.Add(time.Minute)}
	got.Stage = conversation.StageDetailedInquiry
	got.TurnCount = 1
	got.Symptoms = []string{"cough", "fever"}
	got.HasPendingResult = true
	got.DiagnosisConfidence = 0.4
	got.LastActivity = t0.Add(time.Minute)
	got.History = append(got.History, tr)
	require.NoError(t, s.SaveConversation(ctx, got, []conversation.Transition{tr}, nil))

	et := conversation.EndManual
	got.Active = false
	got.EndType = &et
	satisfaction := 4
	sum := &conversation.Summary{
		ID: "s1", ConversationID: "c1", EndType: et, Reason: "done", Satisfaction: &satisfaction,
		DurationSeconds: 60, TotalTurns: 1, FinalStage: conversation.StageCompleted,
		Symptoms: got.Symptoms, CreatedAt: t0.Add(2 * time.Minute),
	}
	require.NoError(t, s.SaveConversation(ctx, got, nil, sum))

	loaded, err := s.LoadConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StageDetailedInquiry, loaded.Stage)
	assert.Equal(t, []string{"cough", "fever"}, loaded.Symptoms)
	assert.True(t, loaded.HasPendingResult)
	assert.False(t, loaded.Active)
	require.NotNil(t, loaded.EndType)
	assert.Equal(t, conversation.EndManual, *loaded.EndType)
	require.Len(t, loaded.History, 2)
	require.NotNil(t, loaded.History[1].From)
	assert.Equal(t, conversation.StageInquiry, *loaded.History[1].From)
	assert.Equal(t, 1, loaded.History[1].Turn)

	sums, err := s.ListSummaries(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.NotNil(t, sums[0].Satisfaction)
	assert.Equal(t, 4, *sums[0].Satisfaction)
	assert.Equal(t, conversation.StageCompleted, sums[0].FinalStage)
}

func TestConversation_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.LoadConversation(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	err = s.SaveConversation(ctx, newState("missing"), nil, nil)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestConversation_SaveIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateConversation(ctx, newState("c1")))

	st, err := s.LoadConversation(ctx, "c1")
	require.NoError(t, err)
	st.TurnCount = 5
	// Re-appending the initial entry collides with seq 0 and must roll back
	// the state update.
	err = s.SaveConversation(ctx, st, st.History, nil)
	require.Error(t, err)

	got, err := s.LoadConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.TurnCount)
}

func TestPurgeEndedConversations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"old-ended", "new-ended", "old-active"} {
		require.NoError(t, s.CreateConversation(ctx, newState(id)))
	}
	et := conversation.EndNatural
	end := func(id string, at time.Time) {
		st, err := s.LoadConversation(ctx, id)
		require.NoError(t, err)
		st.Active, st.EndType, st.LastActivity = false, &et, at
		require.NoError(t, s.SaveConversation(ctx, st, nil, &conversation.Summary{
			ID: "sum-" + id, ConversationID: id, EndType: et, FinalStage: conversation.StageCompleted, CreatedAt: at,
		}))
	}
	end("old-ended", t0)
	end("new-ended", t0.Add(48*time.Hour))

	n, err := s.PurgeEndedConversations(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.LoadConversation(ctx, "old-ended")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	sums, err := s.ListSummaries(ctx, "old-ended")
	require.NoError(t, err)
	assert.Empty(t, sums)

	var transitions int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM stage_transitions WHERE conversation_id = 'old-ended'`).Scan(&transitions))
	assert.Zero(t, transitions)

	for _, id := range []string{"new-ended", "old-active"} {
		_, err := s.LoadConversation(ctx, id)
		assert.NoError(t, err, id)
	}
}

func cacheEntry(key, doctor string, at time.Time) *respcache.Entry {
	return &respcache.Entry{
		Key: key, DoctorID: doctor, StageContext: "INQUIRY",
		Tokens: []string{"cough", "fever"}, Payload: "rest and fluids",
		CreatedAt: at, LastAccessedAt: at,
	}
}

func TestCache_UpsertKeepsAccessHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rating := 4.0
	e := cacheEntry("k1", "dr-a", t0)
	e.Rating = &rating
	e.AuxRefs = []string{"ref-1"}
	require.NoError(t, s.UpsertCacheEntry(ctx, e))
	require.NoError(t, s.TouchCacheEntry(ctx, "k1", t0.Add(time.Minute)))
	require.NoError(t, s.TouchCacheEntry(ctx, "k1", t0.Add(2*time.Minute)))

	replaced := cacheEntry("k1", "dr-a", t0.Add(time.Hour))
	replaced.Payload = "updated advice"
	require.NoError(t, s.UpsertCacheEntry(ctx, replaced))

	got, err := s.GetCacheEntry(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "updated advice", got.Payload)
	assert.Equal(t, 2, got.AccessCount)
	require.NotNil(t, got.Rating)
	assert.Equal(t, 4.0, *got.Rating)
	assert.Nil(t, got.AuxRefs)
	assert.Equal(t, t0.Add(time.Hour), got.CreatedAt)

	_, err = s.GetCacheEntry(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.NoError(t, s.TouchCacheEntry(ctx, "missing", t0))
}

func TestCache_CandidatesEvictExpire(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.UpsertCacheEntry(ctx, cacheEntry(key, "dr-a", t0.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.UpsertCacheEntry(ctx, cacheEntry("other", "dr-b", t0)))
	// c is used twice, d once.
	require.NoError(t, s.TouchCacheEntry(ctx, "c", t0.Add(time.Hour)))
	require.NoError(t, s.TouchCacheEntry(ctx, "c", t0.Add(time.Hour)))
	require.NoError(t, s.TouchCacheEntry(ctx, "d", t0.Add(time.Hour)))

	cands, err := s.CacheCandidates(ctx, "dr-a", 3)
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "c", cands[0].Key)
	assert.Equal(t, "d", cands[1].Key)
	for _, c := range cands {
		assert.Equal(t, "dr-a", c.DoctorID)
	}

	// Lowest access count, oldest access first: other (t0) and a (t0).
	n, err := s.EvictCacheEntries(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	count, err := s.CountCacheEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	_, err = s.GetCacheEntry(ctx, "a")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = s.GetCacheEntry(ctx, "c")
	assert.NoError(t, err)

	n, err = s.ExpireCacheEntries(ctx, t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n) // b, created at t0+1m

	footprint, err := s.CacheFootprint(ctx)
	require.NoError(t, err)
	assert.Positive(t, footprint)
}

func samplePattern(id string, owner *string) *pattern.Pattern {
	return &pattern.Pattern{
		ID:           id,
		OwnerID:      owner,
		DiseaseLabel: "insomnia",
		Narrative:    "Heart and spleen deficiency.",
		Nodes:        []pattern.Node{{Role: pattern.RoleSymptom, Content: "cannot sleep"}},
		CreatedAt:    t0,
	}
}

func TestPatterns_ListByOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	owner, shared := "dr-a", pattern.SharedOwner
	require.NoError(t, s.UpsertPattern(ctx, samplePattern("p1", &owner)))
	require.NoError(t, s.UpsertPattern(ctx, samplePattern("p2", &shared)))
	require.NoError(t, s.UpsertPattern(ctx, samplePattern("p3", nil)))

	mine, err := s.ListPatterns(ctx, &owner)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "p1", mine[0].ID)
	assert.Equal(t, []pattern.Node{{Role: pattern.RoleSymptom, Content: "cannot sleep"}}, mine[0].Nodes)

	all, err := s.ListPatterns(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Nil(t, all[2].OwnerID)

	_, err = s.GetPattern(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPatterns_UsageCountersUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertPattern(ctx, samplePattern("p1", nil)))

	require.NoError(t, s.RecordPatternUsage(ctx, pattern.Feedback{PatternID: "p1", Success: true, Feedback: "worked", CreatedAt: t0}))
	require.NoError(t, s.RecordPatternUsage(ctx, pattern.Feedback{PatternID: "p1", Success: false, CreatedAt: t0.Add(time.Minute)}))

	p, err := s.GetPattern(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.UsageCount)
	assert.Equal(t, 1, p.SuccessCount)
	require.NotNil(t, p.LastUsedAt)
	assert.Equal(t, t0.Add(time.Minute), *p.LastUsedAt)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.RecordPatternUsage(ctx, pattern.Feedback{PatternID: "p1", Success: i%2 == 0, CreatedAt: t0}))
		}(i)
	}
	wg.Wait()

	p, err = s.GetPattern(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 22, p.UsageCount)
	assert.Equal(t, 11, p.SuccessCount)

	fbs, err := s.ListPatternFeedback(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, fbs, 22)
	assert.Equal(t, "worked", fbs[0].Feedback)

	err = s.RecordPatternUsage(ctx, pattern.Feedback{PatternID: "missing", CreatedAt: t0})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPatterns_UpsertKeepsCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertPattern(ctx, samplePattern("p1", nil)))
	require.NoError(t, s.RecordPatternUsage(ctx, pattern.Feedback{PatternID: "p1", Success: true, CreatedAt: t0}))

	revised := samplePattern("p1", nil)
	revised.Narrative = "revised"
	revised.CreatedAt = t0.Add(time.Hour)
	require.NoError(t, s.UpsertPattern(ctx, revised))

	p, err := s.GetPattern(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "revised", p.Narrative)
	assert.Equal(t, 1, p.UsageCount)
	assert.Equal(t, t0, p.CreatedAt)
}
