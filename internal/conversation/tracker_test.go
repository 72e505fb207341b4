package conversation

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/consult/internal/errors"
)

// memStore is an in-memory Store with failure injection.
type memStore struct {
	mu        sync.Mutex
	states    map[string]*State
	summaries map[string][]Summary
	failSave  bool
	saves     int
}

func newMemStore() *memStore {
	return &memStore{states: map[string]*State{}, summaries: map[string][]Summary{}}
}

func (m *memStore) CreateConversation(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.ID]; ok {
		return errors.NewAlreadyExists("conversation", st.ID)
	}
	m.states[st.ID] = st.Clone()
	return nil
}

func (m *memStore) LoadConversation(_ context.Context, id string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return nil, errors.NewNotFound("conversation", id)
	}
	return st.Clone(), nil
}

func (m *memStore) SaveConversation(_ context.Context, st *State, _ []Transition, summary *Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return stderrors.New("disk I/O error")
	}
	m.saves++
	m.states[st.ID] = st.Clone()
	if summary != nil {
		m.summaries[st.ID] = append(m.summaries[st.ID], *summary)
	}
	return nil
}

func (m *memStore) ListSummaries(_ context.Context, id string) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Summary(nil), m.summaries[id]...), nil
}

func (m *memStore) PurgeEndedConversations(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, st := range m.states {
		if !st.Active && st.LastActivity.Before(before) {
			delete(m.states, id)
			delete(m.summaries, id)
			n++
		}
	}
	return n, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T) (*Tracker, *memStore, *fakeClock) {
	t.Helper()
	store := newMemStore()
	clock := newFakeClock()
	tr := NewTracker(store, Options{Now: clock.Now})
	return tr, store, clock
}

func TestCreate(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	ctx := context.Background()

	st, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, StageInquiry, st.Stage)
	assert.True(t, st.Active)
	require.Len(t, st.History, 1)
	assert.Nil(t, st.History[0].From)
	assert.Equal(t, StageInquiry, st.History[0].To)

	_, err = tr.Create(ctx, "c1", "u1", "d1")
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists), "err = %v", err)

	// A fresh tracker over the same store still sees the id
	other := NewTracker(store, Options{})
	_, err = other.Create(ctx, "c1", "u2", "d2")
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists), "err = %v", err)

	_, err = tr.Create(ctx, "", "u1", "d1")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestNotFound(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Get(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = tr.UpdateStage(ctx, "missing", StageDetailedInquiry, "", 0.5)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = tr.IncrementTurn(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = tr.CheckTimeout(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestUpdateStage_IllegalLeavesStateUnchanged(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	before, err := tr.Get(ctx, "c1")
	require.NoError(t, err)

	_, err = tr.UpdateStage(ctx, "c1", StageDiagnosis, "skip ahead", 0.9)
	require.True(t, errors.Is(err, errors.ErrInvalidTransition), "err = %v", err)

	after, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, before.Stage, after.Stage)
	assert.Equal(t, before.History, after.History)
}

func TestUpdateStage_RecordedTransitionsAreAllowed(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	conv := 0
	id := func() string { return "prop-" + string(rune('a'+conv)) }
	_, err := tr.Create(ctx, id(), "u", "d")
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		target := Stages[rng.Intn(len(Stages))]
		st, err := tr.UpdateStage(ctx, id(), target, "random walk", rng.Float64())
		if err != nil {
			require.True(t, errors.Is(err, errors.ErrInvalidTransition), "err = %v", err)
			continue
		}
		if !st.Active {
			conv++
			_, err := tr.Create(ctx, id(), "u", "d")
			require.NoError(t, err)
		}
	}

	for c := 0; c <= conv; c++ {
		conv = c
		st, err := tr.Get(ctx, id())
		require.NoError(t, err)
		require.Equal(t, st.Stage, st.History[len(st.History)-1].To, "history tail must equal stage")
		for _, h := range st.History[1:] {
			require.NotNil(t, h.From)
			assert.True(t, CanTransition(*h.From, h.To), "%s -> %s recorded", *h.From, h.To)
		}
	}
}

func TestUpdateStage_PendingResult(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	for _, s := range []Stage{StageDetailedInquiry, StageDiagnosis, StagePrescription} {
		_, err = tr.UpdateStage(ctx, "c1", s, "advance", 0.8)
		require.NoError(t, err)
	}
	st, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, st.HasPendingResult)

	st, err = tr.UpdateStage(ctx, "c1", StageDetailedInquiry, "patient rejected", 0.8)
	require.NoError(t, err)
	assert.False(t, st.HasPendingResult)
}

func TestUpdateStage_CompletedEnds(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	path := []Stage{StageDetailedInquiry, StagePrescription, StagePrescriptionConfirm, StageCompleted}
	var st *State
	for _, s := range path {
		st, err = tr.UpdateStage(ctx, "c1", s, "advance", 0.9)
		require.NoError(t, err)
	}
	assert.False(t, st.Active)
	assert.Equal(t, StageCompleted, st.Stage)
	require.NotNil(t, st.EndType)
	assert.Equal(t, EndPrescriptionComplete, *st.EndType)
	assert.Len(t, store.summaries["c1"], 1)

	_, err = tr.UpdateStage(ctx, "c1", StageCompleted, "again", 1)
	assert.True(t, errors.Is(err, errors.ErrInactive))

	_, err = tr.Create(ctx, "c2", "u1", "d1")
	require.NoError(t, err)
	st, err = tr.UpdateStage(ctx, "c2", StageCompleted, "resolved quickly", 1)
	require.NoError(t, err)
	assert.Equal(t, EndNatural, *st.EndType)
}

func TestSubmitTurn(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	detailed := StageDetailedInquiry
	st, accepted, err := tr.SubmitTurn(ctx, "c1", func(st *State) TurnUpdate {
		assert.Equal(t, 1, st.TurnCount)
		return TurnUpdate{Symptoms: []string{"cough"}, Stage: &detailed, Reason: "symptoms", Confidence: 0.8}
	})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, StageDetailedInquiry, st.Stage)
	assert.Equal(t, []string{"cough"}, st.Symptoms)
	assert.Equal(t, 1, store.saves)

	// A suggestion the current stage cannot reach is dropped, the turn still counts
	prescription := StagePrescriptionConfirm
	st, accepted, err = tr.SubmitTurn(ctx, "c1", func(*State) TurnUpdate {
		return TurnUpdate{Symptoms: []string{"fever"}, Stage: &prescription, Confidence: 0.9}
	})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, StageDetailedInquiry, st.Stage)
	assert.Equal(t, 2, st.TurnCount)
	assert.Equal(t, []string{"cough", "fever"}, st.Symptoms)

	end := EndNatural
	st, accepted, err = tr.SubmitTurn(ctx, "c1", func(*State) TurnUpdate {
		return TurnUpdate{End: &end, EndReason: "thanks"}
	})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.False(t, st.Active)
	require.Len(t, store.summaries["c1"], 1)

	_, _, err = tr.SubmitTurn(ctx, "c1", func(*State) TurnUpdate {
		t.Fatal("analyze called on an ended conversation")
		return TurnUpdate{}
	})
	assert.True(t, errors.Is(err, errors.ErrInactive))
}

func TestSubmitTurn_LimitSkipsAnalysis(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, Options{MaxTurns: 1, Now: newFakeClock().Now})
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	calls := 0
	analyze := func(*State) TurnUpdate {
		calls++
		return TurnUpdate{}
	}
	_, accepted, err := tr.SubmitTurn(ctx, "c1", analyze)
	require.NoError(t, err)
	assert.True(t, accepted)

	st, accepted, err := tr.SubmitTurn(ctx, "c1", analyze)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 1, calls)
	require.NotNil(t, st.EndType)
	assert.Equal(t, EndSystemLimit, *st.EndType)
}

func TestIncrementTurn_Limit(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	prev := 0
	for i := 1; i <= 20; i++ {
		ok, err := tr.IncrementTurn(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok, "turn %d", i)

		st, err := tr.Get(ctx, "c1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, st.TurnCount, prev)
		prev = st.TurnCount
	}

	ok, err := tr.IncrementTurn(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok, "21st turn must be refused")

	st, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, EndSystemLimit, *st.EndType)
	assert.Equal(t, StageCompleted, st.Stage)
	assert.Equal(t, 21, st.TurnCount)

	_, err = tr.IncrementTurn(ctx, "c1")
	assert.True(t, errors.Is(err, errors.ErrInactive))

	st, err = tr.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 21, st.TurnCount)
}

func TestCheckTimeout_ResponseWarningsThenEnd(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	status, err := tr.CheckTimeout(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, TimeoutNone, status.Outcome)

	clock.Advance(6 * time.Minute)
	for i := 1; i <= 3; i++ {
		status, err = tr.CheckTimeout(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, TimeoutWarning, status.Outcome, "check %d", i)
		assert.Equal(t, i, status.Warnings)
		assert.NotEmpty(t, status.Message)
	}

	status, err = tr.CheckTimeout(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, TimeoutEnded, status.Outcome)

	st, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, EndTimeout, *st.EndType)
	assert.Equal(t, StageTimeout, st.Stage)

	status, err = tr.CheckTimeout(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, TimeoutInactive, status.Outcome)
}

func TestCheckTimeout_TurnResetsWarnings(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = tr.CheckTimeout(ctx, "c1")
	require.NoError(t, err)

	_, err = tr.IncrementTurn(ctx, "c1")
	require.NoError(t, err)

	st, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.TimeoutWarnings)

	status, err := tr.CheckTimeout(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, TimeoutNone, status.Outcome)
}

func TestCheckTimeout_SessionTimeoutEndsImmediately(t *testing.T) {
	tr, store, clock := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	status, err := tr.CheckTimeout(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, TimeoutEnded, status.Outcome)
	assert.Equal(t, 0, status.Warnings)

	require.Len(t, store.summaries["c1"], 1)
	assert.Equal(t, EndTimeout, store.summaries["c1"][0].EndType)
	assert.Equal(t, int64(31*60), store.summaries["c1"][0].DurationSeconds)
}

func TestEnd(t *testing.T) {
	tests := []struct {
		endType EndType
		want    Stage
	}{
		{EndTimeout, StageTimeout},
		{EndEmergency, StageEmergency},
		{EndNatural, StageCompleted},
		{EndManual, StageCompleted},
	}

	for _, tt := range tests {
		t.Run(string(tt.endType), func(t *testing.T) {
			tr, _, _ := newTestTracker(t)
			ctx := context.Background()
			_, err := tr.Create(ctx, "c1", "u1", "d1")
			require.NoError(t, err)
			_, err = tr.UpdateStage(ctx, "c1", StageDetailedInquiry, "symptoms", 0.8)
			require.NoError(t, err)

			st, err := tr.End(ctx, "c1", tt.endType, "test", nil)
			require.NoError(t, err)
			assert.False(t, st.Active)
			assert.Equal(t, tt.want, st.Stage)
			assert.Equal(t, tt.want, st.History[len(st.History)-1].To)
		})
	}
}

func TestEnd_AlreadyEndedRecordsEventOnly(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	first, err := tr.End(ctx, "c1", EndEmergency, "chest pain", nil)
	require.NoError(t, err)

	five := 5
	second, err := tr.End(ctx, "c1", EndNatural, "patient said thanks", &five)
	require.NoError(t, err)

	assert.Equal(t, first.Stage, second.Stage)
	assert.Equal(t, EndEmergency, *second.EndType)
	assert.Equal(t, first.History, second.History)

	summaries, err := tr.Summaries(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, EndNatural, summaries[1].EndType)
	assert.Equal(t, 5, *summaries[1].Satisfaction)

	bad := 9
	_, err = tr.End(ctx, "c1", EndNatural, "", &bad)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestPersistenceFailureKeepsPreviousState(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	store.mu.Lock()
	store.failSave = true
	store.mu.Unlock()

	_, err = tr.UpdateStage(ctx, "c1", StageDetailedInquiry, "symptoms", 0.8)
	require.True(t, errors.Is(err, errors.ErrPersistenceFailure), "err = %v", err)

	_, err = tr.IncrementTurn(ctx, "c1")
	require.True(t, errors.Is(err, errors.ErrPersistenceFailure))

	st, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StageInquiry, st.Stage)
	assert.Equal(t, 0, st.TurnCount)
	assert.Len(t, st.History, 1)
}

func TestUpdateSymptoms(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	_, err = tr.UpdateSymptoms(ctx, "c1", []string{"fever", "cough"})
	require.NoError(t, err)
	st, err := tr.UpdateSymptoms(ctx, "c1", []string{"cough", "headache", " "})
	require.NoError(t, err)
	assert.Equal(t, []string{"cough", "fever", "headache"}, st.Symptoms)

	saves := store.saves
	_, err = tr.UpdateSymptoms(ctx, "c1", []string{"fever"})
	require.NoError(t, err)
	assert.Equal(t, saves, store.saves, "no-op merge should not write")

	_, err = tr.UpdateSymptoms(ctx, "c1", CoerceSymptoms(42))
	require.NoError(t, err)
}

func TestCoerceSymptoms(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"string slice", []string{"a", "b"}, []string{"a", "b"}},
		{"any of strings", []any{"a", "b"}, []string{"a", "b"}},
		{"mixed any", []any{"a", 1}, []string{}},
		{"number", 3.5, []string{}},
		{"map", map[string]any{"a": 1}, []string{}},
		{"nil", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CoerceSymptoms(tt.in))
		})
	}
}

func TestConcurrentTurnsSameConversation(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, Options{MaxTurns: 1000})
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.IncrementTurn(ctx, "c1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 50, st.TurnCount)
	assert.Equal(t, 0, tr.locks.size(), "lock entries should be released")
}

func TestContext_CancelledOnEnd(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	cctx, cancel, err := tr.Context(ctx, "c1")
	require.NoError(t, err)
	defer cancel()

	select {
	case <-cctx.Done():
		t.Fatal("context done before conversation ended")
	default:
	}

	_, err = tr.End(ctx, "c1", EndEmergency, "emergency", nil)
	require.NoError(t, err)

	select {
	case <-cctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after end")
	}
	assert.ErrorIs(t, context.Cause(cctx), ErrConversationEnded)
	cancel()
	assert.Equal(t, 0, tr.signalCount())

	// Already ended conversations yield a done context
	ended, cancel2, err := tr.Context(ctx, "c1")
	require.NoError(t, err)
	defer cancel2()
	assert.Error(t, ended.Err())
}

func TestContext_ReleasedWithoutEnd(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "c1", "u1", "d1")
	require.NoError(t, err)

	var cancels []context.CancelFunc
	for i := 0; i < 3; i++ {
		_, cancel, err := tr.Context(ctx, "c1")
		require.NoError(t, err)
		cancels = append(cancels, cancel)
	}
	assert.Equal(t, 1, tr.signalCount())

	cancels[0]()
	cancels[0]()
	cancels[1]()
	assert.Equal(t, 1, tr.signalCount())
	cancels[2]()
	assert.Equal(t, 0, tr.signalCount())

	// A later context still observes the end
	cctx, cancel, err := tr.Context(ctx, "c1")
	require.NoError(t, err)
	defer cancel()
	_, err = tr.End(ctx, "c1", EndManual, "done", nil)
	require.NoError(t, err)
	select {
	case <-cctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after end")
	}
	assert.ErrorIs(t, context.Cause(cctx), ErrConversationEnded)
}

func TestPurgeEnded(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Create(ctx, "old", "u", "d")
	require.NoError(t, err)
	_, err = tr.Create(ctx, "live", "u", "d")
	require.NoError(t, err)
	_, err = tr.End(ctx, "old", EndManual, "done", nil)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	n, err := tr.PurgeEnded(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = tr.Get(ctx, "old")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = tr.Get(ctx, "live")
	assert.NoError(t, err)
}
