// Package conversation tracks consultation sessions through their stage
// machine, counts turns, detects timeouts and keeps an audit trail.
package conversation

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/logger"
	"github.com/hpungsan/consult/internal/metrics"
)

const logModule = "conversation"

// ErrConversationEnded is the cancellation cause of contexts returned by
// Tracker.Context once the conversation ends.
var ErrConversationEnded = stderrors.New("conversation ended")

// Options configures a Tracker. Zero values take the defaults.
type Options struct {
	MaxTurns           int
	SessionTimeout     time.Duration
	ResponseTimeout    time.Duration
	MaxTimeoutWarnings int

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.MaxTurns <= 0 {
		o.MaxTurns = 20
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 30 * time.Minute
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 5 * time.Minute
	}
	if o.MaxTimeoutWarnings <= 0 {
		o.MaxTimeoutWarnings = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// Tracker owns conversation state. Every mutation runs under a per-id lock:
// load, clone, validate, mutate the clone, persist in one transaction, then
// publish. A failed persist leaves the previous state visible.
type Tracker struct {
	store Store
	opts  Options
	log   logger.Logger
	live  *liveStates
	locks *keyedMutex

	// ended holds one signal per conversation with derived contexts
	// outstanding; it fires when the conversation ends and is dropped when
	// the last derived context is released.
	endedMu sync.Mutex
	ended   map[string]*endSignal
}

type endSignal struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	refs   int
}

// NewTracker creates a Tracker over store.
func NewTracker(store Store, opts Options) *Tracker {
	opts.applyDefaults()
	return &Tracker{
		store: store,
		opts:  opts,
		log:   opts.Logger,
		live:  newLiveStates(opts.SessionTimeout),
		locks: newKeyedMutex(),
		ended: make(map[string]*endSignal),
	}
}

// change collects the side records of one mutation.
type change struct {
	transitions []Transition
	summary     *Summary
	skip        bool
}

// Create starts a conversation in INQUIRY.
func (t *Tracker) Create(ctx context.Context, id, userID, doctorID string) (*State, error) {
	if id == "" {
		return nil, errors.NewInvalidRequest("conversation id is required")
	}

	unlock := t.locks.Lock(id)
	defer unlock()

	if _, ok := t.live.get(id); ok {
		return nil, errors.NewAlreadyExists("conversation", id)
	}
	if _, err := t.store.LoadConversation(ctx, id); err == nil {
		return nil, errors.NewAlreadyExists("conversation", id)
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	now := t.opts.Now().UTC()
	st := &State{
		ID:           id,
		UserID:       userID,
		DoctorID:     doctorID,
		Stage:        StageInquiry,
		StartTime:    now,
		LastActivity: now,
		Symptoms:     []string{},
		Active:       true,
		History: []Transition{{
			To:         StageInquiry,
			Reason:     "conversation started",
			Confidence: 1.0,
			Turn:       0,
			At:         now,
		}},
	}

	if err := t.store.CreateConversation(ctx, st); err != nil {
		if errors.Is(err, errors.ErrAlreadyExists) {
			return nil, err
		}
		return nil, persistErr("create conversation", err)
	}

	t.live.save(st)
	t.opts.Metrics.RecordConversationStarted(doctorID)
	t.log.Info(logModule, "conversation created", map[string]any{
		"conversation_id": id,
		"user_id":         userID,
		"doctor_id":       doctorID,
	})
	return st.Clone(), nil
}

// Get returns a snapshot of the conversation.
func (t *Tracker) Get(ctx context.Context, id string) (*State, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	st, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Summaries returns the end records of a conversation, oldest first.
func (t *Tracker) Summaries(ctx context.Context, id string) ([]Summary, error) {
	if _, err := t.Get(ctx, id); err != nil {
		return nil, err
	}
	return t.store.ListSummaries(ctx, id)
}

// UpdateStage moves the conversation to stage when the transition table
// allows it. PRESCRIPTION marks a pending result; COMPLETED and EMERGENCY
// end the conversation.
func (t *Tracker) UpdateStage(ctx context.Context, id string, stage Stage, reason string, confidence float64) (*State, error) {
	if confidence < 0 || confidence > 1 {
		return nil, errors.NewInvalidRequest("confidence must be between 0 and 1")
	}
	return t.mutate(ctx, id, "update stage", func(st *State, ch *change) error {
		if !st.Active {
			return errors.NewInactive(id)
		}
		if !CanTransition(st.Stage, stage) {
			return errors.NewInvalidTransition(id, string(st.Stage), string(stage))
		}
		t.enterStage(st, ch, stage, reason, confidence)
		return nil
	})
}

// enterStage moves st to stage and applies the stage's side effects. The
// transition has already been checked.
func (t *Tracker) enterStage(st *State, ch *change, stage Stage, reason string, confidence float64) {
	from := st.Stage
	t.transition(st, ch, stage, reason, confidence)

	switch stage {
	case StagePrescription:
		st.HasPendingResult = true
	case StageDetailedInquiry:
		st.HasPendingResult = false
	case StageCompleted:
		endType := EndNatural
		if from == StagePrescriptionConfirm {
			endType = EndPrescriptionComplete
		}
		t.finish(st, ch, endType, reason, nil)
	case StageEmergency:
		t.finish(st, ch, EndEmergency, reason, nil)
	}
}

// TurnUpdate is what the analysis of a user turn asks the tracker to apply.
type TurnUpdate struct {
	Symptoms []string

	// End, when set, ends the conversation and the rest is ignored.
	End       *EndType
	EndReason string

	Stage      *Stage
	Reason     string
	Confidence float64
}

// SubmitTurn counts a user turn and applies analyze's update in one locked
// mutation, so overlapping turns for the same id are analyzed one after the
// other against the committed state. analyze sees the state with the turn
// already counted and is not called when the turn limit ends the
// conversation; accepted is false then. A suggested stage the current stage
// cannot reach is dropped.
func (t *Tracker) SubmitTurn(ctx context.Context, id string, analyze func(st *State) TurnUpdate) (out *State, accepted bool, err error) {
	out, err = t.mutate(ctx, id, "submit turn", func(st *State, ch *change) error {
		if !st.Active {
			return errors.NewInactive(id)
		}
		st.TurnCount++
		st.LastActivity = t.opts.Now().UTC()
		st.TimeoutWarnings = 0
		if st.TurnCount > t.opts.MaxTurns {
			t.finish(st, ch, EndSystemLimit, fmt.Sprintf("turn limit of %d reached", t.opts.MaxTurns), nil)
			return nil
		}
		accepted = true

		upd := analyze(st.Clone())
		if upd.End != nil {
			t.finish(st, ch, *upd.End, upd.EndReason, nil)
			return nil
		}
		st.Symptoms = MergeSymptoms(st.Symptoms, upd.Symptoms)
		if upd.Stage != nil && *upd.Stage != st.Stage && CanTransition(st.Stage, *upd.Stage) {
			if upd.Confidence < 0 || upd.Confidence > 1 {
				return errors.NewInvalidRequest("confidence must be between 0 and 1")
			}
			t.enterStage(st, ch, *upd.Stage, upd.Reason, upd.Confidence)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, accepted, nil
}

// IncrementTurn counts an accepted user turn. The turn that takes the count
// past MaxTurns ends the conversation with SYSTEM_LIMIT and reports false.
func (t *Tracker) IncrementTurn(ctx context.Context, id string) (bool, error) {
	st, err := t.mutate(ctx, id, "increment turn", func(st *State, ch *change) error {
		if !st.Active {
			return errors.NewInactive(id)
		}
		st.TurnCount++
		st.LastActivity = t.opts.Now().UTC()
		st.TimeoutWarnings = 0
		if st.TurnCount > t.opts.MaxTurns {
			t.finish(st, ch, EndSystemLimit, fmt.Sprintf("turn limit of %d reached", t.opts.MaxTurns), nil)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

// UpdateSymptoms merges symptoms into the conversation's set.
func (t *Tracker) UpdateSymptoms(ctx context.Context, id string, symptoms []string) (*State, error) {
	return t.mutate(ctx, id, "update symptoms", func(st *State, ch *change) error {
		if !st.Active {
			return errors.NewInactive(id)
		}
		merged := MergeSymptoms(st.Symptoms, symptoms)
		if len(merged) == len(st.Symptoms) {
			ch.skip = true
			return nil
		}
		st.Symptoms = merged
		return nil
	})
}

// SetDiagnosisConfidence records the latest diagnosis confidence.
func (t *Tracker) SetDiagnosisConfidence(ctx context.Context, id string, confidence float64) (*State, error) {
	if confidence < 0 || confidence > 1 {
		return nil, errors.NewInvalidRequest("confidence must be between 0 and 1")
	}
	return t.mutate(ctx, id, "set diagnosis confidence", func(st *State, ch *change) error {
		if !st.Active {
			return errors.NewInactive(id)
		}
		st.DiagnosisConfidence = confidence
		return nil
	})
}

// TimeoutOutcome is the result kind of CheckTimeout.
type TimeoutOutcome string

const (
	TimeoutNone     TimeoutOutcome = "ok"
	TimeoutWarning  TimeoutOutcome = "warning"
	TimeoutEnded    TimeoutOutcome = "ended"
	TimeoutInactive TimeoutOutcome = "inactive"
)

// TimeoutStatus reports what CheckTimeout found.
type TimeoutStatus struct {
	Outcome     TimeoutOutcome `json:"outcome"`
	Message     string         `json:"message,omitempty"`
	Warnings    int            `json:"warnings"`
	IdleSeconds int64          `json:"idle_seconds"`
}

// CheckTimeout applies the session and response timeouts. A session timeout
// ends the conversation at once. A response timeout issues a warning; the
// warning that exceeds MaxTimeoutWarnings ends the conversation.
func (t *Tracker) CheckTimeout(ctx context.Context, id string) (TimeoutStatus, error) {
	var status TimeoutStatus
	_, err := t.mutate(ctx, id, "check timeout", func(st *State, ch *change) error {
		idle := t.opts.Now().Sub(st.LastActivity)
		status.IdleSeconds = int64(idle / time.Second)
		status.Warnings = st.TimeoutWarnings

		switch {
		case !st.Active:
			status.Outcome = TimeoutInactive
			ch.skip = true
		case idle >= t.opts.SessionTimeout:
			t.finish(st, ch, EndTimeout, fmt.Sprintf("no activity for %s", t.opts.SessionTimeout), nil)
			status.Outcome = TimeoutEnded
			status.Message = "The consultation has ended because of inactivity."
		case idle >= t.opts.ResponseTimeout:
			st.TimeoutWarnings++
			status.Warnings = st.TimeoutWarnings
			if st.TimeoutWarnings > t.opts.MaxTimeoutWarnings {
				t.finish(st, ch, EndTimeout, fmt.Sprintf("%d timeout warnings without response", st.TimeoutWarnings), nil)
				status.Outcome = TimeoutEnded
				status.Message = "The consultation has ended because there was no response."
				return nil
			}
			t.opts.Metrics.RecordTimeoutWarning()
			status.Outcome = TimeoutWarning
			status.Message = fmt.Sprintf("No response for %d minutes. Are you still there? (warning %d of %d)",
				int(idle/time.Minute), st.TimeoutWarnings, t.opts.MaxTimeoutWarnings)
		default:
			status.Outcome = TimeoutNone
			ch.skip = true
		}
		return nil
	})
	if err != nil {
		return TimeoutStatus{}, err
	}
	return status, nil
}

// End ends the conversation. On an already ended conversation the state is
// left untouched and only the ending event is recorded.
func (t *Tracker) End(ctx context.Context, id string, endType EndType, reason string, satisfaction *int) (*State, error) {
	if satisfaction != nil && (*satisfaction < 1 || *satisfaction > 5) {
		return nil, errors.NewInvalidRequest("satisfaction must be between 1 and 5")
	}
	return t.mutate(ctx, id, "end conversation", func(st *State, ch *change) error {
		if !st.Active {
			ch.summary = t.summarize(st, endType, reason, satisfaction)
			return nil
		}
		t.finish(st, ch, endType, reason, satisfaction)
		return nil
	})
}

// Context derives a context from parent that is cancelled with
// ErrConversationEnded when the conversation ends. The returned cancel
// releases resources and must be called.
func (t *Tracker) Context(parent context.Context, id string) (context.Context, context.CancelFunc, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	st, err := t.load(parent, id)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancelCause(parent)
	if !st.Active {
		cancel(ErrConversationEnded)
		return ctx, func() {}, nil
	}

	t.endedMu.Lock()
	sig, ok := t.ended[id]
	if !ok {
		sctx, scancel := context.WithCancelCause(context.Background())
		sig = &endSignal{ctx: sctx, cancel: scancel}
		t.ended[id] = sig
	}
	sig.refs++
	t.endedMu.Unlock()

	stop := context.AfterFunc(sig.ctx, func() {
		cancel(context.Cause(sig.ctx))
	})
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			stop()
			cancel(context.Canceled)
			t.releaseSignal(id, sig)
		})
	}, nil
}

// releaseSignal drops one holder of sig and removes it once unused.
func (t *Tracker) releaseSignal(id string, sig *endSignal) {
	t.endedMu.Lock()
	defer t.endedMu.Unlock()
	sig.refs--
	if sig.refs > 0 {
		return
	}
	if t.ended[id] == sig {
		delete(t.ended, id)
	}
	sig.cancel(context.Canceled)
}

func (t *Tracker) signalCount() int {
	t.endedMu.Lock()
	defer t.endedMu.Unlock()
	return len(t.ended)
}

// PurgeEnded deletes ended conversations whose last activity is older than
// olderThan. Returns the number removed.
func (t *Tracker) PurgeEnded(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, errors.NewInvalidRequest("older_than must not be negative")
	}
	cutoff := t.opts.Now().UTC().Add(-olderThan)
	n, err := t.store.PurgeEndedConversations(ctx, cutoff)
	if err != nil {
		return 0, persistErr("purge conversations", err)
	}
	t.live.dropEndedBefore(cutoff)
	if n > 0 {
		t.log.Info(logModule, "ended conversations purged", map[string]any{"count": n, "cutoff": cutoff})
	}
	return n, nil
}

// load returns the committed state without copying. Callers hold the id's
// lock and clone before mutating.
func (t *Tracker) load(ctx context.Context, id string) (*State, error) {
	if st, ok := t.live.get(id); ok {
		return st, nil
	}
	st, err := t.store.LoadConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	t.live.save(st)
	return st, nil
}

func (t *Tracker) mutate(ctx context.Context, id, op string, fn func(st *State, ch *change) error) (*State, error) {
	if id == "" {
		return nil, errors.NewInvalidRequest("conversation id is required")
	}

	unlock := t.locks.Lock(id)
	defer unlock()

	cur, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	ch := &change{}
	if err := fn(next, ch); err != nil {
		return nil, err
	}
	if ch.skip {
		return cur.Clone(), nil
	}

	if err := t.store.SaveConversation(ctx, next, ch.transitions, ch.summary); err != nil {
		t.log.Error(logModule, op+" failed", map[string]any{"conversation_id": id, "error": err})
		return nil, persistErr(op, err)
	}
	t.live.save(next)

	for _, tr := range ch.transitions {
		t.opts.Metrics.RecordTransition(string(tr.To))
		t.log.Info(logModule, "stage changed", map[string]any{
			"conversation_id": id,
			"from":            fromString(tr.From),
			"to":              tr.To,
			"reason":          tr.Reason,
			"turn":            tr.Turn,
		})
	}
	if cur.Active && !next.Active {
		t.signalEnded(id)
		t.opts.Metrics.RecordConversationEnded(string(*next.EndType))
		t.log.Info(logModule, "conversation ended", map[string]any{
			"conversation_id": id,
			"end_type":        *next.EndType,
			"stage":           next.Stage,
			"turns":           next.TurnCount,
		})
	}
	return next.Clone(), nil
}

// transition appends an audit entry and moves st to stage.
func (t *Tracker) transition(st *State, ch *change, stage Stage, reason string, confidence float64) {
	from := st.Stage
	tr := Transition{
		From:       &from,
		To:         stage,
		Reason:     reason,
		Confidence: confidence,
		Turn:       st.TurnCount,
		At:         t.opts.Now().UTC(),
	}
	st.Stage = stage
	st.History = append(st.History, tr)
	ch.transitions = append(ch.transitions, tr)
}

// finish ends an active conversation: terminal stage, inactive, summary.
func (t *Tracker) finish(st *State, ch *change, endType EndType, reason string, satisfaction *int) {
	if target := TerminalStage(endType, st.Stage); target != st.Stage {
		t.transition(st, ch, target, reason, 1.0)
	}
	st.Active = false
	st.HasPendingResult = false
	et := endType
	st.EndType = &et
	ch.summary = t.summarize(st, endType, reason, satisfaction)
}

func (t *Tracker) summarize(st *State, endType EndType, reason string, satisfaction *int) *Summary {
	now := t.opts.Now().UTC()
	var sat *int
	if satisfaction != nil {
		v := *satisfaction
		sat = &v
	}
	return &Summary{
		ID:              ulid.Make().String(),
		ConversationID:  st.ID,
		EndType:         endType,
		Reason:          reason,
		Satisfaction:    sat,
		DurationSeconds: int64(now.Sub(st.StartTime) / time.Second),
		TotalTurns:      st.TurnCount,
		FinalStage:      st.Stage,
		Symptoms:        append([]string(nil), st.Symptoms...),
		CreatedAt:       now,
	}
}

func (t *Tracker) signalEnded(id string) {
	t.endedMu.Lock()
	sig, ok := t.ended[id]
	delete(t.ended, id)
	t.endedMu.Unlock()
	if ok {
		sig.cancel(ErrConversationEnded)
	}
}

// persistErr reports a failed write as PERSISTENCE_FAILURE. Coded store
// errors other than INTERNAL (NOT_FOUND, ALREADY_EXISTS) pass through.
func persistErr(op string, err error) error {
	if cErr, ok := errors.As(err); ok && cErr.Code != errors.ErrInternal {
		return err
	}
	return errors.NewPersistenceFailure(op, err)
}

func fromString(s *Stage) string {
	if s == nil {
		return ""
	}
	return string(*s)
}
