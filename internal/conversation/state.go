package conversation

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Transition is one audit entry: a stage change (or the initial stage when
// From is nil).
type Transition struct {
	From       *Stage    `json:"from,omitempty"`
	To         Stage     `json:"to"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	Turn       int       `json:"turn"`
	At         time.Time `json:"at"`
}

// State is a conversation's tracked state. Tracker returns copies; mutating
// one has no effect on the tracked conversation.
type State struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"user_id"`
	DoctorID            string       `json:"doctor_id"`
	Stage               Stage        `json:"stage"`
	StartTime           time.Time    `json:"start_time"`
	LastActivity        time.Time    `json:"last_activity"`
	TurnCount           int          `json:"turn_count"`
	Symptoms            []string     `json:"symptoms"`
	HasPendingResult    bool         `json:"has_pending_result"`
	DiagnosisConfidence float64      `json:"diagnosis_confidence"`
	TimeoutWarnings     int          `json:"timeout_warnings"`
	Active              bool         `json:"active"`
	EndType             *EndType     `json:"end_type,omitempty"`
	History             []Transition `json:"history"`
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := *s
	c.Symptoms = append([]string(nil), s.Symptoms...)
	c.History = make([]Transition, len(s.History))
	for i, tr := range s.History {
		c.History[i] = tr
		if tr.From != nil {
			from := *tr.From
			c.History[i].From = &from
		}
	}
	if s.EndType != nil {
		et := *s.EndType
		c.EndType = &et
	}
	return &c
}

// Summary is written every time End is called and when a conversation
// ends on its own (turn limit, timeout, completion).
type Summary struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	EndType         EndType   `json:"end_type"`
	Reason          string    `json:"reason"`
	Satisfaction    *int      `json:"satisfaction,omitempty"`
	DurationSeconds int64     `json:"duration_seconds"`
	TotalTurns      int       `json:"total_turns"`
	FinalStage      Stage     `json:"final_stage"`
	Symptoms        []string  `json:"symptoms"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is the durable home of conversations. SaveConversation must write
// the state row, the appended transitions and the optional summary in one
// transaction.
type Store interface {
	CreateConversation(ctx context.Context, st *State) error
	LoadConversation(ctx context.Context, id string) (*State, error)
	SaveConversation(ctx context.Context, st *State, appended []Transition, summary *Summary) error
	ListSummaries(ctx context.Context, conversationID string) ([]Summary, error)
	PurgeEndedConversations(ctx context.Context, endedBefore time.Time) (int, error)
}

// MergeSymptoms unions add into existing and returns a sorted set.
// Blank entries are dropped.
func MergeSymptoms(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// CoerceSymptoms turns loosely typed input into a symptom list. Anything
// that is not a string slice (or a slice of strings held as any) becomes
// empty rather than an error.
func CoerceSymptoms(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return []string{}
			}
			out = append(out, str)
		}
		return out
	default:
		return []string{}
	}
}
