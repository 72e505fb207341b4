package ops

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/hpungsan/consult/internal/conversation"
	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/pattern"
)

// Match limits
const (
	DefaultMatchLimit = 5
	MaxMatchLimit     = 50
)

// MatchPatternsInput contains parameters for MatchPatterns.
type MatchPatternsInput struct {
	// ConversationID ties the match to a live conversation: its symptoms
	// and doctor fill in what the input leaves empty, and the match stops
	// when the conversation ends.
	ConversationID string
	Label          string
	Symptoms       []string
	Narrative      string
	Owner          string
	MinScore       float64
	Limit          int // default 5, max 50
}

// MatchPatternsOutput lists ranked matches from the first tier that had any.
type MatchPatternsOutput struct {
	Matches []pattern.MatchResult `json:"matches"`
	Total   int                   `json:"total"`
}

// MatchPatterns ranks stored patterns against the case.
func (c *Core) MatchPatterns(ctx context.Context, input MatchPatternsInput) (out *MatchPatternsOutput, err error) {
	defer c.observe("match_patterns", time.Now(), &err)

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultMatchLimit
	}
	if limit > MaxMatchLimit {
		limit = MaxMatchLimit
	}

	q := pattern.Query{
		Label:     strings.TrimSpace(input.Label),
		Symptoms:  input.Symptoms,
		Narrative: strings.TrimSpace(input.Narrative),
		Owner:     strings.TrimSpace(input.Owner),
		MinScore:  input.MinScore,
	}

	convID := strings.TrimSpace(input.ConversationID)
	if convID != "" {
		st, err := c.Tracker.Get(ctx, convID)
		if err != nil {
			return nil, err
		}
		if !st.Active {
			return nil, errors.NewInactive(convID)
		}
		if len(q.Symptoms) == 0 {
			q.Symptoms = st.Symptoms
		}
		if q.Owner == "" {
			q.Owner = st.DoctorID
		}

		cctx, cancel, err := c.Tracker.Context(ctx, convID)
		if err != nil {
			return nil, err
		}
		defer cancel()
		ctx = cctx
	}

	matches, err := c.Matcher.FindMatches(ctx, q)
	if err != nil {
		if stderrors.Is(err, conversation.ErrConversationEnded) {
			return nil, errors.NewInactive(convID)
		}
		return nil, err
	}

	total := len(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return &MatchPatternsOutput{Matches: matches, Total: total}, nil
}

// GetPatternInput contains parameters for GetPattern.
type GetPatternInput struct {
	ID string // required
}

// GetPattern returns a stored pattern.
func (c *Core) GetPattern(ctx context.Context, input GetPatternInput) (out *pattern.Pattern, err error) {
	defer c.observe("get_pattern", time.Now(), &err)

	return c.Matcher.GetByID(ctx, strings.TrimSpace(input.ID))
}

// ListPatternsInput contains parameters for ListPatterns.
type ListPatternsInput struct {
	Owner *string // optional; nil lists every pattern
}

// ListPatternsOutput lists patterns ordered by id.
type ListPatternsOutput struct {
	Patterns []pattern.Pattern `json:"patterns"`
}

// ListPatterns lists stored patterns, optionally for one owner.
func (c *Core) ListPatterns(ctx context.Context, input ListPatternsInput) (out *ListPatternsOutput, err error) {
	defer c.observe("list_patterns", time.Now(), &err)

	ps, err := c.Store.ListPatterns(ctx, input.Owner)
	if err != nil {
		return nil, err
	}
	return &ListPatternsOutput{Patterns: ps}, nil
}

// PutPatternInput contains parameters for PutPattern.
type PutPatternInput struct {
	Pattern pattern.Pattern
}

// PutPatternOutput reports the stored pattern id.
type PutPatternOutput struct {
	ID string `json:"id"`
}

// PutPattern stores an authored pattern, generating its id when empty.
// Usage counters of an existing pattern are kept.
func (c *Core) PutPattern(ctx context.Context, input PutPatternInput) (out *PutPatternOutput, err error) {
	defer c.observe("put_pattern", time.Now(), &err)

	p := input.Pattern
	if strings.TrimSpace(p.ID) == "" {
		p.ID = generateNewULID()
	}
	p.UsageCount, p.SuccessCount, p.LastUsedAt = 0, 0, nil
	if err := c.Matcher.Put(ctx, &p); err != nil {
		return nil, err
	}
	return &PutPatternOutput{ID: p.ID}, nil
}

// RecordPatternUsageInput contains parameters for RecordPatternUsage.
type RecordPatternUsageInput struct {
	ID       string // required
	Success  bool
	Feedback string // optional
}

// RecordPatternUsageOutput carries the counters after the update.
type RecordPatternUsageOutput struct {
	ID           string  `json:"id"`
	UsageCount   int     `json:"usage_count"`
	SuccessCount int     `json:"success_count"`
	SuccessRatio float64 `json:"success_ratio"`
}

// RecordPatternUsage counts one use of a pattern.
func (c *Core) RecordPatternUsage(ctx context.Context, input RecordPatternUsageInput) (out *RecordPatternUsageOutput, err error) {
	defer c.observe("record_pattern_usage", time.Now(), &err)

	id := strings.TrimSpace(input.ID)
	if err := c.Matcher.RecordUsage(ctx, id, input.Success, input.Feedback); err != nil {
		return nil, err
	}
	p, err := c.Matcher.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RecordPatternUsageOutput{
		ID:           p.ID,
		UsageCount:   p.UsageCount,
		SuccessCount: p.SuccessCount,
		SuccessRatio: p.SuccessRatio(),
	}, nil
}
