package pattern

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/logger"
	"github.com/hpungsan/consult/internal/metrics"
	"github.com/hpungsan/consult/internal/text"
)

const logModule = "pattern"

const labelWeight = 0.40

// Scoring paths reported on each result.
const (
	PathSemantic      = "semantic"
	PathLocal         = "local"
	PathLocalFallback = "local_fallback"
)

// Tier names in query order.
const (
	TierOwner  = "owner"
	TierShared = "shared"
	TierGlobal = "global"
)

// Query describes the case to match.
type Query struct {
	Label     string   `json:"label,omitempty"`
	Symptoms  []string `json:"symptoms,omitempty"`
	Narrative string   `json:"narrative,omitempty"`
	// Owner scopes tier 1. Empty skips straight to the shared pool.
	Owner string `json:"owner,omitempty"`
	// MinScore is the tier 1 acceptance threshold. Zero means the
	// configured default.
	MinScore float64 `json:"min_score,omitempty"`
}

// MatchResult is one ranked candidate.
type MatchResult struct {
	PatternID           string  `json:"pattern_id"`
	DiseaseLabel        string  `json:"disease_label"`
	Score               float64 `json:"score"`
	Confidence          float64 `json:"confidence"`
	Reason              string  `json:"reason"`
	SyndromeDescription string  `json:"syndrome_description"`
	Path                string  `json:"path"`
	Tier                string  `json:"tier"`
}

// MatcherOptions configures a Matcher. Zero values take the defaults.
type MatcherOptions struct {
	DefaultMinScore float64
	// TierRelaxation multiplies the minimum score for the owner, shared and
	// global tiers in that order.
	TierRelaxation []float64
	ScorerTimeout  time.Duration
	Parallelism    int

	Lexicon *text.Lexicon
	Now     func() time.Time
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

func (o *MatcherOptions) applyDefaults() {
	if o.DefaultMinScore <= 0 {
		o.DefaultMinScore = 0.3
	}
	if len(o.TierRelaxation) == 0 {
		o.TierRelaxation = []float64{1.0, 0.9, 0.8}
	}
	if o.ScorerTimeout <= 0 {
		o.ScorerTimeout = 30 * time.Second
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
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

// Matcher ranks stored patterns against a case. It is safe for concurrent
// use.
type Matcher struct {
	store  Store
	remote Scorer
	local  *LocalKeywordScorer
	opts   MatcherOptions
	log    logger.Logger
}

// NewMatcher creates a Matcher. remote may be nil, in which case every
// candidate is scored locally.
func NewMatcher(store Store, remote Scorer, opts MatcherOptions) *Matcher {
	opts.applyDefaults()
	return &Matcher{
		store:  store,
		remote: remote,
		local:  NewLocalKeywordScorer(opts.Lexicon),
		opts:   opts,
		log:    opts.Logger,
	}
}

type tier struct {
	name  string
	owner *string
	relax float64
}

func (m *Matcher) tiers(owner string) []tier {
	relax := func(i int) float64 {
		if i < len(m.opts.TierRelaxation) {
			return m.opts.TierRelaxation[i]
		}
		return m.opts.TierRelaxation[len(m.opts.TierRelaxation)-1]
	}
	shared := SharedOwner
	var out []tier
	if owner != "" && owner != SharedOwner {
		out = append(out, tier{name: TierOwner, owner: &owner, relax: relax(0)})
	}
	out = append(out,
		tier{name: TierShared, owner: &shared, relax: relax(1)},
		tier{name: TierGlobal, owner: nil, relax: relax(2)},
	)
	return out
}

// FindMatches walks the tiers and returns the qualifying candidates of the
// first tier that has any, best first. Later tiers are not loaded. An
// empty result means no tier qualified.
func (m *Matcher) FindMatches(ctx context.Context, q Query) ([]MatchResult, error) {
	if q.MinScore < 0 || q.MinScore > 1 {
		return nil, errors.NewInvalidRequest("min_score must be between 0 and 1")
	}
	if strings.TrimSpace(q.Label) == "" && len(q.Symptoms) == 0 && strings.TrimSpace(q.Narrative) == "" {
		return nil, errors.NewInvalidRequest("label, symptoms or narrative is required")
	}
	minScore := q.MinScore
	if minScore == 0 {
		minScore = m.opts.DefaultMinScore
	}

	for _, t := range m.tiers(q.Owner) {
		patterns, err := m.store.ListPatterns(ctx, t.owner)
		if err != nil {
			return nil, err
		}
		if len(patterns) == 0 {
			continue
		}

		scored, err := m.scoreAll(ctx, q, patterns, t.name)
		if err != nil {
			return nil, err
		}

		threshold := minScore * t.relax
		var qualified []MatchResult
		for _, r := range scored {
			if r.Score >= threshold {
				qualified = append(qualified, r)
			}
		}
		if len(qualified) == 0 {
			continue
		}

		sortResults(qualified)
		for _, r := range qualified {
			m.opts.Metrics.RecordPatternMatch(r.Path)
		}
		m.log.Debug(logModule, "tier matched", map[string]any{
			"tier":      t.name,
			"owner":     q.Owner,
			"threshold": threshold,
			"matches":   len(qualified),
		})
		return qualified, nil
	}
	return []MatchResult{}, nil
}

func sortResults(rs []MatchResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		if rs[i].Confidence != rs[j].Confidence {
			return rs[i].Confidence > rs[j].Confidence
		}
		return rs[i].PatternID < rs[j].PatternID
	})
}

// scoreAll scores every pattern with at most Parallelism in flight. It
// fails only when ctx ends.
func (m *Matcher) scoreAll(ctx context.Context, q Query, patterns []Pattern, tierName string) ([]MatchResult, error) {
	narrative := strings.TrimSpace(q.Narrative)
	if narrative == "" {
		narrative = strings.Join(q.Symptoms, ", ")
	}

	results := make([]MatchResult, len(patterns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Parallelism)
	for i := range patterns {
		p := &patterns[i]
		g.Go(func() error {
			r, err := m.score(gctx, q, narrative, p)
			if err != nil {
				return err
			}
			r.Tier = tierName
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (m *Matcher) score(ctx context.Context, q Query, narrative string, p *Pattern) (MatchResult, error) {
	label := labelScore(m.opts.Lexicon, q.Label, p.DiseaseLabel)
	syndrome := p.SyndromeDescription()

	path := PathLocal
	var sim Similarity
	usedSemantic := false
	if m.remote != nil && narrative != "" {
		var err error
		sim, usedSemantic, err = m.semanticScore(ctx, p.ID, narrative, syndrome)
		if err != nil {
			return MatchResult{}, err
		}
		if !usedSemantic {
			path = PathLocalFallback
		} else {
			path = PathSemantic
		}
	}
	if !usedSemantic {
		sim = m.local.ScoreSymptoms(q.Symptoms, narrative, p.Content(), p.Narrative)
	}

	score := clamp01(labelWeight*label + (1-labelWeight)*sim.Score)
	return MatchResult{
		PatternID:           p.ID,
		DiseaseLabel:        p.DiseaseLabel,
		Score:               score,
		Confidence:          confidence(score, p),
		Reason:              reason(label, sim),
		SyndromeDescription: syndrome,
		Path:                path,
	}, nil
}

// confidence blends the match score with the pattern's track record.
func confidence(score float64, p *Pattern) float64 {
	if p.UsageCount == 0 {
		return score
	}
	return clamp01(0.7*score + 0.3*p.SuccessRatio())
}

func reason(label float64, sim Similarity) string {
	var kind string
	switch label {
	case 1.0:
		kind = "exact label"
	case aliasLabelScore:
		kind = "alias label"
	case substringLabelScore:
		kind = "partial label"
	default:
		kind = "no label match"
	}
	if sim.Justification == "" {
		return kind
	}
	return kind + "; " + sim.Justification
}

type scoreResult struct {
	sim Similarity
	err error
}

// semanticScore runs the remote scorer under its own timeout. It reports
// ok=false when the remote path failed and the caller should fall back to
// the local score. If ctx ends first the call is abandoned: it keeps
// running in the background until its own timeout, its result is only
// logged, and ctx's cause is returned.
func (m *Matcher) semanticScore(ctx context.Context, patternID, narrative, syndrome string) (Similarity, bool, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ScorerTimeout)

	ch := make(chan scoreResult, 1)
	go func() {
		defer cancel()
		sim, err := m.remote.Score(callCtx, narrative, syndrome)
		ch <- scoreResult{sim: sim, err: err}
	}()

	settle := func(r scoreResult) (Similarity, bool, error) {
		elapsed := time.Since(start)
		if r.err != nil {
			m.opts.Metrics.RecordScorerCall(elapsed, true)
			m.log.Warn(logModule, "semantic scorer failed, using local score", map[string]any{
				"pattern_id": patternID,
				"elapsed_ms": elapsed.Milliseconds(),
				"error":      r.err,
			})
			return Similarity{}, false, nil
		}
		m.opts.Metrics.RecordScorerCall(elapsed, false)
		return r.sim, true, nil
	}

	select {
	case r := <-ch:
		return settle(r)
	case <-callCtx.Done():
		select {
		case r := <-ch:
			return settle(r)
		default:
		}
		m.drain(ch, patternID, start)
		return settle(scoreResult{err: context.Cause(callCtx)})
	case <-ctx.Done():
		m.drain(ch, patternID, start)
		return Similarity{}, false, context.Cause(ctx)
	}
}

// drain waits for an abandoned call in the background and logs its outcome.
func (m *Matcher) drain(ch <-chan scoreResult, patternID string, start time.Time) {
	go func() {
		r := <-ch
		details := map[string]any{
			"pattern_id": patternID,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}
		if r.err != nil {
			details["error"] = r.err.Error()
		} else {
			details["score"] = r.sim.Score
		}
		m.log.Debug(logModule, "abandoned semantic call finished", details)
	}()
}

// GetByID returns a pattern or a NOT_FOUND error.
func (m *Matcher) GetByID(ctx context.Context, id string) (*Pattern, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.NewInvalidRequest("pattern id is required")
	}
	return m.store.GetPattern(ctx, id)
}

// RecordUsage counts one use of a pattern and, when success is true, one
// success. Concurrent calls never lose an increment.
func (m *Matcher) RecordUsage(ctx context.Context, id string, success bool, feedback string) error {
	if strings.TrimSpace(id) == "" {
		return errors.NewInvalidRequest("pattern id is required")
	}
	return m.store.RecordPatternUsage(ctx, Feedback{
		PatternID: id,
		Success:   success,
		Feedback:  strings.TrimSpace(feedback),
		CreatedAt: m.opts.Now().UTC(),
	})
}

// Put validates and stores an authored pattern.
func (m *Matcher) Put(ctx context.Context, p *Pattern) error {
	if err := p.Validate(); err != nil {
		return errors.NewInvalidRequest(err.Error())
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.opts.Now().UTC()
	}
	return m.store.UpsertPattern(ctx, p)
}
