package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hpungsan/consult/internal/llm"
	"github.com/hpungsan/consult/internal/text"
)

// Similarity is a 0..1 score plus a short justification.
type Similarity struct {
	Score         float64 `json:"score"`
	Justification string  `json:"justification"`
}

// Scorer compares a patient narrative with a pattern's syndrome description.
type Scorer interface {
	Score(ctx context.Context, narrative, syndrome string) (Similarity, error)
}

// Local sub-score weights. Together with the 0.40 label weight they form
// the keyword score 0.40·label + 0.35·overlap + 0.25·jaccard.
const (
	overlapWeight = 0.35
	jaccardWeight = 0.25
)

// LocalKeywordScorer scores by symptom overlap and token Jaccard. It never
// fails and makes no external calls.
type LocalKeywordScorer struct {
	Lexicon *text.Lexicon
}

// NewLocalKeywordScorer returns a scorer over lex, or the default lexicon
// when lex is nil.
func NewLocalKeywordScorer(lex *text.Lexicon) *LocalKeywordScorer {
	if lex == nil {
		lex = text.DefaultLexicon()
	}
	return &LocalKeywordScorer{Lexicon: lex}
}

// Score implements Scorer using the symptoms extracted from narrative.
func (s *LocalKeywordScorer) Score(_ context.Context, narrative, syndrome string) (Similarity, error) {
	return s.ScoreSymptoms(nil, narrative, syndrome, syndrome), nil
}

// ScoreSymptoms returns the keyword sub-score on the same 0..1 scale as a
// semantic score. symptoms may be nil, in which case they are extracted
// from narrative. content is the text the symptoms are looked up in and
// patternNarrative is compared with narrative by Jaccard.
func (s *LocalKeywordScorer) ScoreSymptoms(symptoms []string, narrative, content, patternNarrative string) Similarity {
	lex := s.Lexicon
	want := canonicalSymptoms(lex, symptoms)
	if len(want) == 0 {
		want = lex.ExtractSymptoms(narrative)
	}

	terms := lex.TokenSet(content)
	for _, sym := range lex.ExtractSymptoms(content) {
		terms[sym] = struct{}{}
	}

	overlap := 0.0
	if len(want) > 0 {
		hits := 0
		for _, sym := range want {
			if _, ok := terms[sym]; ok {
				hits++
			}
		}
		overlap = float64(hits) / float64(len(want))
	}

	jaccard := jaccardIndex(lex.TokenSet(narrative), lex.TokenSet(patternNarrative))

	return Similarity{
		Score:         (overlapWeight*overlap + jaccardWeight*jaccard) / (overlapWeight + jaccardWeight),
		Justification: fmt.Sprintf("symptom overlap %.2f, text jaccard %.2f", overlap, jaccard),
	}
}

// canonicalSymptoms maps caller-supplied symptom phrases onto lexicon
// terms. A phrase the extractor does not recognise is kept as a
// lowercased, underscore-joined term.
func canonicalSymptoms(lex *text.Lexicon, symptoms []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if _, ok := seen[s]; !ok && s != "" {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, raw := range symptoms {
		if found := lex.ExtractSymptoms(raw); len(found) > 0 {
			for _, s := range found {
				add(s)
			}
			continue
		}
		add(strings.Join(text.Words(raw), "_"))
	}
	return out
}

func jaccardIndex(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// ErrMalformedScore is returned when the model reply has no usable score.
var ErrMalformedScore = errors.New("malformed similarity reply")

// RemoteScorer asks a completion model for a similarity judgement.
type RemoteScorer struct {
	Completer llm.Completer
	// MaxRetries bounds retries of transient failures within the caller's
	// deadline.
	MaxRetries uint64
	// Backoff is the first retry delay of the Fibonacci schedule.
	Backoff time.Duration
}

// NewRemoteScorer returns a scorer with two retries starting at 250ms.
func NewRemoteScorer(c llm.Completer) *RemoteScorer {
	return &RemoteScorer{Completer: c, MaxRetries: 2, Backoff: 250 * time.Millisecond}
}

const scorerSystemPrompt = `You compare a patient's account with a clinical syndrome description.
Reply with JSON only: {"score": <number from 0 to 1>, "justification": "<one short sentence>"}.
1 means the account fits the syndrome closely, 0 means unrelated.`

// Score implements Scorer. Timeouts and context cancellation are not
// retried.
func (s *RemoteScorer) Score(ctx context.Context, narrative, syndrome string) (Similarity, error) {
	messages := []llm.Message{
		{Role: "system", Content: scorerSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Patient account:\n%s\n\nSyndrome description:\n%s", narrative, syndrome)},
	}

	backoff := s.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	b := retry.WithMaxRetries(s.MaxRetries, retry.NewFibonacci(backoff))

	var out Similarity
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		reply, err := s.Completer.Complete(ctx, messages, llm.WithTemperature(0))
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, llm.ErrTimeout) {
				return err
			}
			return retry.RetryableError(err)
		}
		sim, err := parseSimilarity(reply)
		if err != nil {
			return retry.RetryableError(err)
		}
		out = sim
		return nil
	})
	if err != nil {
		return Similarity{}, err
	}
	return out, nil
}

// parseSimilarity extracts the JSON object from a model reply, tolerating
// code fences and surrounding prose.
func parseSimilarity(reply string) (Similarity, error) {
	s := strings.TrimSpace(reply)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return Similarity{}, fmt.Errorf("%w: %q", ErrMalformedScore, truncate(reply, 120))
	}

	var raw struct {
		Score         *float64 `json:"score"`
		Justification string   `json:"justification"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return Similarity{}, fmt.Errorf("%w: %v", ErrMalformedScore, err)
	}
	if raw.Score == nil || math.IsNaN(*raw.Score) {
		return Similarity{}, fmt.Errorf("%w: missing score", ErrMalformedScore)
	}
	return Similarity{
		Score:         clamp01(*raw.Score),
		Justification: strings.TrimSpace(raw.Justification),
	}, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
