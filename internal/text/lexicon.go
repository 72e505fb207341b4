package text

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Data is the externally configurable word-list data behind the normalizer.
// Every field is optional in a lexicon file; loaded values are merged into
// the defaults (lists are unioned, map entries overwrite).
type Data struct {
	Stopwords []string `json:"stopwords,omitempty"`

	// PhraseSynonyms maps a multi-word surface phrase to one canonical token,
	// e.g. "shortness of breath" -> "dyspnea".
	PhraseSynonyms map[string]string `json:"phrase_synonyms,omitempty"`

	// TokenSynonyms maps a single surface token to its canonical term.
	TokenSynonyms map[string]string `json:"token_synonyms,omitempty"`

	// SymptomKeywords are canonical tokens that count as symptoms.
	SymptomKeywords []string `json:"symptom_keywords,omitempty"`

	// BodyParts maps a surface body-part word to its canonical singular form.
	BodyParts map[string]string `json:"body_parts,omitempty"`

	// PainQualities precede "<part> pain" in compound symptoms ("sharp back pain").
	PainQualities []string `json:"pain_qualities,omitempty"`

	// SymptomAdjectives precede a body part in compound symptoms ("swollen knee").
	SymptomAdjectives []string `json:"symptom_adjectives,omitempty"`

	// Aliases maps a canonical disease/complaint label to its surface synonyms.
	Aliases map[string][]string `json:"aliases,omitempty"`
}

type phraseRule struct {
	words     []string
	canonical string
}

// Lexicon is compiled Data. It is read-only after construction and safe
// for concurrent use.
type Lexicon struct {
	data       Data
	stopwords  map[string]struct{}
	symptoms   map[string]struct{}
	qualities  map[string]struct{}
	adjectives map[string]struct{}
	phrases    []phraseRule
	maxPhrase  int

	// aliasGroup maps every lowercased label or alias to its canonical label.
	aliasGroup map[string]string
}

// New compiles d into a Lexicon.
func New(d Data) *Lexicon {
	l := &Lexicon{
		data:       d,
		stopwords:  toSet(d.Stopwords),
		symptoms:   toSet(d.SymptomKeywords),
		qualities:  toSet(d.PainQualities),
		adjectives: toSet(d.SymptomAdjectives),
		aliasGroup: make(map[string]string),
	}

	for phrase, canonical := range d.PhraseSynonyms {
		words := tokenize(strings.ToLower(phrase))
		if len(words) == 0 {
			continue
		}
		l.phrases = append(l.phrases, phraseRule{words: words, canonical: canonical})
		if len(words) > l.maxPhrase {
			l.maxPhrase = len(words)
		}
	}
	// Longest phrase first; ties broken lexically so application is deterministic
	sort.Slice(l.phrases, func(i, j int) bool {
		if len(l.phrases[i].words) != len(l.phrases[j].words) {
			return len(l.phrases[i].words) > len(l.phrases[j].words)
		}
		return strings.Join(l.phrases[i].words, " ") < strings.Join(l.phrases[j].words, " ")
	})

	labels := make([]string, 0, len(d.Aliases))
	for label := range d.Aliases {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		canonical := strings.ToLower(strings.TrimSpace(label))
		if _, taken := l.aliasGroup[canonical]; !taken {
			l.aliasGroup[canonical] = canonical
		}
		for _, alias := range d.Aliases[label] {
			a := strings.ToLower(strings.TrimSpace(alias))
			if _, taken := l.aliasGroup[a]; a != "" && !taken {
				l.aliasGroup[a] = canonical
			}
		}
	}

	return l
}

// Data returns a copy of the lexicon's source data.
func (l *Lexicon) Data() Data {
	return cloneData(l.data)
}

// Aliases returns the label alias table. Callers must not modify it.
func (l *Lexicon) Aliases() map[string][]string {
	return l.data.Aliases
}

// CanonicalLabel maps a label or any of its aliases to the canonical label.
// Unknown labels are returned lowercased and trimmed.
func (l *Lexicon) CanonicalLabel(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	if canonical, ok := l.aliasGroup[key]; ok {
		return canonical
	}
	return key
}

// AliasSet returns every surface form of label's alias group, canonical first.
// A label with no group yields just itself.
func (l *Lexicon) AliasSet(label string) []string {
	canonical := l.CanonicalLabel(label)
	out := []string{canonical}
	for _, alias := range l.data.Aliases[canonical] {
		a := strings.ToLower(strings.TrimSpace(alias))
		if a != "" && a != canonical {
			out = append(out, a)
		}
	}
	return out
}

// IsSymptom reports whether token is a known canonical symptom keyword.
func (l *Lexicon) IsSymptom(token string) bool {
	_, ok := l.symptoms[token]
	return ok
}

// LoadLexicon reads a JSON lexicon file and merges it over the defaults.
func LoadLexicon(path string) (*Lexicon, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse lexicon %s: %w", path, err)
	}
	return New(MergeData(DefaultData(), d)), nil
}

// MergeData unions lists and overlays map entries of overlay onto base.
func MergeData(base, overlay Data) Data {
	out := cloneData(base)
	out.Stopwords = union(out.Stopwords, overlay.Stopwords)
	out.SymptomKeywords = union(out.SymptomKeywords, overlay.SymptomKeywords)
	out.PainQualities = union(out.PainQualities, overlay.PainQualities)
	out.SymptomAdjectives = union(out.SymptomAdjectives, overlay.SymptomAdjectives)
	for k, v := range overlay.PhraseSynonyms {
		out.PhraseSynonyms[k] = v
	}
	for k, v := range overlay.TokenSynonyms {
		out.TokenSynonyms[k] = v
	}
	for k, v := range overlay.BodyParts {
		out.BodyParts[k] = v
	}
	for k, v := range overlay.Aliases {
		out.Aliases[k] = union(out.Aliases[k], v)
	}
	return out
}

func cloneData(d Data) Data {
	out := Data{
		Stopwords:         append([]string(nil), d.Stopwords...),
		SymptomKeywords:   append([]string(nil), d.SymptomKeywords...),
		PainQualities:     append([]string(nil), d.PainQualities...),
		SymptomAdjectives: append([]string(nil), d.SymptomAdjectives...),
		PhraseSynonyms:    make(map[string]string, len(d.PhraseSynonyms)),
		TokenSynonyms:     make(map[string]string, len(d.TokenSynonyms)),
		BodyParts:         make(map[string]string, len(d.BodyParts)),
		Aliases:           make(map[string][]string, len(d.Aliases)),
	}
	for k, v := range d.PhraseSynonyms {
		out.PhraseSynonyms[k] = v
	}
	for k, v := range d.TokenSynonyms {
		out.TokenSynonyms[k] = v
	}
	for k, v := range d.BodyParts {
		out.BodyParts[k] = v
	}
	for k, v := range d.Aliases {
		out.Aliases[k] = append([]string(nil), v...)
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[strings.ToLower(s)] = struct{}{}
	}
	return set
}
