package text

import (
	"regexp"
	"sort"
	"strings"
)

// tokenRegex matches runs of letters, digits and underscores in any script.
var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}_]+`)

func tokenize(lower string) []string {
	return tokenRegex.FindAllString(lower, -1)
}

// Words lowercases s and splits it into raw word tokens in order, without
// stopword removal or synonym mapping.
func Words(s string) []string {
	return tokenize(strings.ToLower(s))
}

// ContainsWords reports whether needle occurs as a contiguous word
// sequence in words.
func ContainsWords(words, needle []string) bool {
	return len(needle) > 0 && indexWords(words, needle) >= 0
}

// Normalize turns free text into sorted canonical tokens:
// 1. Lowercase and split on anything that is not a letter, digit or underscore
// 2. Replace known phrases with one canonical token, longest phrase first
// 3. Drop stopwords
// 4. Map token synonyms to their canonical term
// 5. Sort
//
// Repeated terms are kept so callers can weight by frequency.
func (l *Lexicon) Normalize(s string) []string {
	words := l.applyPhrases(tokenize(strings.ToLower(s)))

	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := l.stopwords[w]; stop {
			continue
		}
		if canonical, ok := l.data.TokenSynonyms[w]; ok {
			w = canonical
		}
		if _, stop := l.stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// applyPhrases replaces every matched phrase window with its canonical token.
func (l *Lexicon) applyPhrases(words []string) []string {
	if len(l.phrases) == 0 {
		return words
	}
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		matched := false
		for _, p := range l.phrases {
			if hasPrefixWords(words[i:], p.words) {
				out = append(out, p.canonical)
				i += len(p.words)
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, words[i])
			i++
		}
	}
	return out
}

func hasPrefixWords(words, prefix []string) bool {
	if len(prefix) > len(words) {
		return false
	}
	for i := range prefix {
		if words[i] != prefix[i] {
			return false
		}
	}
	return true
}

// TokenSet returns the distinct canonical tokens of s.
func (l *Lexicon) TokenSet(s string) map[string]struct{} {
	tokens := l.Normalize(s)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// ExtractSymptoms returns the sorted, de-duplicated symptoms mentioned in s.
// A symptom is either a canonical token in the symptom keyword set or a
// compound shape over the raw words:
//
//	<quality> <part> pain  ->  <part>_pain   ("sharp knee pain")
//	<part> pain            ->  <part>_pain   ("neck pain")
//	<adjective> <part>     ->  <adjective>_<part>   ("swollen knees")
func (l *Lexicon) ExtractSymptoms(s string) []string {
	found := make(map[string]struct{})

	for _, tok := range l.Normalize(s) {
		if l.IsSymptom(tok) {
			found[tok] = struct{}{}
		}
	}

	words := tokenize(strings.ToLower(s))
	for i := 0; i < len(words); i++ {
		w := words[i]
		if _, ok := l.qualities[w]; ok && i+2 < len(words) {
			if part, ok := l.data.BodyParts[words[i+1]]; ok && words[i+2] == "pain" {
				found[part+"_pain"] = struct{}{}
				i += 2
				continue
			}
		}
		if part, ok := l.data.BodyParts[w]; ok && i+1 < len(words) && words[i+1] == "pain" {
			found[part+"_pain"] = struct{}{}
			i++
			continue
		}
		if _, ok := l.adjectives[w]; ok && i+1 < len(words) {
			if part, ok := l.data.BodyParts[words[i+1]]; ok {
				found[w+"_"+part] = struct{}{}
				i++
			}
		}
	}

	out := make([]string, 0, len(found))
	for sym := range found {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// ExtractPrimaryLabel finds the label whose alias occurs earliest in s.
// When two aliases start at the same position the longer one wins, so
// "migraine headache" beats "headache" style overlaps. aliases maps a
// canonical label to its surface forms; the label itself always counts.
// A nil table means the lexicon's own aliases.
func (l *Lexicon) ExtractPrimaryLabel(s string, aliases map[string][]string) (string, bool) {
	if aliases == nil {
		aliases = l.data.Aliases
	}
	words := tokenize(strings.ToLower(s))
	if len(words) == 0 {
		return "", false
	}

	labels := make([]string, 0, len(aliases))
	for label := range aliases {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	best, bestPos, bestLen := "", -1, 0
	for _, label := range labels {
		forms := append([]string{label}, aliases[label]...)
		for _, form := range forms {
			fw := tokenize(strings.ToLower(form))
			if len(fw) == 0 {
				continue
			}
			pos := indexWords(words, fw)
			if pos < 0 {
				continue
			}
			if bestPos < 0 || pos < bestPos || (pos == bestPos && len(fw) > bestLen) {
				best, bestPos, bestLen = label, pos, len(fw)
			}
		}
	}
	return best, bestPos >= 0
}

// indexWords returns the word offset of the first occurrence of needle in words.
func indexWords(words, needle []string) int {
	for i := 0; i+len(needle) <= len(words); i++ {
		if hasPrefixWords(words[i:], needle) {
			return i
		}
	}
	return -1
}

// Normalize runs DefaultLexicon().Normalize.
func Normalize(s string) []string {
	return DefaultLexicon().Normalize(s)
}

// ExtractSymptoms runs DefaultLexicon().ExtractSymptoms.
func ExtractSymptoms(s string) []string {
	return DefaultLexicon().ExtractSymptoms(s)
}

// ExtractPrimaryLabel runs DefaultLexicon().ExtractPrimaryLabel.
func ExtractPrimaryLabel(s string, aliases map[string][]string) (string, bool) {
	return DefaultLexicon().ExtractPrimaryLabel(s, aliases)
}
