// Package analyzer classifies user messages and generated replies into
// consultation signals: intent, termination, symptoms, diagnosis confidence,
// prescription completeness and a suggested next stage.
package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hpungsan/consult/internal/conversation"
	"github.com/hpungsan/consult/internal/text"
)

// Intent is the classified purpose of a user message.
type Intent string

const (
	IntentTerminate Intent = "terminate"
	IntentConfirm   Intent = "confirm"
	IntentReject    Intent = "reject"
	IntentContinue  Intent = "continue"
	IntentSymptom   Intent = "symptom"
	IntentQuestion  Intent = "question"
	IntentGeneral   Intent = "general"
)

// Result is the outcome of analyzing one message.
type Result struct {
	SuggestedStage      *conversation.Stage   `json:"suggested_stage,omitempty"`
	Confidence          float64               `json:"confidence"`
	Reason              string                `json:"reason,omitempty"`
	ShouldEnd           bool                  `json:"should_end"`
	EndType             *conversation.EndType `json:"end_type,omitempty"`
	EndReason           string                `json:"end_reason,omitempty"`
	Intent              Intent                `json:"intent,omitempty"`
	Symptoms            []string              `json:"symptoms"`
	DiagnosisConfidence float64               `json:"diagnosis_confidence"`
	HasPrescription     bool                  `json:"has_prescription"`
	RequiresMoreInfo    bool                  `json:"requires_more_info"`
}

type stageIntent struct {
	stage  conversation.Stage
	intent Intent
}

type suggestion struct {
	to         conversation.Stage
	confidence float64
	reason     string
}

// stageRules is the (stage, intent) suggestion table.
var stageRules = map[stageIntent]suggestion{
	{conversation.StagePrescription, IntentConfirm}:        {conversation.StagePrescriptionConfirm, 0.9, "patient accepted the prescription"},
	{conversation.StagePrescription, IntentReject}:         {conversation.StageDetailedInquiry, 0.8, "patient rejected the prescription"},
	{conversation.StagePrescriptionConfirm, IntentReject}:  {conversation.StageDetailedInquiry, 0.8, "patient rejected the confirmed prescription"},
	{conversation.StagePrescriptionConfirm, IntentConfirm}: {conversation.StageCompleted, 0.9, "patient confirmed the prescription"},
	{conversation.StageInquiry, IntentSymptom}:             {conversation.StageDetailedInquiry, 0.8, "patient described symptoms"},
	{conversation.StageInterimAdvice, IntentContinue}:      {conversation.StageDetailedInquiry, 0.7, "patient asked to continue"},
}

type phrase struct {
	raw   string
	words []string
}

func compile(items []string) []phrase {
	out := make([]phrase, 0, len(items))
	for _, s := range items {
		if w := text.Words(s); len(w) > 0 {
			out = append(out, phrase{raw: s, words: w})
		}
	}
	return out
}

// firstMatch returns the first phrase in list order found in words.
func firstMatch(words []string, phrases []phrase) (string, bool) {
	for _, p := range phrases {
		if text.ContainsWords(words, p.words) {
			return p.raw, true
		}
	}
	return "", false
}

type weighted struct {
	phrase
	weight float64
}

// Analyzer is safe for concurrent use; it holds only compiled read-only data.
type Analyzer struct {
	rules Rules
	lex   *text.Lexicon

	emergency    []phrase
	closure      []phrase
	confirm      []phrase
	confirmLead  map[string]bool
	reject       []phrase
	rejectLead   map[string]bool
	negators     []phrase
	cont         []phrase
	questionLead map[string]bool
	confidence   []weighted
	technical    []phrase
	rxPhrases    []phrase
	pending      []phrase
	referral     []phrase

	lineLabelRe *regexp.Regexp
	dosageRe    *regexp.Regexp
}

// New compiles rules against lex. A nil lexicon means text.DefaultLexicon().
func New(lex *text.Lexicon, rules Rules) *Analyzer {
	if lex == nil {
		lex = text.DefaultLexicon()
	}
	a := &Analyzer{
		rules:        rules,
		lex:          lex,
		emergency:    compile(rules.EmergencyPhrases),
		closure:      compile(rules.ClosurePhrases),
		confirm:      compile(rules.ConfirmPhrases),
		confirmLead:  wordSet(rules.ConfirmLeadWords),
		reject:       compile(rules.RejectPhrases),
		rejectLead:   wordSet(rules.RejectLeadWords),
		negators:     compile(rules.Negators),
		cont:         compile(rules.ContinuePhrases),
		questionLead: wordSet(rules.QuestionWords),
		technical:    compile(rules.TechnicalTerms),
		rxPhrases:    compile(rules.PrescriptionPhrases),
		pending:      compile(rules.PendingPhrases),
		referral:     compile(rules.ReferralPhrases),
	}
	for _, t := range rules.ConfidenceTerms {
		if w := text.Words(t.Phrase); len(w) > 0 {
			a.confidence = append(a.confidence, weighted{phrase{t.Phrase, w}, t.Weight})
		}
	}

	if len(rules.PrescriptionLineLabels) > 0 {
		a.lineLabelRe = regexp.MustCompile(`(?im)^\s*(?:[-*]\s*)?(?:` + alternation(rules.PrescriptionLineLabels) + `)\s*[:：]`)
	}
	if len(rules.DosageUnits) > 0 {
		a.dosageRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(` + alternation(rules.DosageUnits) + `)\b`)
	}
	return a
}

// Default returns an Analyzer over the default lexicon and rules.
func Default() *Analyzer {
	return New(nil, DefaultRules())
}

// alternation builds a regex alternation, longest first so "tablets" is
// preferred over "tablet".
func alternation(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, s := range sorted {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(s))
	}
	return strings.Join(quoted, "|")
}

func wordSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[strings.ToLower(s)] = true
	}
	return set
}

// AnalyzeUserMessage classifies a patient message. history holds the
// patient's earlier messages; their symptoms are carried into the result.
//
// Termination is checked first and short-circuits: emergency language wins
// over closure language, and neither consults the stage table.
func (a *Analyzer) AnalyzeUserMessage(msg string, stage conversation.Stage, turnCount int, history []string) Result {
	words := text.Words(msg)
	res := Result{Symptoms: a.collectSymptoms(msg, history)}

	if p, ok := firstMatch(words, a.emergency); ok {
		endType := conversation.EndEmergency
		res.ShouldEnd = true
		res.EndType = &endType
		res.EndReason = fmt.Sprintf("emergency phrase detected: %q", p)
		res.Intent = IntentTerminate
		res.Confidence = 1.0
		return res
	}
	if p, ok := firstMatch(words, a.closure); ok {
		endType := conversation.EndNatural
		res.ShouldEnd = true
		res.EndType = &endType
		res.EndReason = fmt.Sprintf("closing phrase detected: %q", p)
		res.Intent = IntentTerminate
		res.Confidence = 0.9
		return res
	}

	res.Intent = a.classifyIntent(msg, words)
	res.RequiresMoreInfo = stage.IsInquiry() && len(res.Symptoms) == 0

	if s, ok := a.suggestForUser(stage, res.Intent, turnCount); ok {
		to := s.to
		res.SuggestedStage = &to
		res.Confidence = s.confidence
		res.Reason = s.reason
	}
	return res
}

// classifyIntent applies the ordered intent rules; the first match wins.
// A message that opens with a reject lead word or negates a confirm phrase
// is a rejection even when it contains confirm words.
func (a *Analyzer) classifyIntent(msg string, words []string) Intent {
	lead := ""
	if len(words) > 0 {
		lead = words[0]
	}

	if a.rejectLead[lead] {
		return IntentReject
	}
	confirmed, negated := a.confirmation(words)
	if negated {
		return IntentReject
	}
	if confirmed || a.confirmLead[lead] {
		return IntentConfirm
	}
	if _, ok := firstMatch(words, a.reject); ok {
		return IntentReject
	}
	if _, ok := firstMatch(words, a.cont); ok {
		return IntentContinue
	}
	if len(a.lex.ExtractSymptoms(msg)) > 0 {
		return IntentSymptom
	}
	if strings.ContainsAny(msg, "?？") || a.questionLead[lead] {
		return IntentQuestion
	}
	return IntentGeneral
}

// confirmation reports whether words hold a confirm phrase and whether any
// occurrence of one is negated.
func (a *Analyzer) confirmation(words []string) (confirmed, negated bool) {
	for _, p := range a.confirm {
		for i := 0; i+len(p.words) <= len(words); i++ {
			if !hasPrefix(words[i:], p.words) {
				continue
			}
			if a.negatedAt(words, i) {
				negated = true
			} else {
				confirmed = true
			}
		}
	}
	return confirmed, negated
}

// negatedAt reports whether a negator ends within NegationWindow words
// before position i.
func (a *Analyzer) negatedAt(words []string, i int) bool {
	for _, n := range a.negators {
		for gap := 0; gap <= a.rules.NegationWindow; gap++ {
			start := i - gap - len(n.words)
			if start >= 0 && hasPrefix(words[start:], n.words) {
				return true
			}
		}
	}
	return false
}

func hasPrefix(words, prefix []string) bool {
	if len(words) < len(prefix) {
		return false
	}
	for i, w := range prefix {
		if words[i] != w {
			return false
		}
	}
	return true
}

func (a *Analyzer) suggestForUser(stage conversation.Stage, intent Intent, turnCount int) (suggestion, bool) {
	if a.rules.ForcedProgressionTurns > 0 && turnCount >= a.rules.ForcedProgressionTurns &&
		(stage == conversation.StageDetailedInquiry || stage == conversation.StageInterimAdvice) {
		return suggestion{
			to:         conversation.StageDiagnosis,
			confidence: 0.8,
			reason:     fmt.Sprintf("inquiry reached %d turns", turnCount),
		}, true
	}
	s, ok := stageRules[stageIntent{stage, intent}]
	if !ok || !conversation.CanTransition(stage, s.to) {
		return suggestion{}, false
	}
	return s, true
}

func (a *Analyzer) collectSymptoms(msg string, history []string) []string {
	seen := make(map[string]struct{})
	for _, h := range history {
		for _, s := range a.lex.ExtractSymptoms(h) {
			seen[s] = struct{}{}
		}
	}
	for _, s := range a.lex.ExtractSymptoms(msg) {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// AnalyzeGeneratedReply inspects a generated reply for emergency referral,
// diagnosis confidence and prescription completeness. Suggested stages are
// always legal targets from stage.
func (a *Analyzer) AnalyzeGeneratedReply(reply string, stage conversation.Stage) Result {
	words := text.Words(reply)
	res := Result{
		Symptoms:            a.lex.ExtractSymptoms(reply),
		DiagnosisConfidence: a.DiagnosisConfidence(reply),
	}
	_, res.RequiresMoreInfo = firstMatch(words, a.pending)

	if p, ok := firstMatch(words, a.referral); ok {
		endType := conversation.EndEmergency
		res.ShouldEnd = true
		res.EndType = &endType
		res.EndReason = fmt.Sprintf("reply refers patient to emergency care: %q", p)
		res.Confidence = 1.0
		return res
	}

	res.HasPrescription = a.HasPrescription(reply)

	var s suggestion
	switch {
	case res.HasPrescription:
		s = suggestion{conversation.StagePrescription, 0.9, "reply contains a complete prescription"}
	case res.DiagnosisConfidence >= a.rules.DiagnosisThreshold:
		s = suggestion{conversation.StageDiagnosis, res.DiagnosisConfidence, "reply states a diagnosis"}
	case res.RequiresMoreInfo && stage == conversation.StageInquiry:
		s = suggestion{conversation.StageDetailedInquiry, 0.7, "reply asks for more information"}
	default:
		return res
	}
	if s.to != stage && conversation.CanTransition(stage, s.to) {
		to := s.to
		res.SuggestedStage = &to
		res.Confidence = s.confidence
		res.Reason = s.reason
	}
	return res
}

// DiagnosisConfidence takes the highest weight among matched hedge and
// assertion terms and adds a capped bonus per distinct technical term.
// The total never exceeds 1.0.
func (a *Analyzer) DiagnosisConfidence(reply string) float64 {
	words := text.Words(reply)

	base := 0.0
	for _, c := range a.confidence {
		if c.weight > base && text.ContainsWords(words, c.words) {
			base = c.weight
		}
	}

	distinct := 0
	for _, t := range a.technical {
		if text.ContainsWords(words, t.words) {
			distinct++
		}
	}
	bonus := float64(distinct) * a.rules.TechnicalTermBonus
	if bonus > a.rules.TechnicalBonusCap {
		bonus = a.rules.TechnicalBonusCap
	}

	total := base + bonus
	if total > 1.0 {
		total = 1.0
	}
	return total
}

// HasPrescription requires all of: prescription language or a labeled
// prescription line, at least MinDosageTokens distinct dosages, and no
// pending or more-information phrase anywhere in the reply.
func (a *Analyzer) HasPrescription(reply string) bool {
	words := text.Words(reply)

	_, marked := firstMatch(words, a.rxPhrases)
	if !marked && (a.lineLabelRe == nil || !a.lineLabelRe.MatchString(reply)) {
		return false
	}
	if a.countDosages(reply) < a.rules.MinDosageTokens {
		return false
	}
	if _, pending := firstMatch(words, a.pending); pending {
		return false
	}
	return true
}

func (a *Analyzer) countDosages(reply string) int {
	if a.dosageRe == nil {
		return 0
	}
	distinct := make(map[string]struct{})
	for _, m := range a.dosageRe.FindAllStringSubmatch(reply, -1) {
		distinct[m[1]+" "+strings.ToLower(m[2])] = struct{}{}
	}
	return len(distinct)
}
