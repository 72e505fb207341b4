package analyzer

// WeightedTerm is a hedge or assertion phrase with its confidence weight.
type WeightedTerm struct {
	Phrase string  `json:"phrase"`
	Weight float64 `json:"weight"`
}

// Rules is the phrase data behind the analyzer. It is plain data so the
// matching logic can be tested against swapped lists.
type Rules struct {
	// EmergencyPhrases end a conversation with EMERGENCY when a user says them.
	EmergencyPhrases []string `json:"emergency_phrases"`

	// ClosurePhrases end a conversation naturally.
	ClosurePhrases []string `json:"closure_phrases"`

	// ConfirmPhrases match anywhere; ConfirmLeadWords only as the first word.
	ConfirmPhrases   []string `json:"confirm_phrases"`
	ConfirmLeadWords []string `json:"confirm_lead_words"`

	// RejectPhrases match anywhere; RejectLeadWords only as the first word,
	// so "no fever" in a symptom list is not read as a rejection.
	RejectPhrases   []string `json:"reject_phrases"`
	RejectLeadWords []string `json:"reject_lead_words"`

	// Negators turn a confirm phrase into a rejection when one ends at most
	// NegationWindow words before it ("not correct", "don't really accept").
	Negators       []string `json:"negators"`
	NegationWindow int      `json:"negation_window"`

	ContinuePhrases []string `json:"continue_phrases"`

	// QuestionWords mark a question when they open the message.
	QuestionWords []string `json:"question_words"`

	// ConfidenceTerms are checked in order; the maximum matched weight wins.
	ConfidenceTerms []WeightedTerm `json:"confidence_terms"`

	// TechnicalTerms each add TechnicalTermBonus, up to TechnicalBonusCap.
	TechnicalTerms     []string `json:"technical_terms"`
	TechnicalTermBonus float64  `json:"technical_term_bonus"`
	TechnicalBonusCap  float64  `json:"technical_bonus_cap"`

	// PrescriptionPhrases are explicit final-prescription language.
	PrescriptionPhrases []string `json:"prescription_phrases"`

	// PrescriptionLineLabels are role labels that open a line ("Rx:", "Dosage:").
	PrescriptionLineLabels []string `json:"prescription_line_labels"`

	// DosageUnits follow a quantity to form a dosage token ("10 mg").
	DosageUnits []string `json:"dosage_units"`

	// MinDosageTokens is how many distinct dosage tokens a prescription needs.
	MinDosageTokens int `json:"min_dosage_tokens"`

	// PendingPhrases veto prescription detection and mark RequiresMoreInfo.
	PendingPhrases []string `json:"pending_phrases"`

	// ReferralPhrases in a generated reply mean the patient was sent to
	// emergency care.
	ReferralPhrases []string `json:"referral_phrases"`

	// ForcedProgressionTurns moves long inquiries to DIAGNOSIS.
	ForcedProgressionTurns int `json:"forced_progression_turns"`

	// DiagnosisThreshold is the reply confidence that suggests DIAGNOSIS.
	DiagnosisThreshold float64 `json:"diagnosis_threshold"`
}

// DefaultRules returns the built-in phrase data.
func DefaultRules() Rules {
	return Rules{
		EmergencyPhrases: []string{
			"chest pain", "unbearable pain", "unbearable", "excruciating", "severe pain",
			"cannot breathe", "can't breathe", "can not breathe", "unable to breathe",
			"difficulty breathing", "trouble breathing", "not breathing", "choking",
			"uncontrolled bleeding", "bleeding heavily", "won't stop bleeding", "heavy bleeding",
			"loss of consciousness", "lost consciousness", "passed out", "fainted", "unconscious",
			"seizure", "convulsions", "stroke", "paralysis", "suicidal", "kill myself",
			"overdose", "coughing blood", "vomiting blood", "coughing up blood",
		},
		ClosurePhrases: []string{
			"thank you", "thanks", "goodbye", "bye", "see you", "that's all", "that is all",
			"no more questions", "i feel better", "problem solved", "all good now", "much appreciated",
		},
		ConfirmPhrases: []string{
			"sounds good", "that's right", "that is right", "i agree", "agreed", "confirm",
			"confirmed", "correct", "accept", "i'll take it", "go ahead", "exactly",
		},
		ConfirmLeadWords: []string{"yes", "yeah", "yep", "ok", "okay", "sure", "right"},
		RejectPhrases: []string{
			"not really", "i disagree", "don't agree", "do not agree", "reject", "that's wrong",
			"that is wrong", "not right", "not correct", "something else", "doesn't fit",
			"does not fit", "i don't want",
		},
		RejectLeadWords: []string{"no", "nope", "nah"},
		Negators: []string{
			"not", "no", "never", "don't", "do not", "doesn't", "does not", "didn't", "did not",
			"won't", "will not", "can't", "cannot", "isn't", "is not",
		},
		NegationWindow: 1,
		ContinuePhrases: []string{
			"continue", "go on", "tell me more", "more details", "more detail", "what else",
			"and then", "next step", "keep going", "more information",
		},
		QuestionWords: []string{
			"what", "why", "how", "when", "where", "which", "who", "can", "could", "should",
			"is", "are", "do", "does", "will", "would",
		},
		ConfidenceTerms: []WeightedTerm{
			{Phrase: "confirmed", Weight: 0.9},
			{Phrase: "definitely", Weight: 0.85},
			{Phrase: "diagnosed as", Weight: 0.85},
			{Phrase: "consistent with", Weight: 0.75},
			{Phrase: "likely", Weight: 0.7},
			{Phrase: "probably", Weight: 0.6},
			{Phrase: "suggests", Weight: 0.55},
			{Phrase: "possibly", Weight: 0.45},
			{Phrase: "may be", Weight: 0.4},
			{Phrase: "preliminary", Weight: 0.3},
		},
		TechnicalTerms: []string{
			"syndrome", "pathogenesis", "etiology", "deficiency", "stagnation", "dampness", "qi",
			"yin", "yang", "meridian", "inflammation", "infection", "bacterial", "viral", "chronic",
			"acute", "differential", "prognosis", "contraindication", "pharyngitis", "bronchitis",
			"gastritis", "rhinitis", "tonsillitis", "dermatitis", "hypertension", "pulse", "tongue",
		},
		TechnicalTermBonus: 0.05,
		TechnicalBonusCap:  0.15,
		PrescriptionPhrases: []string{
			"final prescription", "complete prescription", "full prescription",
			"prescription is as follows", "here is your prescription",
		},
		PrescriptionLineLabels: []string{
			"rx", "prescription", "formula", "dosage", "directions", "usage", "ingredients",
		},
		DosageUnits: []string{
			"mg", "mcg", "g", "kg", "ml", "l", "iu", "units", "unit", "tablets", "tablet",
			"capsules", "capsule", "pills", "pill", "drops", "drop", "tsp", "tbsp", "sachets", "sachet",
		},
		MinDosageTokens: 3,
		PendingPhrases: []string{
			"more information", "need more information", "please describe", "describe further",
			"pending confirmation", "please confirm", "can you tell me", "could you tell me",
			"need to know", "before prescribing", "before i prescribe", "further details",
		},
		ReferralPhrases: []string{
			"emergency room", "emergency department", "go to the emergency", "call emergency",
			"call an ambulance", "call 911", "call 120", "seek immediate medical",
			"immediate medical attention", "go to the hospital immediately",
		},
		ForcedProgressionTurns: 8,
		DiagnosisThreshold:     0.7,
	}
}
