package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/consult/internal/conversation"
)

func TestAnalyzeUserMessage_EmergencyEndsRegardlessOfStage(t *testing.T) {
	a := Default()

	for _, stage := range conversation.Stages {
		if stage.IsTerminal() {
			continue
		}
		t.Run(string(stage), func(t *testing.T) {
			// turnCount 9 would force DIAGNOSIS if suggestion rules were consulted
			res := a.AnalyzeUserMessage("unbearable chest pain, cannot breathe", stage, 9, nil)

			require.True(t, res.ShouldEnd)
			require.NotNil(t, res.EndType)
			assert.Equal(t, conversation.EndEmergency, *res.EndType)
			assert.Nil(t, res.SuggestedStage)
			assert.Equal(t, IntentTerminate, res.Intent)
		})
	}
}

func TestAnalyzeUserMessage_EmergencyBeatsClosure(t *testing.T) {
	a := Default()

	res := a.AnalyzeUserMessage("thanks doctor but I just passed out again", conversation.StageDiagnosis, 3, nil)

	require.True(t, res.ShouldEnd)
	assert.Equal(t, conversation.EndEmergency, *res.EndType)
}

func TestAnalyzeUserMessage_Closure(t *testing.T) {
	a := Default()

	res := a.AnalyzeUserMessage("That's all, thank you!", conversation.StagePrescriptionConfirm, 5, nil)

	require.True(t, res.ShouldEnd)
	assert.Equal(t, conversation.EndNatural, *res.EndType)
	assert.Nil(t, res.SuggestedStage)
}

func TestAnalyzeUserMessage_Intent(t *testing.T) {
	a := Default()

	tests := []struct {
		msg  string
		want Intent
	}{
		{"Yes, let's do that", IntentConfirm},
		{"sounds good to me", IntentConfirm},
		{"No, I'd rather try something else", IntentReject},
		{"not really what I expected", IntentReject},
		{"That's not correct", IntentReject},
		{"I don't accept this prescription", IntentReject},
		{"no, I do not confirm", IntentReject},
		{"I do not really accept that", IntentReject},
		{"Correct, I accept", IntentConfirm},
		{"please tell me more", IntentContinue},
		{"I have no fever but a bad cough", IntentSymptom},
		{"What should I eat?", IntentQuestion},
		{"how long will it take", IntentQuestion},
		{"my name is Sam", IntentGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			res := a.AnalyzeUserMessage(tt.msg, conversation.StageDetailedInquiry, 1, nil)
			if res.Intent != tt.want {
				t.Errorf("Intent = %q, want %q", res.Intent, tt.want)
			}
		})
	}
}

func TestAnalyzeUserMessage_StageTable(t *testing.T) {
	a := Default()

	tests := []struct {
		name  string
		msg   string
		stage conversation.Stage
		want  *conversation.Stage
	}{
		{"confirm in prescription", "yes please", conversation.StagePrescription, stagePtr(conversation.StagePrescriptionConfirm)},
		{"reject in prescription", "no, that doesn't fit", conversation.StagePrescription, stagePtr(conversation.StageDetailedInquiry)},
		{"reject in prescription confirm", "nope", conversation.StagePrescriptionConfirm, stagePtr(conversation.StageDetailedInquiry)},
		{"negated confirm in prescription", "That's not correct", conversation.StagePrescription, stagePtr(conversation.StageDetailedInquiry)},
		{"negated confirm in prescription confirm", "I don't accept this prescription", conversation.StagePrescriptionConfirm, stagePtr(conversation.StageDetailedInquiry)},
		{"confirm in prescription confirm", "ok", conversation.StagePrescriptionConfirm, stagePtr(conversation.StageCompleted)},
		{"symptoms in inquiry", "I've been coughing with a sore throat", conversation.StageInquiry, stagePtr(conversation.StageDetailedInquiry)},
		{"continue in interim advice", "go on", conversation.StageInterimAdvice, stagePtr(conversation.StageDetailedInquiry)},
		{"no rule", "what is this?", conversation.StageDiagnosis, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.AnalyzeUserMessage(tt.msg, tt.stage, 1, nil)
			if tt.want == nil {
				assert.Nil(t, res.SuggestedStage)
				return
			}
			require.NotNil(t, res.SuggestedStage)
			assert.Equal(t, *tt.want, *res.SuggestedStage)
			assert.True(t, conversation.CanTransition(tt.stage, *res.SuggestedStage))
		})
	}
}

func TestAnalyzeUserMessage_ForcedProgression(t *testing.T) {
	a := Default()

	for _, stage := range []conversation.Stage{conversation.StageDetailedInquiry, conversation.StageInterimAdvice} {
		res := a.AnalyzeUserMessage("go on", stage, 8, nil)
		require.NotNil(t, res.SuggestedStage, "stage %s", stage)
		assert.Equal(t, conversation.StageDiagnosis, *res.SuggestedStage)
	}

	// Below the threshold the table applies
	res := a.AnalyzeUserMessage("go on", conversation.StageInterimAdvice, 7, nil)
	require.NotNil(t, res.SuggestedStage)
	assert.Equal(t, conversation.StageDetailedInquiry, *res.SuggestedStage)

	// Other stages are not forced
	res = a.AnalyzeUserMessage("hmm", conversation.StageInquiry, 12, nil)
	assert.Nil(t, res.SuggestedStage)
}

func TestAnalyzeUserMessage_HistorySymptoms(t *testing.T) {
	a := Default()

	res := a.AnalyzeUserMessage("yes, that one", conversation.StageDetailedInquiry, 3,
		[]string{"I have a headache", "and some nausea"})

	assert.Equal(t, []string{"headache", "nausea"}, res.Symptoms)
	assert.Equal(t, IntentConfirm, res.Intent)
}

func TestDiagnosisConfidence(t *testing.T) {
	a := Default()

	tests := []struct {
		name string
		text string
		min  float64
		max  float64
	}{
		{"confirmed with two technical terms", "Confirmed diagnosis: chronic gastritis.", 0.9, 1.0},
		{"capped at one", "Confirmed: chronic bacterial pharyngitis with inflammation and infection.", 1.0, 1.0},
		{"max weight wins", "This is possibly, probably, likely a cold.", 0.7, 0.7},
		{"preliminary", "A preliminary impression only.", 0.3, 0.3},
		{"technical bonus capped", "syndrome etiology deficiency stagnation dampness", 0.15, 0.15},
		{"nothing", "Drink water and rest.", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.DiagnosisConfidence(tt.text)
			assert.InDelta(t, tt.min, got, 1e-9+tt.max-tt.min)
			assert.GreaterOrEqual(t, got, tt.min-1e-9)
			assert.LessOrEqual(t, got, tt.max+1e-9)
		})
	}
}

func TestHasPrescription(t *testing.T) {
	a := Default()

	complete := "Final prescription:\n" +
		"Ginseng 10 g\nLicorice 6 g\nAstragalus 15 g\n" +
		"Take twice daily."

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"complete", complete, true},
		{"line labels instead of phrase", "Rx: amoxicillin 500 mg\nDosage: 2 tablets, 5 ml syrup", true},
		{"no structural marker", "Ginseng 10 g, Licorice 6 g, Astragalus 15 g", false},
		{"too few dosages", "Final prescription: Ginseng 10 g, Licorice 6 g", false},
		{"repeated dosage counts once", "Final prescription: A 10 g, B 10 g, C 10 g", false},
		{"pending phrase vetoes", complete + "\nPlease confirm your allergies first.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.HasPrescription(tt.text); got != tt.want {
				t.Errorf("HasPrescription() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnalyzeGeneratedReply(t *testing.T) {
	a := Default()

	t.Run("prescription suggested from diagnosis", func(t *testing.T) {
		reply := "Final prescription:\nGinseng 10 g\nLicorice 6 g\nAstragalus 15 g"
		res := a.AnalyzeGeneratedReply(reply, conversation.StageDiagnosis)
		assert.True(t, res.HasPrescription)
		require.NotNil(t, res.SuggestedStage)
		assert.Equal(t, conversation.StagePrescription, *res.SuggestedStage)
	})

	t.Run("prescription not suggested from inquiry", func(t *testing.T) {
		reply := "Final prescription:\nGinseng 10 g\nLicorice 6 g\nAstragalus 15 g"
		res := a.AnalyzeGeneratedReply(reply, conversation.StageInquiry)
		assert.True(t, res.HasPrescription)
		assert.Nil(t, res.SuggestedStage)
	})

	t.Run("confident diagnosis", func(t *testing.T) {
		res := a.AnalyzeGeneratedReply("This is most likely acute bronchitis.", conversation.StageDetailedInquiry)
		assert.GreaterOrEqual(t, res.DiagnosisConfidence, 0.7)
		require.NotNil(t, res.SuggestedStage)
		assert.Equal(t, conversation.StageDiagnosis, *res.SuggestedStage)
	})

	t.Run("asks for more information", func(t *testing.T) {
		res := a.AnalyzeGeneratedReply("Could you tell me how long the cough has lasted?", conversation.StageInquiry)
		assert.True(t, res.RequiresMoreInfo)
		require.NotNil(t, res.SuggestedStage)
		assert.Equal(t, conversation.StageDetailedInquiry, *res.SuggestedStage)
		assert.Equal(t, []string{"cough"}, res.Symptoms)
	})

	t.Run("emergency referral", func(t *testing.T) {
		res := a.AnalyzeGeneratedReply("Please go to the emergency room right away.", conversation.StageDiagnosis)
		assert.True(t, res.ShouldEnd)
		assert.Equal(t, conversation.EndEmergency, *res.EndType)
		assert.Nil(t, res.SuggestedStage)
	})
}

func TestNew_CustomRules(t *testing.T) {
	rules := DefaultRules()
	rules.EmergencyPhrases = []string{"code red"}
	a := New(nil, rules)

	res := a.AnalyzeUserMessage("code red!", conversation.StageInquiry, 0, nil)
	assert.True(t, res.ShouldEnd)

	res = a.AnalyzeUserMessage("chest pain", conversation.StageInquiry, 0, nil)
	assert.False(t, res.ShouldEnd)
}

func stagePtr(s conversation.Stage) *conversation.Stage {
	return &s
}
