package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/consult/internal/analyzer"
	"github.com/hpungsan/consult/internal/config"
	"github.com/hpungsan/consult/internal/conversation"
	"github.com/hpungsan/consult/internal/errors"
)

func startConversation(t *testing.T, env *testEnv, id string) *conversation.State {
	t.Helper()
	out, err := env.core.StartConversation(context.Background(), StartConversationInput{
		ID:       id,
		UserID:   "patient-1",
		DoctorID: "dr-a",
	})
	require.NoError(t, err)
	return out.Conversation
}

func TestStartConversation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	st := startConversation(t, env, "")
	assert.NotEmpty(t, st.ID, "id is generated when omitted")
	assert.Equal(t, conversation.StageInquiry, st.Stage)
	assert.True(t, st.Active)

	startConversation(t, env, "c-1")
	_, err := env.core.StartConversation(ctx, StartConversationInput{ID: "c-1", UserID: "u", DoctorID: "d"})
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))

	_, err = env.core.StartConversation(ctx, StartConversationInput{UserID: "u"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestSubmitMessage_SymptomsAdvanceInquiry(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	startConversation(t, env, "c-1")

	out, err := env.core.SubmitMessage(ctx, SubmitMessageInput{
		ConversationID: "c-1",
		Message:        "I have a cough and a fever",
	})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.False(t, out.Ended)
	assert.Equal(t, analyzer.IntentSymptom, out.Analysis.Intent)
	assert.Equal(t, []string{"cough", "fever"}, out.Conversation.Symptoms)
	assert.Equal(t, conversation.StageDetailedInquiry, out.Conversation.Stage)
	assert.Equal(t, 1, out.Conversation.TurnCount)
}

func TestSubmitMessage_HistorySymptomsAreMerged(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	startConversation(t, env, "c-1")

	out, err := env.core.SubmitMessage(ctx, SubmitMessageInput{
		ConversationID: "c-1",
		Message:        "and now a headache",
		History:        []string{"I was feverish yesterday"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fever", "headache"}, out.Conversation.Symptoms)
}

func TestSubmitMessage_Endings(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		wantEnd   conversation.EndType
		wantStage conversation.Stage
	}{
		{"emergency", "I have chest pain and cannot breathe", conversation.EndEmergency, conversation.StageEmergency},
		{"closure", "thank you, goodbye", conversation.EndNatural, conversation.StageCompleted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			ctx := context.Background()
			startConversation(t, env, "c-1")

			out, err := env.core.SubmitMessage(ctx, SubmitMessageInput{ConversationID: "c-1", Message: tc.message})
			require.NoError(t, err)
			assert.True(t, out.Ended)
			assert.False(t, out.Conversation.Active)
			require.NotNil(t, out.Conversation.EndType)
			assert.Equal(t, tc.wantEnd, *out.Conversation.EndType)
			assert.Equal(t, tc.wantStage, out.Conversation.Stage)

			_, err = env.core.SubmitMessage(ctx, SubmitMessageInput{ConversationID: "c-1", Message: "hello?"})
			assert.True(t, errors.Is(err, errors.ErrInactive))
		})
	}
}

func TestSubmitMessage_TurnLimit(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) { c.MaxTurns = 2 })
	ctx := context.Background()
	startConversation(t, env, "c-1")

	for i := 0; i < 2; i++ {
		out, err := env.core.SubmitMessage(ctx, SubmitMessageInput{ConversationID: "c-1", Message: "hmm"})
		require.NoError(t, err)
		assert.True(t, out.Accepted)
	}

	out, err := env.core.SubmitMessage(ctx, SubmitMessageInput{ConversationID: "c-1", Message: "hmm"})
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.True(t, out.Ended)
	require.NotNil(t, out.Conversation.EndType)
	assert.Equal(t, conversation.EndSystemLimit, *out.Conversation.EndType)
}

func TestSubmitMessage_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.core.SubmitMessage(ctx, SubmitMessageInput{ConversationID: "c-1", Message: "  "})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = env.core.SubmitMessage(ctx, SubmitMessageInput{ConversationID: "missing", Message: "hi"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestReviewReply(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	startConversation(t, env, "c-1")
	_, err := env.core.SubmitMessage(ctx, SubmitMessageInput{ConversationID: "c-1", Message: "I have a cough and a fever"})
	require.NoError(t, err)

	out, err := env.core.ReviewReply(ctx, ReviewReplyInput{
		ConversationID: "c-1",
		Reply:          "This is likely bronchitis, an acute viral infection.",
	})
	require.NoError(t, err)
	assert.False(t, out.Ended)
	assert.Greater(t, out.Analysis.DiagnosisConfidence, 0.7)
	assert.Equal(t, conversation.StageDiagnosis, out.Conversation.Stage)
	assert.InDelta(t, out.Analysis.DiagnosisConfidence, out.Conversation.DiagnosisConfidence, 1e-9)

	out, err = env.core.ReviewReply(ctx, ReviewReplyInput{
		ConversationID: "c-1",
		Reply:          "Please go to the emergency room right away.",
	})
	require.NoError(t, err)
	assert.True(t, out.Ended)
	assert.Equal(t, conversation.StageEmergency, out.Conversation.Stage)

	_, err = env.core.ReviewReply(ctx, ReviewReplyInput{ConversationID: "c-1", Reply: "anything"})
	assert.True(t, errors.Is(err, errors.ErrInactive))
}

func TestSetStage(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	startConversation(t, env, "c-1")

	out, err := env.core.SetStage(ctx, SetStageInput{ConversationID: "c-1", Stage: "detailed_inquiry"})
	require.NoError(t, err)
	assert.Equal(t, conversation.StageDetailedInquiry, out.Conversation.Stage)
	last := out.Conversation.History[len(out.Conversation.History)-1]
	assert.Equal(t, "set explicitly", last.Reason)
	assert.Equal(t, 1.0, last.Confidence)

	_, err = env.core.SetStage(ctx, SetStageInput{ConversationID: "c-1", Stage: "INQUIRY"})
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = env.core.SetStage(ctx, SetStageInput{ConversationID: "c-1", Stage: "NOWHERE"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	bad := 1.5
	_, err = env.core.SetStage(ctx, SetStageInput{ConversationID: "c-1", Stage: "DIAGNOSIS", Confidence: &bad})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestAddSymptoms(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	startConversation(t, env, "c-1")

	out, err := env.core.AddSymptoms(ctx, AddSymptomsInput{ConversationID: "c-1", Symptoms: []string{"fever", "cough", "fever"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"cough", "fever"}, out.Conversation.Symptoms)

	_, err = env.core.AddSymptoms(ctx, AddSymptomsInput{ConversationID: "c-1"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCheckTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	startConversation(t, env, "c-1")

	out, err := env.core.CheckTimeout(ctx, CheckTimeoutInput{ConversationID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, conversation.TimeoutNone, out.Outcome)

	env.clock.Advance(6 * time.Minute)
	out, err = env.core.CheckTimeout(ctx, CheckTimeoutInput{ConversationID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, conversation.TimeoutWarning, out.Outcome)
	assert.Equal(t, 1, out.Conversation.TimeoutWarnings)

	env.clock.Advance(30 * time.Minute)
	out, err = env.core.CheckTimeout(ctx, CheckTimeoutInput{ConversationID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, conversation.TimeoutEnded, out.Outcome)
	assert.Equal(t, conversation.StageTimeout, out.Conversation.Stage)
}

func TestEndConversation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	startConversation(t, env, "c-1")

	five := 5
	out, err := env.core.EndConversation(ctx, EndConversationInput{ConversationID: "c-1", Satisfaction: &five})
	require.NoError(t, err)
	require.NotNil(t, out.Conversation.EndType)
	assert.Equal(t, conversation.EndManual, *out.Conversation.EndType)

	// A second end only adds a summary.
	env.clock.Advance(time.Minute)
	_, err = env.core.EndConversation(ctx, EndConversationInput{ConversationID: "c-1", EndType: "emergency_referral"})
	require.NoError(t, err)

	got, err := env.core.GetConversation(ctx, GetConversationInput{ConversationID: "c-1", IncludeSummaries: true})
	require.NoError(t, err)
	assert.Equal(t, conversation.EndManual, *got.Conversation.EndType)
	require.Len(t, got.Summaries, 2)
	require.NotNil(t, got.Summaries[0].Satisfaction)
	assert.Equal(t, 5, *got.Summaries[0].Satisfaction)
	assert.Equal(t, conversation.EndEmergency, got.Summaries[1].EndType)

	_, err = env.core.EndConversation(ctx, EndConversationInput{ConversationID: "c-1", EndType: "whatever"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
