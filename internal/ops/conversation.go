package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/consult/internal/analyzer"
	"github.com/hpungsan/consult/internal/conversation"
	"github.com/hpungsan/consult/internal/errors"
)

// StartConversationInput contains parameters for StartConversation.
type StartConversationInput struct {
	ID       string // optional, generated when empty
	UserID   string // required
	DoctorID string // required
}

// ConversationOutput carries a conversation snapshot.
type ConversationOutput struct {
	Conversation *conversation.State `json:"conversation"`
}

// StartConversation creates a conversation in INQUIRY.
func (c *Core) StartConversation(ctx context.Context, input StartConversationInput) (out *ConversationOutput, err error) {
	defer c.observe("start_conversation", time.Now(), &err)

	userID, err := requireID("user_id", input.UserID)
	if err != nil {
		return nil, err
	}
	doctorID, err := requireID("doctor_id", input.DoctorID)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = ulid.Make().String()
	}

	st, err := c.Tracker.Create(ctx, id, userID, doctorID)
	if err != nil {
		return nil, err
	}
	return &ConversationOutput{Conversation: st}, nil
}

// SubmitMessageInput contains parameters for SubmitMessage.
type SubmitMessageInput struct {
	ConversationID string   // required
	Message        string   // required
	History        []string // earlier patient messages, oldest first
}

// SubmitMessageOutput is the analysis of a patient message and the
// conversation state after it was applied.
type SubmitMessageOutput struct {
	Analysis     analyzer.Result     `json:"analysis"`
	Conversation *conversation.State `json:"conversation"`
	// Accepted is false when the turn limit ended the conversation before
	// the message was analyzed.
	Accepted bool `json:"accepted"`
	Ended    bool `json:"ended"`
}

// SubmitMessage counts a patient turn, analyzes the message and applies
// the result: an ending ends the conversation, otherwise new symptoms are
// merged and a suggested stage is entered. The whole turn is one tracker
// mutation, so duplicate submissions for an id are applied in sequence.
func (c *Core) SubmitMessage(ctx context.Context, input SubmitMessageInput) (out *SubmitMessageOutput, err error) {
	defer c.observe("submit_message", time.Now(), &err)

	id, err := requireID("conversation_id", input.ConversationID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Message) == "" {
		return nil, errors.NewInvalidRequest("message is required")
	}

	res := analyzer.Result{Symptoms: []string{}}
	st, accepted, err := c.Tracker.SubmitTurn(ctx, id, func(st *conversation.State) conversation.TurnUpdate {
		res = c.Analyzer.AnalyzeUserMessage(input.Message, st.Stage, st.TurnCount, input.History)
		if res.ShouldEnd && res.EndType != nil {
			return conversation.TurnUpdate{End: res.EndType, EndReason: res.EndReason}
		}
		upd := conversation.TurnUpdate{Symptoms: res.Symptoms}
		if res.SuggestedStage != nil {
			upd.Stage = res.SuggestedStage
			upd.Reason = res.Reason
			upd.Confidence = res.Confidence
		}
		return upd
	})
	if err != nil {
		return nil, err
	}
	return &SubmitMessageOutput{
		Analysis:     res,
		Conversation: st,
		Accepted:     accepted,
		Ended:        !st.Active,
	}, nil
}

// ReviewReplyInput contains parameters for ReviewReply.
type ReviewReplyInput struct {
	ConversationID string // required
	Reply          string // required, the generated doctor reply
}

// ReviewReplyOutput is the analysis of a generated reply and the state
// after it was applied.
type ReviewReplyOutput struct {
	Analysis     analyzer.Result     `json:"analysis"`
	Conversation *conversation.State `json:"conversation"`
	Ended        bool                `json:"ended"`
}

// ReviewReply analyzes a generated reply before it is sent. An emergency
// referral ends the conversation; otherwise the diagnosis confidence is
// recorded and a suggested stage is entered.
func (c *Core) ReviewReply(ctx context.Context, input ReviewReplyInput) (out *ReviewReplyOutput, err error) {
	defer c.observe("review_reply", time.Now(), &err)

	id, err := requireID("conversation_id", input.ConversationID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Reply) == "" {
		return nil, errors.NewInvalidRequest("reply is required")
	}

	st, err := c.Tracker.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.Active {
		return nil, errors.NewInactive(id)
	}

	res := c.Analyzer.AnalyzeGeneratedReply(input.Reply, st.Stage)
	out = &ReviewReplyOutput{Analysis: res}

	if res.ShouldEnd && res.EndType != nil {
		st, err = c.Tracker.End(ctx, id, *res.EndType, res.EndReason, nil)
		if err != nil {
			return nil, err
		}
		out.Conversation = st
		out.Ended = true
		return out, nil
	}

	if res.DiagnosisConfidence > 0 {
		if st, err = c.Tracker.SetDiagnosisConfidence(ctx, id, res.DiagnosisConfidence); err != nil {
			return nil, err
		}
	}
	if res.SuggestedStage != nil {
		if st, err = c.Tracker.UpdateStage(ctx, id, *res.SuggestedStage, res.Reason, res.Confidence); err != nil {
			return nil, err
		}
	}
	out.Conversation = st
	out.Ended = !st.Active
	return out, nil
}

// SetStageInput contains parameters for SetStage.
type SetStageInput struct {
	ConversationID string   // required
	Stage          string   // required
	Reason         string   // optional
	Confidence     *float64 // optional, default 1.0
}

// SetStage moves a conversation to an explicit stage.
func (c *Core) SetStage(ctx context.Context, input SetStageInput) (out *ConversationOutput, err error) {
	defer c.observe("set_stage", time.Now(), &err)

	id, err := requireID("conversation_id", input.ConversationID)
	if err != nil {
		return nil, err
	}
	stage, perr := conversation.ParseStage(strings.ToUpper(strings.TrimSpace(input.Stage)))
	if perr != nil {
		return nil, errors.NewInvalidRequest(perr.Error())
	}
	confidence := 1.0
	if input.Confidence != nil {
		confidence = *input.Confidence
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = "set explicitly"
	}

	st, err := c.Tracker.UpdateStage(ctx, id, stage, reason, confidence)
	if err != nil {
		return nil, err
	}
	return &ConversationOutput{Conversation: st}, nil
}

// AddSymptomsInput contains parameters for AddSymptoms.
type AddSymptomsInput struct {
	ConversationID string   // required
	Symptoms       []string // required
}

// AddSymptoms merges symptoms into the conversation.
func (c *Core) AddSymptoms(ctx context.Context, input AddSymptomsInput) (out *ConversationOutput, err error) {
	defer c.observe("add_symptoms", time.Now(), &err)

	id, err := requireID("conversation_id", input.ConversationID)
	if err != nil {
		return nil, err
	}
	if len(input.Symptoms) == 0 {
		return nil, errors.NewInvalidRequest("symptoms must not be empty")
	}

	st, err := c.Tracker.UpdateSymptoms(ctx, id, input.Symptoms)
	if err != nil {
		return nil, err
	}
	return &ConversationOutput{Conversation: st}, nil
}

// CheckTimeoutInput contains parameters for CheckTimeout.
type CheckTimeoutInput struct {
	ConversationID string // required
}

// CheckTimeoutOutput reports the timeout outcome and the resulting state.
type CheckTimeoutOutput struct {
	conversation.TimeoutStatus
	Conversation *conversation.State `json:"conversation"`
}

// CheckTimeout applies the session and response timeouts.
func (c *Core) CheckTimeout(ctx context.Context, input CheckTimeoutInput) (out *CheckTimeoutOutput, err error) {
	defer c.observe("check_timeout", time.Now(), &err)

	id, err := requireID("conversation_id", input.ConversationID)
	if err != nil {
		return nil, err
	}
	status, err := c.Tracker.CheckTimeout(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := c.Tracker.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CheckTimeoutOutput{TimeoutStatus: status, Conversation: st}, nil
}

// EndConversationInput contains parameters for EndConversation.
type EndConversationInput struct {
	ConversationID string // required
	EndType        string // optional, default MANUAL
	Reason         string // optional
	Satisfaction   *int   // optional, 1..5
}

// EndConversation ends a conversation. Ending an ended conversation only
// records another summary.
func (c *Core) EndConversation(ctx context.Context, input EndConversationInput) (out *ConversationOutput, err error) {
	defer c.observe("end_conversation", time.Now(), &err)

	id, err := requireID("conversation_id", input.ConversationID)
	if err != nil {
		return nil, err
	}
	endType := conversation.EndManual
	if s := strings.TrimSpace(input.EndType); s != "" {
		et, perr := conversation.ParseEndType(strings.ToUpper(s))
		if perr != nil {
			return nil, errors.NewInvalidRequest(perr.Error())
		}
		endType = et
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = fmt.Sprintf("ended (%s)", strings.ToLower(string(endType)))
	}

	st, err := c.Tracker.End(ctx, id, endType, reason, input.Satisfaction)
	if err != nil {
		return nil, err
	}
	return &ConversationOutput{Conversation: st}, nil
}

// GetConversationInput contains parameters for GetConversation.
type GetConversationInput struct {
	ConversationID   string // required
	IncludeSummaries bool
}

// GetConversationOutput is a conversation snapshot with its end records.
type GetConversationOutput struct {
	Conversation *conversation.State   `json:"conversation"`
	Summaries    []conversation.Summary `json:"summaries,omitempty"`
}

// GetConversation returns a conversation snapshot.
func (c *Core) GetConversation(ctx context.Context, input GetConversationInput) (out *GetConversationOutput, err error) {
	defer c.observe("get_conversation", time.Now(), &err)

	id, err := requireID("conversation_id", input.ConversationID)
	if err != nil {
		return nil, err
	}
	st, err := c.Tracker.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out = &GetConversationOutput{Conversation: st}
	if input.IncludeSummaries {
		if out.Summaries, err = c.Tracker.Summaries(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}
