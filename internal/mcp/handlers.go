package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/ops"
	"github.com/hpungsan/consult/internal/pattern"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	core *ops.Core
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(core *ops.Core) *Handlers {
	return &Handlers{core: core}
}

// Request types for each tool

// StartConversationRequest represents the arguments for conversation_start.
type StartConversationRequest struct {
	ID       string `json:"id,omitempty"`
	UserID   string `json:"user_id"`
	DoctorID string `json:"doctor_id"`
}

// SubmitMessageRequest represents the arguments for conversation_message.
type SubmitMessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	History        []string `json:"history,omitempty"`
}

// ReviewReplyRequest represents the arguments for conversation_review_reply.
type ReviewReplyRequest struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
}

// SetStageRequest represents the arguments for conversation_set_stage.
type SetStageRequest struct {
	ConversationID string   `json:"conversation_id"`
	Stage          string   `json:"stage"`
	Reason         string   `json:"reason,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
}

// AddSymptomsRequest represents the arguments for conversation_add_symptoms.
type AddSymptomsRequest struct {
	ConversationID string   `json:"conversation_id"`
	Symptoms       []string `json:"symptoms"`
}

// ConversationRequest carries only a conversation id.
type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

// EndConversationRequest represents the arguments for conversation_end.
type EndConversationRequest struct {
	ConversationID string `json:"conversation_id"`
	EndType        string `json:"end_type,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Satisfaction   *int   `json:"satisfaction,omitempty"`
}

// GetConversationRequest represents the arguments for conversation_get.
type GetConversationRequest struct {
	ConversationID   string `json:"conversation_id"`
	IncludeSummaries bool   `json:"include_summaries,omitempty"`
}

// PurgeRequest represents the arguments for conversation_purge.
type PurgeRequest struct {
	OlderThanDays *int `json:"older_than_days,omitempty"`
}

// CacheLookupRequest represents the arguments for cache_lookup.
type CacheLookupRequest struct {
	Query        string `json:"query"`
	DoctorID     string `json:"doctor_id"`
	StageContext string `json:"stage_context,omitempty"`
}

// CacheStoreRequest represents the arguments for cache_store.
type CacheStoreRequest struct {
	Query        string   `json:"query"`
	DoctorID     string   `json:"doctor_id"`
	Payload      string   `json:"payload"`
	AuxRefs      []string `json:"aux_refs,omitempty"`
	StageContext string   `json:"stage_context,omitempty"`
	Rating       *float64 `json:"rating,omitempty"`
}

// MatchPatternsRequest represents the arguments for pattern_match.
type MatchPatternsRequest struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Label          string   `json:"label,omitempty"`
	Symptoms       []string `json:"symptoms,omitempty"`
	Narrative      string   `json:"narrative,omitempty"`
	Owner          string   `json:"owner,omitempty"`
	MinScore       float64  `json:"min_score,omitempty"`
	Limit          int      `json:"limit,omitempty"`
}

// PatternIDRequest carries only a pattern id.
type PatternIDRequest struct {
	ID string `json:"id"`
}

// ListPatternsRequest represents the arguments for pattern_list.
type ListPatternsRequest struct {
	Owner *string `json:"owner,omitempty"`
}

// PutPatternRequest represents the arguments for pattern_put.
type PutPatternRequest struct {
	ID           string         `json:"id,omitempty"`
	OwnerID      *string        `json:"owner_id,omitempty"`
	DiseaseLabel string         `json:"disease_label"`
	Narrative    string         `json:"narrative,omitempty"`
	Nodes        []pattern.Node `json:"nodes,omitempty"`
}

// RecordUsageRequest represents the arguments for pattern_record_usage.
type RecordUsageRequest struct {
	ID       string `json:"id"`
	Success  bool   `json:"success,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// ImportRequest represents the arguments for pattern_import.
type ImportRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

// ExportRequest represents the arguments for pattern_export.
type ExportRequest struct {
	Path  string  `json:"path,omitempty"`
	Owner *string `json:"owner,omitempty"`
}

// Handler implementations

// HandleStartConversation handles the conversation_start tool call.
func (h *Handlers) HandleStartConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[StartConversationRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.StartConversation(ctx, ops.StartConversationInput{
		ID:       input.ID,
		UserID:   input.UserID,
		DoctorID: input.DoctorID,
	}))
}

// HandleSubmitMessage handles the conversation_message tool call.
func (h *Handlers) HandleSubmitMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SubmitMessageRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.SubmitMessage(ctx, ops.SubmitMessageInput{
		ConversationID: input.ConversationID,
		Message:        input.Message,
		History:        input.History,
	}))
}

// HandleReviewReply handles the conversation_review_reply tool call.
func (h *Handlers) HandleReviewReply(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ReviewReplyRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.ReviewReply(ctx, ops.ReviewReplyInput{
		ConversationID: input.ConversationID,
		Reply:          input.Reply,
	}))
}

// HandleSetStage handles the conversation_set_stage tool call.
func (h *Handlers) HandleSetStage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SetStageRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.SetStage(ctx, ops.SetStageInput{
		ConversationID: input.ConversationID,
		Stage:          input.Stage,
		Reason:         input.Reason,
		Confidence:     input.Confidence,
	}))
}

// HandleAddSymptoms handles the conversation_add_symptoms tool call.
func (h *Handlers) HandleAddSymptoms(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AddSymptomsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.AddSymptoms(ctx, ops.AddSymptomsInput{
		ConversationID: input.ConversationID,
		Symptoms:       input.Symptoms,
	}))
}

// HandleCheckTimeout handles the conversation_check_timeout tool call.
func (h *Handlers) HandleCheckTimeout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConversationRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.CheckTimeout(ctx, ops.CheckTimeoutInput{ConversationID: input.ConversationID}))
}

// HandleEndConversation handles the conversation_end tool call.
func (h *Handlers) HandleEndConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[EndConversationRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.EndConversation(ctx, ops.EndConversationInput{
		ConversationID: input.ConversationID,
		EndType:        input.EndType,
		Reason:         input.Reason,
		Satisfaction:   input.Satisfaction,
	}))
}

// HandleGetConversation handles the conversation_get tool call.
func (h *Handlers) HandleGetConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[GetConversationRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.GetConversation(ctx, ops.GetConversationInput{
		ConversationID:   input.ConversationID,
		IncludeSummaries: input.IncludeSummaries,
	}))
}

// HandlePurge handles the conversation_purge tool call.
func (h *Handlers) HandlePurge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[PurgeRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.Purge(ctx, ops.PurgeInput{OlderThanDays: input.OlderThanDays}))
}

// HandleCacheLookup handles the cache_lookup tool call.
func (h *Handlers) HandleCacheLookup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CacheLookupRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.CacheLookup(ctx, ops.CacheLookupInput{
		Query:        input.Query,
		DoctorID:     input.DoctorID,
		StageContext: input.StageContext,
	}))
}

// HandleCacheStore handles the cache_store tool call.
func (h *Handlers) HandleCacheStore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CacheStoreRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.CacheStore(ctx, ops.CacheStoreInput{
		Query:        input.Query,
		DoctorID:     input.DoctorID,
		Payload:      input.Payload,
		AuxRefs:      input.AuxRefs,
		StageContext: input.StageContext,
		Rating:       input.Rating,
	}))
}

// HandleCacheStats handles the cache_stats tool call.
func (h *Handlers) HandleCacheStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toResult(h.core.CacheStats(ctx))
}

// HandleMatchPatterns handles the pattern_match tool call.
func (h *Handlers) HandleMatchPatterns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[MatchPatternsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.MatchPatterns(ctx, ops.MatchPatternsInput{
		ConversationID: input.ConversationID,
		Label:          input.Label,
		Symptoms:       input.Symptoms,
		Narrative:      input.Narrative,
		Owner:          input.Owner,
		MinScore:       input.MinScore,
		Limit:          input.Limit,
	}))
}

// HandleGetPattern handles the pattern_get tool call.
func (h *Handlers) HandleGetPattern(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[PatternIDRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.GetPattern(ctx, ops.GetPatternInput{ID: input.ID}))
}

// HandleListPatterns handles the pattern_list tool call.
func (h *Handlers) HandleListPatterns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListPatternsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.ListPatterns(ctx, ops.ListPatternsInput{Owner: input.Owner}))
}

// HandlePutPattern handles the pattern_put tool call.
func (h *Handlers) HandlePutPattern(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[PutPatternRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.PutPattern(ctx, ops.PutPatternInput{Pattern: pattern.Pattern{
		ID:           input.ID,
		OwnerID:      input.OwnerID,
		DiseaseLabel: input.DiseaseLabel,
		Narrative:    input.Narrative,
		Nodes:        input.Nodes,
	}}))
}

// HandleRecordPatternUsage handles the pattern_record_usage tool call.
func (h *Handlers) HandleRecordPatternUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RecordUsageRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.RecordPatternUsage(ctx, ops.RecordPatternUsageInput{
		ID:       input.ID,
		Success:  input.Success,
		Feedback: input.Feedback,
	}))
}

// HandleImport handles the pattern_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.ImportPatterns(ctx, ops.ImportInput{
		Path: input.Path,
		Mode: ops.ImportMode(input.Mode),
	}))
}

// HandleExport handles the pattern_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return toResult(h.core.ExportPatterns(ctx, ops.ExportInput{
		Path:  input.Path,
		Owner: input.Owner,
	}))
}

// Result helpers

// toResult turns an operation's return values into a tool result.
func toResult[T any](data T, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(data)
}

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if ce, ok := errors.As(err); ok {
		errorObj := map[string]any{
			"code":    ce.Code,
			"message": ce.Message,
			"status":  ce.Status,
		}
		// Internal and persistence details can carry file paths or SQL.
		if ce.Code != errors.ErrInternal && ce.Code != errors.ErrPersistenceFailure && ce.Details != nil {
			errorObj["details"] = ce.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
