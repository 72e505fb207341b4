package mcp

import "github.com/mark3labs/mcp-go/mcp"

var stageNames = []string{
	"INQUIRY", "DETAILED_INQUIRY", "INTERIM_ADVICE", "DIAGNOSIS",
	"PRESCRIPTION", "PRESCRIPTION_CONFIRM", "COMPLETED", "TIMEOUT", "EMERGENCY",
}

var endTypeNames = []string{
	"NATURAL", "PRESCRIPTION_COMPLETE", "SYSTEM_LIMIT", "TIMEOUT", "EMERGENCY", "EMERGENCY_REFERRAL", "MANUAL",
}

var startConversationToolDef = mcp.NewTool("conversation_start",
	mcp.WithDescription("Start a consultation in the INQUIRY stage."),
	mcp.WithString("id", mcp.Description("Conversation id. Generated when omitted.")),
	mcp.WithString("user_id", mcp.Required(), mcp.Description("Patient id")),
	mcp.WithString("doctor_id", mcp.Required(), mcp.Description("Doctor persona id")),
)

var submitMessageToolDef = mcp.NewTool("conversation_message",
	mcp.WithDescription("Count a patient turn, analyze the message and apply the result: "+
		"emergencies and farewells end the conversation, symptoms are merged and a suggested stage is entered."),
	mcp.WithString("conversation_id", mcp.Required()),
	mcp.WithString("message", mcp.Required(), mcp.Description("The patient's message")),
	mcp.WithArray("history", mcp.WithStringItems(),
		mcp.Description("Earlier patient messages, oldest first. Their symptoms are carried into the analysis.")),
)

var reviewReplyToolDef = mcp.NewTool("conversation_review_reply",
	mcp.WithDescription("Analyze a generated doctor reply before it is sent: emergency referrals end the conversation, "+
		"diagnosis confidence is recorded and complete prescriptions move to PRESCRIPTION."),
	mcp.WithString("conversation_id", mcp.Required()),
	mcp.WithString("reply", mcp.Required()),
)

var setStageToolDef = mcp.NewTool("conversation_set_stage",
	mcp.WithDescription("Move a conversation to a stage allowed by the transition table."),
	mcp.WithString("conversation_id", mcp.Required()),
	mcp.WithString("stage", mcp.Required(), mcp.Enum(stageNames...)),
	mcp.WithString("reason"),
	mcp.WithNumber("confidence", mcp.Min(0), mcp.Max(1), mcp.Description("Default 1.0")),
)

var addSymptomsToolDef = mcp.NewTool("conversation_add_symptoms",
	mcp.WithDescription("Merge symptoms into the conversation's symptom set."),
	mcp.WithString("conversation_id", mcp.Required()),
	mcp.WithArray("symptoms", mcp.Required(), mcp.WithStringItems()),
)

var checkTimeoutToolDef = mcp.NewTool("conversation_check_timeout",
	mcp.WithDescription("Apply the response and session timeouts. Returns ok, warning, ended or inactive."),
	mcp.WithString("conversation_id", mcp.Required()),
)

var endConversationToolDef = mcp.NewTool("conversation_end",
	mcp.WithDescription("End a conversation and record a summary. Ending an ended conversation only adds a summary."),
	mcp.WithString("conversation_id", mcp.Required()),
	mcp.WithString("end_type", mcp.Enum(endTypeNames...), mcp.Description("Default MANUAL")),
	mcp.WithString("reason"),
	mcp.WithNumber("satisfaction", mcp.Min(1), mcp.Max(5)),
)

var getConversationToolDef = mcp.NewTool("conversation_get",
	mcp.WithDescription("Return a conversation snapshot with its stage history."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("conversation_id", mcp.Required()),
	mcp.WithBoolean("include_summaries", mcp.Description("Include the end summaries")),
)

var purgeToolDef = mcp.NewTool("conversation_purge",
	mcp.WithDescription("Permanently delete ended conversations. Active conversations are never purged."),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithNumber("older_than_days", mcp.Min(0), mcp.Description("Only purge conversations idle for longer")),
)

var cacheLookupToolDef = mcp.NewTool("cache_lookup",
	mcp.WithDescription("Find a cached answer for a patient query, by normalized key or approximate match "+
		"among the doctor's entries."),
	mcp.WithString("query", mcp.Required()),
	mcp.WithString("doctor_id", mcp.Required()),
	mcp.WithString("stage_context", mcp.Description("Stage the answer is for; breaks ties between candidates")),
)

var cacheStoreToolDef = mcp.NewTool("cache_store",
	mcp.WithDescription("Cache a generated answer for a patient query."),
	mcp.WithString("query", mcp.Required()),
	mcp.WithString("doctor_id", mcp.Required()),
	mcp.WithString("payload", mcp.Required(), mcp.Description("The answer text")),
	mcp.WithArray("aux_refs", mcp.WithStringItems(), mcp.Description("Pattern ids or other references used")),
	mcp.WithString("stage_context"),
	mcp.WithNumber("rating", mcp.Min(0), mcp.Max(5)),
)

var cacheStatsToolDef = mcp.NewTool("cache_stats",
	mcp.WithDescription("Return cache hit counters, entry count and footprint."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var matchPatternsToolDef = mcp.NewTool("pattern_match",
	mcp.WithDescription("Rank stored clinical patterns against a case. Tiers are tried in order "+
		"(owner, shared, global) and the first tier with qualifying matches wins."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("conversation_id", mcp.Description("Fills in symptoms and owner from the conversation")),
	mcp.WithString("label", mcp.Description("Suspected disease label")),
	mcp.WithArray("symptoms", mcp.WithStringItems()),
	mcp.WithString("narrative", mcp.Description("Free-text case description")),
	mcp.WithString("owner", mcp.Description("Doctor id whose own patterns are tried first")),
	mcp.WithNumber("min_score", mcp.Min(0), mcp.Max(1)),
	mcp.WithNumber("limit", mcp.Min(1), mcp.Max(50), mcp.Description("Default 5")),
)

var getPatternToolDef = mcp.NewTool("pattern_get",
	mcp.WithDescription("Return a stored pattern by id."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("id", mcp.Required()),
)

var listPatternsToolDef = mcp.NewTool("pattern_list",
	mcp.WithDescription("List stored patterns, optionally for one owner (\"__shared__\" for the shared pool)."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("owner"),
)

var putPatternToolDef = mcp.NewTool("pattern_put",
	mcp.WithDescription("Store an authored pattern. Usage counters of an existing pattern are kept."),
	mcp.WithString("id", mcp.Description("Generated when omitted")),
	mcp.WithString("owner_id", mcp.Description("Doctor id, \"__shared__\", or omitted for the global pool")),
	mcp.WithString("disease_label", mcp.Required()),
	mcp.WithString("narrative"),
	mcp.WithArray("nodes", mcp.Items(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role":    map[string]any{"type": "string", "enum": []string{"symptom", "diagnosis", "formula", "branch"}},
			"content": map[string]any{"type": "string"},
		},
		"required": []string{"role", "content"},
	})),
)

var recordUsageToolDef = mcp.NewTool("pattern_record_usage",
	mcp.WithDescription("Count one use of a pattern and whether it helped."),
	mcp.WithString("id", mcp.Required()),
	mcp.WithBoolean("success"),
	mcp.WithString("feedback"),
)

var importToolDef = mcp.NewTool("pattern_import",
	mcp.WithDescription("Import patterns from a .jsonl export or an authored .md document."),
	mcp.WithString("path", mcp.Required()),
	mcp.WithString("mode", mcp.Enum("error", "replace", "rename"), mcp.Description("Collision handling, default error")),
)

var exportToolDef = mcp.NewTool("pattern_export",
	mcp.WithDescription("Export patterns with their usage counters to a .jsonl file."),
	mcp.WithString("path", mcp.Description("Default: imports/patterns-<owner>-<timestamp>.jsonl")),
	mcp.WithString("owner"),
)
