package mcp

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/consult/internal/config"
	"github.com/hpungsan/consult/internal/ops"
)

// KnownTypes lists all valid type names.
var KnownTypes = []string{"conversation", "cache", "pattern"}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"conversation_start": {
		def:     startConversationToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStartConversation },
	},
	"conversation_message": {
		def:     submitMessageToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSubmitMessage },
	},
	"conversation_review_reply": {
		def:     reviewReplyToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReviewReply },
	},
	"conversation_set_stage": {
		def:     setStageToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSetStage },
	},
	"conversation_add_symptoms": {
		def:     addSymptomsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAddSymptoms },
	},
	"conversation_check_timeout": {
		def:     checkTimeoutToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCheckTimeout },
	},
	"conversation_end": {
		def:     endConversationToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEndConversation },
	},
	"conversation_get": {
		def:     getConversationToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGetConversation },
	},
	"conversation_purge": {
		def:     purgeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePurge },
	},
	"cache_lookup": {
		def:     cacheLookupToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCacheLookup },
	},
	"cache_store": {
		def:     cacheStoreToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCacheStore },
	},
	"cache_stats": {
		def:     cacheStatsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCacheStats },
	},
	"pattern_match": {
		def:     matchPatternsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleMatchPatterns },
	},
	"pattern_get": {
		def:     getPatternToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGetPattern },
	},
	"pattern_list": {
		def:     listPatternsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleListPatterns },
	},
	"pattern_put": {
		def:     putPatternToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePutPattern },
	},
	"pattern_record_usage": {
		def:     recordUsageToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRecordPatternUsage },
	},
	"pattern_import": {
		def:     importToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleImport },
	},
	"pattern_export": {
		def:     exportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// ValidateDisabledTypes returns a list of unknown type names from the given list.
func ValidateDisabledTypes(names []string) []string {
	known := make(map[string]bool, len(KnownTypes))
	for _, t := range KnownTypes {
		known[t] = true
	}

	unknown := make([]string, 0)
	for _, name := range names {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool extracts the type name from a tool name.
// Tool names follow the pattern "type_action" (e.g., "cache_lookup" → "cache").
func GetTypeForTool(toolName string) string {
	if idx := strings.Index(toolName, "_"); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

// ExpandTypesToTools returns all tool names belonging to the given types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	tools := make([]string, 0)
	for name := range toolRegistry {
		if typeSet[GetTypeForTool(name)] {
			tools = append(tools, name)
		}
	}
	return tools
}

// NewServer creates an MCP server exposing the consultation tools.
// Tools listed in cfg.DisabledTools or belonging to cfg.DisabledTypes
// are excluded from registration.
func NewServer(core *ops.Core, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"consult",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	h := NewHandlers(core)

	disabled := make(map[string]bool)
	for _, tool := range ExpandTypesToTools(cfg.DisabledTypes) {
		disabled[tool] = true
	}
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(core *ops.Core, cfg *config.Config, version string) error {
	s := NewServer(core, cfg, version)
	return server.ServeStdio(s)
}

// ToolHandlerFunc is the signature for tool handlers.
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
