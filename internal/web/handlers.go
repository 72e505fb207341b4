package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/ops"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	core    *ops.Core
	version string
}

// HandleIndex handles GET / and lists the available endpoints.
func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string]any{
		"service": "consult",
		"version": h.version,
		"endpoints": []string{
			"GET /healthz",
			"GET /conversations/{id}",
			"POST /conversations/{id}/timeout",
			"POST /conversations/purge",
			"GET /patterns",
			"GET /patterns/{id}",
			"GET /cache/stats",
			"GET /metrics",
		},
	})
}

// HandleHealth handles GET /healthz by pinging the database.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Store.DB().PingContext(r.Context()); err != nil {
		h.renderError(w, errors.NewServiceUnavailable("database", err))
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleConversation handles GET /conversations/{id}.
func (h *Handlers) HandleConversation(w http.ResponseWriter, r *http.Request) {
	out, err := h.core.GetConversation(r.Context(), ops.GetConversationInput{
		ConversationID:   r.PathValue("id"),
		IncludeSummaries: parseBoolParam(r, "summaries"),
	})
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleCheckTimeout handles POST /conversations/{id}/timeout. Schedulers
// without an MCP client call this to apply the inactivity timeouts.
func (h *Handlers) HandleCheckTimeout(w http.ResponseWriter, r *http.Request) {
	out, err := h.core.CheckTimeout(r.Context(), ops.CheckTimeoutInput{ConversationID: r.PathValue("id")})
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandlePurge handles POST /conversations/purge. Deletes ended conversations.
func (h *Handlers) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderError(w, errors.NewInvalidRequest("invalid form data"))
		return
	}

	if r.FormValue("confirm") != "true" {
		h.renderError(w, errors.NewInvalidRequest("confirm parameter must be \"true\""))
		return
	}

	input := ops.PurgeInput{}
	if days := r.FormValue("older_than_days"); days != "" {
		d, err := strconv.Atoi(days)
		if err != nil {
			h.renderError(w, errors.NewInvalidRequest("older_than_days must be an integer"))
			return
		}
		input.OlderThanDays = &d
	}

	out, err := h.core.Purge(r.Context(), input)
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandlePatternList handles GET /patterns?owner=.
func (h *Handlers) HandlePatternList(w http.ResponseWriter, r *http.Request) {
	out, err := h.core.ListPatterns(r.Context(), ops.ListPatternsInput{
		Owner: ptrString(strings.TrimSpace(r.URL.Query().Get("owner"))),
	})
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandlePatternDetail handles GET /patterns/{id}.
func (h *Handlers) HandlePatternDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.renderError(w, errors.NewInvalidRequest("pattern id is required"))
		return
	}
	out, err := h.core.GetPattern(r.Context(), ops.GetPatternInput{ID: id})
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleCacheStats handles GET /cache/stats.
func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	out, err := h.core.CacheStats(r.Context())
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// renderError writes a ConsultError as a JSON error body. Details of
// internal failures stay in the log.
func (h *Handlers) renderError(w http.ResponseWriter, err error) {
	cErr, ok := errors.As(err)
	if !ok {
		cErr = errors.NewInternal(err)
	}

	body := map[string]any{
		"code":    string(cErr.Code),
		"message": cErr.Message,
		"status":  cErr.Status,
	}
	if cErr.Code != errors.ErrInternal && cErr.Code != errors.ErrPersistenceFailure && len(cErr.Details) > 0 {
		body["details"] = cErr.Details
	}
	if cErr.Status >= http.StatusInternalServerError {
		h.core.Logger.Error(logModule, "request failed", map[string]any{"error": err.Error()})
	}

	renderJSON(w, cErr.Status, map[string]any{"error": body})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// parseBoolParam parses a boolean query parameter.
func parseBoolParam(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "true" || s == "1"
}

// ptrString returns a pointer to s if non-empty, nil otherwise.
func ptrString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
