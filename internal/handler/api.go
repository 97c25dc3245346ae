package handler

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
)

// maxExportRows bounds a single CSV export.
const maxExportRows = 10000

// APIHandler serves the key-facing routes. Gateway-protected handlers read
// the calling key from the request principal.
type APIHandler struct {
	store   *config.Store
	auth    *service.AuthService
	usage   *service.UsageLogger
	version string
	logger  *slog.Logger
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(store *config.Store, auth *service.AuthService, usage *service.UsageLogger, version string, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{
		store:   store,
		auth:    auth,
		usage:   usage,
		version: version,
		logger:  logger,
	}
}

// PublicStatus reports that the gateway is up.
// GET /api/v1/public/status
func (h *APIHandler) PublicStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "keygate",
		"version": h.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

type verifyRequest struct {
	APIKey string `json:"api_key"`
}

type verifyResponse struct {
	Valid      bool       `json:"valid"`
	Reason     string     `json:"reason,omitempty"`
	Name       string     `json:"name,omitempty"`
	Permission string     `json:"permission,omitempty"`
	Tier       string     `json:"tier,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// VerifyKey reports whether the key in the body is valid and what it grants.
// It does not touch last_used.
// POST /api/v1/auth/verify
func (h *APIHandler) VerifyKey(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, model.CodeMissingAPIKey, "api_key is required")
		return
	}

	res, err := h.auth.Authenticate(r.Context(), req.APIKey)
	if err != nil {
		h.logger.Error("key verification failed", "error", err, "request_id", middleware.GetRequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, model.CodeAuthError, "Authentication failed due to an internal error.")
		return
	}

	resp := verifyResponse{Valid: res.Valid}
	if !res.Valid {
		resp.Reason = string(res.Reason)
	}
	if res.Valid && res.Key != nil {
		resp.Name = res.Key.Name
		resp.Permission = res.Key.Permission.String()
		resp.Tier = res.Key.Tier.String()
		resp.ExpiresAt = res.Key.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// Me returns the calling key's metadata.
// GET /api/v1/me
func (h *APIHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, model.CodeMissingAPIKey, "API key required.")
		return
	}
	key, err := h.store.GetAPIKey(r.Context(), p.KeyID)
	if err != nil {
		internalError(w, "Failed to load API key: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// MyUsage aggregates the calling key's usage between from and to.
// GET /api/v1/me/usage
func (h *APIHandler) MyUsage(w http.ResponseWriter, r *http.Request) {
	filter, ok := ownUsageFilter(w, r)
	if !ok {
		return
	}
	stats, err := h.usage.Statistics(r.Context(), filter)
	if err != nil {
		internalError(w, "Failed to compute usage statistics: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// MyUsageLogs lists the calling key's usage entries, newest first.
// GET /api/v1/me/usage/logs
func (h *APIHandler) MyUsageLogs(w http.ResponseWriter, r *http.Request) {
	filter, ok := ownUsageFilter(w, r)
	if !ok {
		return
	}
	entries, total, err := h.usage.ListLogs(r.Context(), filter)
	if err != nil {
		internalError(w, "Failed to list usage logs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listResponse(entries, len(entries), total, filter.Limit, filter.Offset))
}

var exportHeader = []string{
	"created_at", "request_id", "method", "endpoint", "status",
	"response_time_ms", "client_ip", "user_agent", "error_code",
}

// ExportMyUsage streams the calling key's usage entries as CSV.
// GET /api/v1/me/usage/export
func (h *APIHandler) ExportMyUsage(w http.ResponseWriter, r *http.Request) {
	filter, ok := ownUsageFilter(w, r)
	if !ok {
		return
	}
	filter.Limit = clampInt(queryInt(r, "limit", maxExportRows), 1, maxExportRows)
	filter.Offset = 0

	entries, _, err := h.usage.ListLogs(r.Context(), filter)
	if err != nil {
		internalError(w, "Failed to export usage logs: "+err.Error())
		return
	}

	filename := fmt.Sprintf("usage-%d-%s.csv", *filter.APIKeyID, time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)

	if err := writeUsageCSV(w, entries); err != nil {
		h.logger.Warn("usage export interrupted", "error", err, "key_id", *filter.APIKeyID)
	}
}

func writeUsageCSV(out io.Writer, entries []model.UsageLogEntry) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, e := range entries {
		code := ""
		if e.ErrorCode != nil {
			code = *e.ErrorCode
		}
		if err := cw.Write([]string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.RequestID,
			e.Method,
			e.Endpoint,
			strconv.Itoa(e.Status),
			strconv.FormatInt(e.ResponseTimeMs, 10),
			e.ClientIP,
			e.UserAgent,
			code,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Echo returns the JSON body it was sent. It exists for clients to test
// write access end to end.
// POST /api/v1/echo
func (h *APIHandler) Echo(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var body any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil && err != io.EOF {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}

	p := middleware.GetPrincipal(r.Context())
	resp := map[string]any{
		"received":   body,
		"request_id": middleware.GetRequestID(r.Context()),
	}
	if p != nil {
		resp["key_id"] = p.KeyID
	}
	writeJSON(w, http.StatusOK, resp)
}

// ownUsageFilter scopes a usage filter to the calling key.
func ownUsageFilter(w http.ResponseWriter, r *http.Request) (model.UsageFilter, bool) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil || p.Type != middleware.PrincipalAPIKey {
		writeError(w, http.StatusUnauthorized, model.CodeMissingAPIKey, "API key required.")
		return model.UsageFilter{}, false
	}
	filter, err := usageFilter(r)
	if err != nil {
		badRequest(w, err.Error())
		return filter, false
	}
	id := p.KeyID
	filter.APIKeyID = &id
	return filter, true
}
