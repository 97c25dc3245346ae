package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

// SystemHandler serves the admin API: key management and usage reporting.
type SystemHandler struct {
	store  *config.Store
	auth   *service.AuthService
	usage  *service.UsageLogger
	logger *slog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(store *config.Store, auth *service.AuthService, usage *service.UsageLogger, logger *slog.Logger) *SystemHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemHandler{
		store:  store,
		auth:   auth,
		usage:  usage,
		logger: logger,
	}
}

// ---------------------------------------------------------------------------
// API key management
// ---------------------------------------------------------------------------

// ListAPIKeys returns one page of keys. Hashes are never exposed.
// GET /api/v1/system/api-key
func (h *SystemHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	active, err := queryBool(r, "active")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	filter := model.APIKeyFilter{
		Active: active,
		Search: strings.TrimSpace(queryString(r, "search")),
	}
	if p := queryString(r, "permission"); p != "" {
		if filter.Permission, err = model.ParsePermissionLevel(p); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	if t := queryString(r, "tier"); t != "" {
		if filter.Tier, err = model.ParseTier(t); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	filter.Limit, filter.Offset = pageParams(r)

	keys, total, err := h.store.ListAPIKeys(r.Context(), filter)
	if err != nil {
		internalError(w, "Failed to list API keys: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listResponse(keys, len(keys), total, filter.Limit, filter.Offset))
}

// createAPIKeyRequest is the expected payload for CreateAPIKey.
type createAPIKeyRequest struct {
	Name       string                `json:"name"`
	Permission model.PermissionLevel `json:"permission"`
	Tier       model.Tier            `json:"tier"`
	ExpiresAt  *time.Time            `json:"expires_at,omitempty"`
}

// createAPIKeyResponse includes the plaintext key, shown once only.
type createAPIKeyResponse struct {
	*model.APIKey
	Key string `json:"api_key"`
}

// CreateAPIKey issues a new key and returns the plaintext exactly once.
// POST /api/v1/system/api-key
func (h *SystemHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if !req.Permission.Valid() {
		badRequest(w, "permission is required: read, write or read_write")
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		badRequest(w, "expires_at must be in the future")
		return
	}

	raw, key, err := h.auth.IssueAPIKey(r.Context(), service.IssueRequest{
		Name:       req.Name,
		Permission: req.Permission,
		Tier:       req.Tier,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		internalError(w, "Failed to create API key: "+err.Error())
		return
	}

	h.logger.Info("api key issued", "key_id", key.ID, "name", key.Name,
		"permission", key.Permission.String(), "tier", key.Tier.String())
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: key, Key: raw})
}

// GetAPIKey returns a single key by ID.
// GET /api/v1/system/api-key/{keyId}
func (h *SystemHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "keyId")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	key, err := h.store.GetAPIKey(r.Context(), id)
	if err != nil {
		h.keyError(w, id, "Failed to get API key", err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// updateAPIKeyRequest carries the mutable key metadata. Absent fields are
// left unchanged.
type updateAPIKeyRequest struct {
	Name        *string                `json:"name,omitempty"`
	Permission  *model.PermissionLevel `json:"permission,omitempty"`
	Tier        *model.Tier            `json:"tier,omitempty"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	ClearExpiry bool                   `json:"clear_expiry,omitempty"`
}

// UpdateAPIKey changes a key's name, permission, tier or expiry.
// PATCH /api/v1/system/api-key/{keyId}
func (h *SystemHandler) UpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "keyId")
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	var req updateAPIKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			badRequest(w, "name must not be empty")
			return
		}
		req.Name = &name
	}
	if req.Permission != nil && !req.Permission.Valid() {
		badRequest(w, "permission must be read, write or read_write")
		return
	}

	upd := model.APIKeyUpdate{
		Name:        req.Name,
		Permission:  req.Permission,
		Tier:        req.Tier,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	}
	if upd.Empty() {
		badRequest(w, "no changes requested")
		return
	}

	if err := h.store.UpdateAPIKey(r.Context(), id, upd); err != nil {
		h.keyError(w, id, "Failed to update API key", err)
		return
	}
	key, err := h.store.GetAPIKey(r.Context(), id)
	if err != nil {
		h.keyError(w, id, "Failed to get API key", err)
		return
	}
	h.logger.Info("api key updated", "key_id", id)
	writeJSON(w, http.StatusOK, key)
}

// SetAPIKeyStatus enables or disables a key. Keys are never deleted.
// PUT /api/v1/system/api-key/{keyId}/status
func (h *SystemHandler) SetAPIKeyStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "keyId")
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	var req struct {
		Active *bool `json:"active"`
	}
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.Active == nil {
		badRequest(w, "active is required")
		return
	}

	if err := h.store.SetAPIKeyActive(r.Context(), id, *req.Active); err != nil {
		h.keyError(w, id, "Failed to update API key status", err)
		return
	}
	key, err := h.store.GetAPIKey(r.Context(), id)
	if err != nil {
		h.keyError(w, id, "Failed to get API key", err)
		return
	}
	h.logger.Info("api key status changed", "key_id", id, "active", key.IsActive)
	writeJSON(w, http.StatusOK, key)
}

func (h *SystemHandler) keyError(w http.ResponseWriter, id int64, msg string, err error) {
	switch {
	case errors.Is(err, config.ErrNotFound):
		writeError(w, http.StatusNotFound, model.CodeNotFound, "API key not found: "+strconv.FormatInt(id, 10))
	case errors.Is(err, model.ErrUnknownPermission):
		badRequest(w, err.Error())
	default:
		internalError(w, msg+": "+err.Error())
	}
}

// ---------------------------------------------------------------------------
// Usage reporting
// ---------------------------------------------------------------------------

// UsageStats aggregates usage across all keys, or one key with api_key_id.
// GET /api/v1/system/usage/stats
func (h *SystemHandler) UsageStats(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.adminUsageFilter(w, r)
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

// UsageHourly returns 24 UTC hour buckets for date (YYYY-MM-DD, default
// today).
// GET /api/v1/system/usage/hourly
func (h *SystemHandler) UsageHourly(w http.ResponseWriter, r *http.Request) {
	day, err := queryTime(r, "date")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if day == nil {
		today := time.Now().UTC()
		day = &today
	}
	keyID, ok := apiKeyIDParam(w, r)
	if !ok {
		return
	}

	buckets, err := h.usage.HourlyStatistics(r.Context(), *day, keyID)
	if err != nil {
		internalError(w, "Failed to compute hourly usage: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":  day.Format(time.DateOnly),
		"hours": buckets,
	})
}

// UsageLogs lists raw usage entries, newest first.
// GET /api/v1/system/usage/logs
func (h *SystemHandler) UsageLogs(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.adminUsageFilter(w, r)
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

// PurgeUsageLogs deletes entries older than days days.
// DELETE /api/v1/system/usage/logs?days=N
func (h *SystemHandler) PurgeUsageLogs(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 0)
	n, err := h.usage.Purge(r.Context(), days)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRetention) {
			badRequest(w, err.Error())
			return
		}
		internalError(w, "Failed to purge usage logs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":      n,
		"days_to_keep": days,
	})
}

func (h *SystemHandler) adminUsageFilter(w http.ResponseWriter, r *http.Request) (model.UsageFilter, bool) {
	filter, err := usageFilter(r)
	if err != nil {
		badRequest(w, err.Error())
		return filter, false
	}
	keyID, ok := apiKeyIDParam(w, r)
	if !ok {
		return filter, false
	}
	filter.APIKeyID = keyID
	return filter, true
}

func apiKeyIDParam(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	raw := queryString(r, "api_key_id")
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid api_key_id: "+raw)
		return nil, false
	}
	return &id, true
}
