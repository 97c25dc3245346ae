package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/keygate/internal/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxRequestBody  = 1 << 20
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, status int, code, message string, ctx ...map[string]any) {
	var ctxMap map[string]any
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, status, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Status:  status,
			Message: message,
			Context: ctxMap,
		},
	})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, model.CodeBadRequest, message)
}

func internalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, model.CodeInternal, message)
}

// readJSON decodes the request body as JSON into v. Unknown fields and
// bodies over 1 MiB are rejected.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryBool parses an optional boolean query parameter. A missing parameter
// returns nil.
func queryBool(r *http.Request, key string) (*bool, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return nil, fmt.Errorf("query parameter %s: %q is not a boolean", key, val)
	}
	return &b, nil
}

// queryTime parses an optional RFC 3339 timestamp or YYYY-MM-DD date.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, val); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("query parameter %s: %q is not an RFC 3339 time or YYYY-MM-DD date", key, val)
}

// pageParams reads limit and offset, clamping limit to [1, maxPageSize].
func pageParams(r *http.Request) (limit, offset int) {
	limit = clampInt(queryInt(r, "limit", defaultPageSize), 1, maxPageSize)
	offset = max(queryInt(r, "offset", 0), 0)
	return limit, offset
}

// usageFilter builds a UsageFilter from the from, to, limit and offset
// query parameters.
func usageFilter(r *http.Request) (model.UsageFilter, error) {
	from, err := queryTime(r, "from")
	if err != nil {
		return model.UsageFilter{}, err
	}
	to, err := queryTime(r, "to")
	if err != nil {
		return model.UsageFilter{}, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return model.UsageFilter{}, errors.New("to must not be before from")
	}
	limit, offset := pageParams(r)
	return model.UsageFilter{From: from, To: to, Limit: limit, Offset: offset}, nil
}

// pathID parses a positive int64 URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return id, nil
}

// listResponse wraps a page of results in the standard list envelope.
func listResponse(resource any, count int, total int64, limit, offset int) model.ListResponse {
	return model.ListResponse{
		Resource: resource,
		Meta: &model.ResponseMeta{
			Count:  count,
			Total:  &total,
			Limit:  limit,
			Offset: offset,
		},
	}
}

// clampInt constrains val to be within [lo, hi].
func clampInt(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
