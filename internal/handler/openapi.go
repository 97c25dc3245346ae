package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/keygate/keygate/internal/openapi"
)

// OpenAPIHandler serves the gateway's OpenAPI document. The document is
// generated on first use and cached.
type OpenAPIHandler struct {
	opts openapi.Options
	once sync.Once
	body []byte
	err  error
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(opts openapi.Options) *OpenAPIHandler {
	return &OpenAPIHandler{opts: opts}
}

// ServeSpec writes the document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		h.body, h.err = json.Marshal(openapi.Generate(h.opts))
	})
	if h.err != nil {
		internalError(w, "Failed to generate OpenAPI document: "+h.err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.body)
}
