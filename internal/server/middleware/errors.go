package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/keygate/keygate/internal/model"
)

// writeError renders the standard error envelope. The handler package has
// its own copy; importing it here would create a cycle.
func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Status:  status,
			Message: message,
			Context: details,
		},
	})
}
