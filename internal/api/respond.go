package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"chatsync/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorBody(code, message string) map[string]any {
	return map[string]any{"error": map[string]string{"code": code, "message": message}}
}

// writeError maps the domain error taxonomy onto HTTP statuses. Errors
// outside the taxonomy surface as 500 with a stable INTERNAL code and no
// detail.
func writeError(w http.ResponseWriter, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", "internal error"))
		return
	}

	status := http.StatusInternalServerError
	switch derr.Kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindPermission:
		status = http.StatusForbidden
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if derr.Code == "INVALID_TOKEN" {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, errorBody(derr.Code, derr.Message))
}
