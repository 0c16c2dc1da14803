package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ossian/flint/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response, mapping typed error codes to
// HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var fErr *schema.FlintError
	if errors.As(err, &fErr) {
		writeJSON(w, statusFor(fErr.Code), map[string]string{
			"error": fErr.Message,
			"code":  fErr.Code,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// writeBadRequest writes a plain 400 error.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeDefinition, schema.ErrCodeTemplateSyntax:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
