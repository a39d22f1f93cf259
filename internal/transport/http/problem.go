package transporthttp

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"example.com/charsync/internal/domain"
)

type Problem struct {
	Type     string              `json:"type,omitempty"`
	Title    string              `json:"title,omitempty"`
	Status   int                 `json:"status,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, errs map[string][]string) {
	w.Header().Set("Content-Type", "application/problem+json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="charsync"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Errors: errs,
	})
}

// writeError maps a domain error onto its problem response. Anything outside
// the taxonomy is a 500 with the details kept in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		fields := map[string][]string{}
		for _, fe := range verr.Fields {
			fields[fe.Field] = append(fields[fe.Field], fe.Msg)
		}
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", fields)
	case errors.Is(err, domain.ErrValidation):
		WriteProblem(w, http.StatusBadRequest, "validation failed", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		WriteProblem(w, http.StatusNotFound, "not found", err.Error(), nil)
	case errors.Is(err, domain.ErrUnauthorized):
		WriteProblem(w, http.StatusUnauthorized, "unauthorized", "access denied", nil)
	case errors.Is(err, domain.ErrConflict):
		WriteProblem(w, http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrTooManyRequests):
		WriteProblem(w, http.StatusTooManyRequests, "too many requests", err.Error(), nil)
	default:
		log.Printf("[api] rid=%s %s %s: %v", RequestIDFromContext(r.Context()), r.Method, r.URL.Path, err)
		WriteProblem(w, http.StatusInternalServerError, "internal error", "the request could not be processed", nil)
	}
}
