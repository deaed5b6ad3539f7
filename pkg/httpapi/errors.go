package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cartloom/cartloom/pkg/errdefs"
)

type errorResponse struct {
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
}

// statusFromErr maps error kinds to HTTP status codes
func statusFromErr(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrNoDatabaseConfigured):
		return http.StatusPreconditionFailed
	case errors.Is(err, errdefs.ErrUnreachable), errors.Is(err, errdefs.ErrTimeout):
		return http.StatusBadGateway
	case errors.Is(err, errdefs.ErrEmptySchema):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrRepairFailed):
		return http.StatusInternalServerError
	case errors.Is(err, errdefs.ErrCipher), errors.Is(err, errdefs.ErrMissingKey):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var repairErr *errdefs.RepairError
	if errors.As(err, &repairErr) {
		resp.Step = repairErr.Step
	}
	writeJSON(w, statusFromErr(err), resp)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
