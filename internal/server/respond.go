package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"s3-gateway/internal/ledger"
	"s3-gateway/internal/storage"
)

type errorResp struct {
	Error string `json:"error"`
}

type messageResp struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResp{Error: msg})
}

// validationError is a client mistake reported verbatim with a 400.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &validationError{msg: msg}
}

// decodeJSON reads a JSON object from the body regardless of Content-Type.
// An empty body decodes as {} so the caller's field checks report what is
// missing.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return err
	}
	return badRequest("invalid JSON body")
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return true
	}
	// mime/multipart does not always wrap the reader error.
	return err != nil && strings.Contains(err.Error(), "request body too large")
}

// fail maps err to a status code and writes the error body. Server-side
// failures are logged with the request id.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(op+" failed",
			"rid", middleware.GetReqID(r.Context()),
			"err", err,
		)
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	var ve *validationError
	var se *storage.Error
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.msg
	case isTooLarge(err):
		return http.StatusRequestEntityTooLarge, "file too large"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "File not found"
	case errors.Is(err, ledger.ErrDuplicateKey):
		return http.StatusConflict, "file already registered for this key"
	case errors.As(err, &se):
		return http.StatusInternalServerError, se.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
