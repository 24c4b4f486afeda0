package trackingserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/artifactstore"
	"github.com/mimir-aip/labelnoise/pkg/metadatastore"
	"github.com/mimir-aip/labelnoise/pkg/models"
)

const maxRequestBody = 1 << 20

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a tracker error body
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSONResponse(w, statusCode, models.ErrorResponse{ErrorCode: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, format string, args ...any) {
	writeError(w, http.StatusBadRequest, models.ErrorCodeInvalidParam, fmt.Sprintf(format, args...))
}

// writeStoreError maps store errors onto tracker error codes
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metadatastore.ErrNotFound), errors.Is(err, artifactstore.ErrNotFound):
		writeError(w, http.StatusNotFound, models.ErrorCodeNotFound, err.Error())
	case errors.Is(err, metadatastore.ErrAlreadyExists):
		writeError(w, http.StatusBadRequest, models.ErrorCodeAlreadyExists, err.Error())
	case errors.Is(err, metadatastore.ErrInvalid), errors.Is(err, artifactstore.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, models.ErrorCodeInvalidParam, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, models.ErrorCodeInternal, err.Error())
	}
}

// decodeBody decodes a JSON request body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			writeBadRequest(w, "malformed json at position %d", syntaxErr.Offset)
		case errors.As(err, &typeErr):
			writeBadRequest(w, "invalid value for %s at position %d", typeErr.Field, typeErr.Offset)
		case errors.Is(err, io.EOF):
			writeBadRequest(w, "body must not be empty")
		default:
			writeBadRequest(w, "failed to decode json: %v", err)
		}
		return false
	}
	return true
}

// requireParam reads a query parameter, writing an error when it is empty
func requireParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		writeBadRequest(w, "missing value for required parameter '%s'", name)
		return "", false
	}
	return v, true
}
