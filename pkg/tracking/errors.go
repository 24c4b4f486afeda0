package tracking

import (
	"errors"
	"fmt"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

var (
	// ErrNotFound is returned when the tracker reports a missing resource
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists is returned when creating a resource that exists
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrConnectivity is returned when the tracker cannot be reached
	ErrConnectivity = errors.New("tracking server unreachable")
)

// APIError describes a failed tracker request
type APIError struct {
	Endpoint   string
	StatusCode int // 0 when no response was received
	Code       string
	Message    string

	kind error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s: %s", e.kind, e.Endpoint, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Unwrap exposes the sentinel the error maps to, if any
func (e *APIError) Unwrap() error {
	return e.kind
}

func connectivityError(endpoint string, err error) *APIError {
	return &APIError{Endpoint: endpoint, Message: err.Error(), kind: ErrConnectivity}
}

func responseError(endpoint string, status int, body models.ErrorResponse) *APIError {
	e := &APIError{
		Endpoint:   endpoint,
		StatusCode: status,
		Code:       body.ErrorCode,
		Message:    body.Message,
	}
	switch {
	case body.ErrorCode == models.ErrorCodeNotFound:
		e.kind = ErrNotFound
	case body.ErrorCode == models.ErrorCodeAlreadyExists:
		e.kind = ErrAlreadyExists
	case body.ErrorCode == "" && status == 404:
		e.kind = ErrNotFound
	}
	return e
}
