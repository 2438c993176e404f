package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dropDatabas3/clusterstate/internal/coordinator"
	"github.com/dropDatabas3/clusterstate/internal/executor"
	"github.com/dropDatabas3/clusterstate/internal/publication"
	"github.com/dropDatabas3/clusterstate/internal/taskqueue"
)

// AppError es el error estándar de la API. Err es la causa y no se expone al cliente.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetail devuelve una COPIA con detail; los errores base son variables globales.
func (e *AppError) WithDetail(detail string) *AppError {
	c := *e
	c.Detail = detail
	return &c
}

// WithCause devuelve una COPIA con la causa.
func (e *AppError) WithCause(err error) *AppError {
	c := *e
	c.Err = err
	return &c
}

var (
	ErrInvalidJSON = &AppError{
		Code:       "INVALID_JSON",
		Message:    "request body is not valid JSON",
		HTTPStatus: http.StatusBadRequest,
	}
	ErrInvalidQuery = &AppError{
		Code:       "INVALID_QUERY",
		Message:    "invalid query parameter",
		HTTPStatus: http.StatusBadRequest,
	}
	ErrBodyTooLarge = &AppError{
		Code:       "BODY_TOO_LARGE",
		Message:    "request body exceeds the maximum size",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "resource not found",
		HTTPStatus: http.StatusNotFound,
	}
	ErrUnknownKind = &AppError{
		Code:       "UNKNOWN_KIND",
		Message:    "no executor registered for this task kind",
		HTTPStatus: http.StatusNotFound,
	}
	ErrTaskRejected = &AppError{
		Code:       "TASK_REJECTED",
		Message:    "the task could not be applied",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
	ErrBatchFailed = &AppError{
		Code:       "BATCH_FAILED",
		Message:    "the executor failed for the whole batch",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
	ErrNotLeader = &AppError{
		Code:       "NOT_LEADER",
		Message:    "this node is not the leader",
		HTTPStatus: http.StatusConflict,
	}
	ErrPublicationTimeout = &AppError{
		Code:       "PUBLICATION_TIMEOUT",
		Message:    "publication timed out",
		HTTPStatus: http.StatusGatewayTimeout,
	}
	ErrWaitTimeout = &AppError{
		Code:       "WAIT_TIMEOUT",
		Message:    "task outcome not available yet",
		HTTPStatus: http.StatusGatewayTimeout,
	}
	ErrUnavailable = &AppError{
		Code:       "UNAVAILABLE",
		Message:    "cluster cannot accept the change right now",
		HTTPStatus: http.StatusServiceUnavailable,
	}
	ErrInternal = &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// FromError traduce errores de las otras capas a un AppError.
func FromError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, coordinator.ErrNotLeader), errors.Is(err, publication.ErrSteppedDown):
		return ErrNotLeader.WithCause(err).WithDetail(err.Error())
	case errors.Is(err, publication.ErrPublishTimeout):
		return ErrPublicationTimeout.WithCause(err)
	case errors.Is(err, publication.ErrQuorumNotReached),
		errors.Is(err, publication.ErrLocalApply),
		errors.Is(err, publication.ErrClosed),
		errors.Is(err, taskqueue.ErrClosed):
		return ErrUnavailable.WithCause(err).WithDetail(err.Error())
	case errors.Is(err, executor.ErrUnknownKind):
		return ErrUnknownKind.WithCause(err)
	case errors.Is(err, executor.ErrInvalidPayload), errors.Is(err, executor.ErrReservedKey):
		return ErrTaskRejected.WithCause(err).WithDetail(err.Error())
	case executor.IsBatchError(err):
		return ErrBatchFailed.WithCause(err).WithDetail(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return ErrWaitTimeout.WithCause(err)
	}
	return ErrInternal.WithCause(err)
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// WriteError escribe err como JSON con el status que corresponde.
func WriteError(w http.ResponseWriter, err error) {
	appErr := FromError(err)
	WriteJSON(w, appErr.HTTPStatus, errorResponse{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Detail:    appErr.Detail,
		Retryable: coordinator.IsRetryable(appErr.Err),
		RequestID: w.Header().Get(headerRequestID),
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 1 << 20

// readPayload lee el body como JSON crudo (máx 1MB). Un body vacío es null.
func readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	b, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, ErrBodyTooLarge)
		} else {
			WriteError(w, ErrInvalidJSON.WithCause(err))
		}
		return nil, false
	}
	if len(b) == 0 {
		return json.RawMessage("null"), true
	}
	if !json.Valid(b) {
		WriteError(w, ErrInvalidJSON)
		return nil, false
	}
	return json.RawMessage(b), true
}
