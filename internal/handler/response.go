package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"identity-service/internal/authz"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

// Headers set by the upstream auth gateway.
const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
	roleAdmin      = "admin"
)

var (
	errMissingCaller = errors.New("missing caller identity")
	errEmptyBody     = errors.New("request body is empty")
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents pagination metadata
type Meta struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Skip    int  `json:"skip"`
	HasMore bool `json:"has_more"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// base carries the response helpers shared by every handler.
type base struct {
	logger *zap.Logger
}

// respondWithJSON sends a JSON response
func (h *base) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	if err := writeStatus(w, statusCode, data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *base) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	} else {
		h.logger.Warn("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// fail maps err onto a status code and responds.
func (h *base) fail(w http.ResponseWriter, err error, message string) {
	h.respondWithError(w, getStatusCode(err), err, message)
}

// decode reads a JSON body, rejecting unknown fields.
func (h *base) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	return h.decodeBody(w, r, v, false)
}

// decodeOptional is decode for endpoints whose body may be omitted; an empty
// body leaves v at its zero value.
func (h *base) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	return h.decodeBody(w, r, v, true)
}

func (h *base) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return true
		}
		h.respondWithError(w, http.StatusBadRequest, errEmptyBody, "Invalid request body")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		if errors.Is(err, io.EOF) {
			err = errEmptyBody
		}
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	return true
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, errMissingCaller):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, authz.ErrInvalidAttesterSpec):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type caller struct {
	ID    string
	Admin bool
}

func callerFrom(r *http.Request) caller {
	return caller{
		ID:    r.Header.Get(headerUserID),
		Admin: r.Header.Get(headerUserRole) == roleAdmin,
	}
}

// requireCaller rejects requests that arrive without a caller identity.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerUserID) == "" {
			_ = writeStatus(w, http.StatusUnauthorized, errorResponse(errMissingCaller, "Authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeStatus(w http.ResponseWriter, statusCode int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", service.ErrInvalidArgument, key)
	}
	return v, nil
}
