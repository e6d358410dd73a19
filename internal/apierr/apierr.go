// Package apierr defines vmmaster's error taxonomy and maps each kind
// to the HTTP status and {metacode, result} envelope the admin surface
// and the proxy both use.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind enumerates the error taxonomy.
type Kind int

const (
	KindCapacityExceeded Kind = iota
	KindProviderError
	KindUnknownSession
	KindTimeout
	KindUpstreamError
)

// Error wraps an underlying cause with a taxonomic Kind. The proxy and
// session manager construct these at the point of failure; handlers map
// them to HTTP responses via WriteError.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func CapacityExceeded(message string) *Error {
	return New(KindCapacityExceeded, message, nil)
}

func ProviderError(message string, cause error) *Error {
	return New(KindProviderError, message, cause)
}

func UnknownSession(message string) *Error {
	return New(KindUnknownSession, message, nil)
}

func Timeout(message string) *Error {
	return New(KindTimeout, message, nil)
}

func UpstreamError(message string) *Error {
	return New(KindUpstreamError, message, nil)
}

// statusFor maps a Kind to the HTTP status surfaced to clients.
func statusFor(k Kind) int {
	switch k {
	case KindCapacityExceeded, KindProviderError, KindTimeout:
		return http.StatusInternalServerError
	case KindUnknownSession:
		return http.StatusNotFound
	case KindUpstreamError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// envelope is the admin surface's response wrapper.
type envelope struct {
	Metacode int `json:"metacode"`
	Result   any `json:"result"`
}

// WriteError maps err to an HTTP response. If err is not an *Error it is
// treated as an opaque internal error and reported as 500.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *Error
	status := http.StatusInternalServerError
	message := err.Error()
	if errors.As(err, &apiErr) {
		status = statusFor(apiErr.Kind)
		message = apiErr.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Metacode: status, Result: message})
}

// WriteResult wraps a successful result in the {metacode, result} envelope.
func WriteResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{Metacode: http.StatusOK, Result: result})
}
