// Package errors defines the JSON error envelope returned by the local proxy.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error codes surfaced to the assistant in proxy error bodies.
const (
	CodeNoActiveChannel    = "no_active_channel"
	CodeInvalidTarget      = "invalid_target"
	CodeUpstreamRefused    = "upstream_connection_refused"
	CodeUpstreamDNS        = "upstream_dns_failure"
	CodeUpstreamTimeout    = "upstream_timeout"
	CodeUpstreamFailure    = "upstream_failure"
	CodeUpstreamProxyError = "upstream_proxy_misconfigured"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a detail entry and returns the receiver for chaining.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON returns the body sent to clients: {"error": {...}}.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(struct {
		Type  string    `json:"type"`
		Error *AppError `json:"error"`
	}{Type: "error", Error: e})
	return b
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// NoActiveChannel is returned when no provider/account pair is selected.
func NoActiveChannel(reason string) *AppError {
	return New(http.StatusServiceUnavailable, CodeNoActiveChannel, "no active channel: "+reason, nil)
}
