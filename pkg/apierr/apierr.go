// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProxyError        = "proxy_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFound          = "not_found_error"
	TypeConflict          = "conflict_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidAPIKey    = "invalid_api_key"
	CodeMissingAPIKey    = "missing_api_key"
	CodeModelNotFound    = "model_not_found"
	CodeInternalError    = "internal_error"
	CodeUpstreamError    = "upstream_error"
	CodeRequestTimeout   = "request_timeout"
	CodeInvalidRequest   = "invalid_request"
	CodeConfigInvalid    = "config_invalid"
	CodeDetectionRunning = "detection_running"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUpstreamError relays an upstream failure. The upstream HTTP status is
// preserved when one exists; transport failures without a status map to 502.
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	status := upstreamStatus
	if status == 0 {
		status = fasthttp.StatusBadGateway
	}
	Write(ctx, status, msg, TypeProxyError, CodeUpstreamError)
}

// WriteAuthError writes the authentication failure shape expected by
// OpenAI-compatible clients.
func WriteAuthError(ctx *fasthttp.RequestCtx, msg, code string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, code)
}

// WriteModelNotFound writes the 404 used both for unknown models and for
// permission denials, which are deliberately indistinguishable.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound, "model "+model+" not found", TypeNotFound, CodeModelNotFound)
}
