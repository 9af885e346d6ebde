// Package apierr provides structured API error types and HTTP status mapping.
//
// Two wire envelopes are supported: the OpenAI format (also used for all
// proxy-internal errors) and the Anthropic format. The gateway picks the
// envelope that matches the protocol of the inbound request so clients always
// receive an error body their SDK can parse.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeMissingAuth       = "missing_authorization"
	CodeKeyDisabled       = "key_disabled"
	CodeBlocked           = "blocked"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeEmptyOutput       = "empty_output"
)

// Resolver error codes. Each maps to HTTP 500 — see WriteResolver.
const (
	CodeModelNotFound        = "model_not_found"
	CodeInvalidModelConfig   = "invalid_model_config"
	CodeModelNotDetermined   = "model_not_determined"
	CodeSmartRoutingError    = "smart_routing_error"
	CodeProviderNotFound     = "provider_not_found"
	CodeInvalidKeyConfig     = "invalid_key_config"
	CodeRoutingDepthExceeded = "routing_depth_exceeded"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}

	anthropicError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	anthropicEnvelope struct {
		Type  string         `json:"type"`
		Error anthropicError `json:"error"`
	}
)

// Write writes the error in the OpenAI envelope with the given HTTP status.
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

// WriteAnthropic writes the error in the Anthropic envelope:
// {"type":"error","error":{"type":...,"message":...}}.
func WriteAnthropic(ctx *fasthttp.RequestCtx, status int, message, errType string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(anthropicEnvelope{
		Type:  "error",
		Error: anthropicError{Type: errType, Message: message},
	})
	ctx.SetBody(body)
}

// WriteResolver writes a model/provider resolution failure. Resolution errors
// are configuration errors, so the status is always 500 and the code carries
// the machine-readable cause (model_not_found, provider_not_found, ...).
func WriteResolver(ctx *fasthttp.RequestCtx, code, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, TypeServerError, code)
}

// WriteProviderError maps an upstream HTTP status to the gateway response.
//
//	Upstream 429  → 429 + Retry-After: 60
//	Upstream 5xx  → 502
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	switch {
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
