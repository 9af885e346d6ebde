// Package routing resolves a virtual key and an inbound request to a
// concrete (provider, model) pair. It hosts the smart router (static
// loadbalance/fallback target selection) and the recursive model→provider
// resolver; the expert router plugs in through the ExpertRouter interface.
package routing

import (
	"fmt"

	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// Error is a resolution failure with a machine-readable code. Every code
// maps to HTTP 500 at the pipeline boundary.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("routing: %s (%s)", e.Message, e.Code)
}

func errModelNotFound(msg string) *Error {
	return &Error{Code: apierr.CodeModelNotFound, Message: msg}
}

func errInvalidModelConfig(msg string) *Error {
	return &Error{Code: apierr.CodeInvalidModelConfig, Message: msg}
}

func errModelNotDetermined(msg string) *Error {
	return &Error{Code: apierr.CodeModelNotDetermined, Message: msg}
}

func errSmartRouting(msg string) *Error {
	return &Error{Code: apierr.CodeSmartRoutingError, Message: msg}
}

func errProviderNotFound() *Error {
	return &Error{Code: apierr.CodeProviderNotFound, Message: "Provider config not found"}
}

func errInvalidKeyConfig(msg string) *Error {
	return &Error{Code: apierr.CodeInvalidKeyConfig, Message: msg}
}

func errDepthExceeded() *Error {
	return &Error{Code: apierr.CodeRoutingDepthExceeded, Message: "Maximum routing depth exceeded"}
}
