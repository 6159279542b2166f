package proxy

import (
	"errors"
	"fmt"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeNoTarget              = "E2001"
	ErrCodeDialFailed            = "E2002"
	ErrCodeUpstreamConnectFailed = "E2003"
	ErrCodeConnectionClosed      = "E2004"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPForwardFailed      = "E4001"
	ErrCodeHTTPHijackFailed       = "E4002"
	ErrCodeHTTPHijackNotSupported = "E4003"

	// WebSocket Errors (E5000-E5999)
	ErrCodeWebSocketUpgradeFailed = "E5001"
	ErrCodeWebSocketTunnelFailed  = "E5002"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError  = "E9901"
	ErrCodePanicRecovered = "E9902"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",

	ErrCodeNoTarget:              "No target resolved for request",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",

	ErrCodeHTTPForwardFailed:      "Failed to forward HTTP request",
	ErrCodeHTTPHijackFailed:       "Failed to hijack HTTP connection",
	ErrCodeHTTPHijackNotSupported: "HTTP connection hijacking not supported",

	ErrCodeWebSocketUpgradeFailed: "WebSocket protocol upgrade failed",
	ErrCodeWebSocketTunnelFailed:  "WebSocket tunnel establishment failed",

	ErrCodeInternalError:  "Internal proxy error",
	ErrCodePanicRecovered: "Recovered from panic condition",
}

// ErrNoTarget is reported by the engine when it is handed an unresolved target.
var ErrNoTarget = NewProxyError(ErrCodeNoTarget, ErrorDescriptions[ErrCodeNoTarget], nil)

// newCodedError builds an Error whose description comes from ErrorDescriptions.
func newCodedError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

func errorCode(err error) (string, bool) {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code, true
	}
	return "", false
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	code, ok := errorCode(err)
	return ok && code >= "E2000" && code < "E3000"
}

// IsHTTPError checks if the error is HTTP-related
func IsHTTPError(err error) bool {
	code, ok := errorCode(err)
	return ok && code >= "E4000" && code < "E6000"
}

// IsWebSocketError checks if the error is WebSocket-related
func IsWebSocketError(err error) bool {
	code, ok := errorCode(err)
	return ok && code >= "E5000" && code < "E6000"
}

// IsInternalError checks if the error is internal/system-related
func IsInternalError(err error) bool {
	code, ok := errorCode(err)
	return ok && code >= "E9900"
}
