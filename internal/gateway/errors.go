package gateway

import (
	"errors"
	"fmt"
)

// ErrInternal marks failures that are neither caller input nor a gateway
// answer. The underlying cause is kept in the message for logs only.
var ErrInternal = errors.New("internal gateway error")

// ValidationError is bad caller input, rejected before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// AuthError means the gateway refused our credentials or handed back no token.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway authentication failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway authentication failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ProviderError is a transport failure or a non-2xx answer from the gateway.
// StatusCode is 0 for transport failures. Body is the raw upstream body.
type ProviderError struct {
	StatusCode int
	Message    string
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway unreachable: %s", e.Message)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}
