package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// DefaultSignatureHeader is the header the gateway puts the body signature in.
const DefaultSignatureHeader = "X-Paypack-Signature"

var (
	// ErrInvalidSignature matches every verification failure via errors.Is.
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMissingSignature  = errors.New("missing webhook signature")
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)

// SignatureError describes why a callback failed verification. Expected and
// Received are for trusted logs only and must never be sent back to the caller.
type SignatureError struct {
	Reason   error
	Expected string
	Received string
}

func (e *SignatureError) Error() string {
	return e.Reason.Error()
}

func (e *SignatureError) Is(target error) bool {
	return target == ErrInvalidSignature
}

func (e *SignatureError) Unwrap() error {
	return e.Reason
}

// Verifier authenticates gateway callbacks with the shared webhook secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks signature against HMAC-SHA256(rawBody) in base64. rawBody must
// be the request body exactly as received. A nil error means the callback is authentic.
func (v *Verifier) Verify(signature string, rawBody []byte) (err error) {
	if signature == "" {
		return &SignatureError{Reason: ErrMissingSignature}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &SignatureError{Reason: fmt.Errorf("%w: digest failed: %v", ErrSignatureMismatch, r), Received: signature}
		}
	}()

	expected, err := v.Sign(rawBody)
	if err != nil {
		return &SignatureError{Reason: fmt.Errorf("%w: %v", ErrSignatureMismatch, err), Received: signature}
	}

	if len(expected) != len(signature) ||
		subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return &SignatureError{Reason: ErrSignatureMismatch, Expected: expected, Received: signature}
	}
	return nil
}

// Sign returns the base64 HMAC-SHA256 of body.
func (v *Verifier) Sign(body []byte) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("webhook secret not configured")
	}
	mac := hmac.New(sha256.New, v.secret)
	if _, err := mac.Write(body); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
