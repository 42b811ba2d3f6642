package billing

import (
	"errors"
	"net/http"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrInvalidSignature rejects a request whose signature is missing or wrong.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedPayload rejects a verified payload that cannot be parsed.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnrecognizedEvent marks provider events that are acknowledged and ignored.
	ErrUnrecognizedEvent = errors.New("unrecognized event")
	// ErrUnresolvedSubject marks events whose subject or user could not be
	// resolved. Never fatal; the subject is flagged for reconciliation.
	ErrUnresolvedSubject = errors.New("unresolved subject")
	// ErrTransientEffect wraps side-effect failures that are worth retrying.
	ErrTransientEffect = errors.New("transient effect failure")
	// ErrConfiguration reports missing secrets or collaborators.
	ErrConfiguration = errors.New("configuration error")
)

// Permanent marks an effect error as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// HTTPStatus maps an ingestion error to the status code returned to the
// provider. Anything that is not a known client error is retryable.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnrecognizedEvent):
		return http.StatusOK
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMalformedPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode is the short machine readable code used in JSON error bodies.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrMalformedPayload):
		return "invalid_payload"
	case errors.Is(err, ErrConfiguration):
		return "not_configured"
	default:
		return "processing_failed"
	}
}
