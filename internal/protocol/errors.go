package protocol

import "fmt"

// ErrorCode classifies protocol-level failures. Codes marked permanent must
// not be retried; the offending message goes to the dead letter queue.
type ErrorCode string

const (
	// CodeUnsupportedVersion rejects a peer whose schema version the hub
	// does not speak. Permanent until the peer is upgraded.
	CodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
	// CodeInvalidMessage rejects a message that fails validation.
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	// CodeSiteMismatch rejects a peer registered to a different site.
	CodeSiteMismatch ErrorCode = "SITE_MISMATCH"
	// CodeAuthFailed rejects a bad device token.
	CodeAuthFailed ErrorCode = "AUTH_FAILED"
	// CodeConflict reports an apply conflict the hub could not resolve.
	CodeConflict ErrorCode = "CONFLICT"
	// CodeInternal reports a hub-side fault. Transient; retry.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Permanent reports whether the code is a terminal failure.
func (c ErrorCode) Permanent() bool {
	switch c {
	case CodeUnsupportedVersion, CodeInvalidMessage, CodeSiteMismatch, CodeAuthFailed:
		return true
	}
	return false
}

// ErrorPayload is the payload of a KindError envelope.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface so protocol errors can travel up the
// call stack directly.
func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// EncodeError builds an error envelope.
func EncodeError(code ErrorCode, message string) ([]byte, error) {
	return Encode(KindError, &ErrorPayload{Code: code, Message: message})
}
