// Package apperr defines the error taxonomy shared by the clinical services
// and maps it onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindAuthz
	KindUnauthenticated
	KindCrypto
	KindDispatch
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthz:
		return "forbidden"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindCrypto:
		return "crypto"
	case KindDispatch:
		return "dispatch"
	default:
		return "internal"
	}
}

// Error is the structured error returned by services. Message is safe to show
// to API callers; Err carries the underlying cause for logs only.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so sentinel values can be compared with errors.Is
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation, Code: "validation_error", Message: "validation failed"}
	ErrNotFound          = &Error{Kind: KindNotFound, Code: "not_found", Message: "not found"}
	ErrConflict          = &Error{Kind: KindConflict, Code: "conflict", Message: "conflict"}
	ErrForbidden         = &Error{Kind: KindAuthz, Code: "forbidden", Message: "insufficient permissions"}
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated, Code: "unauthenticated", Message: "authentication required"}
	ErrDecryption        = &Error{Kind: KindCrypto, Code: "decryption_error", Message: "stored data could not be decrypted"}
	ErrCrypto            = &Error{Kind: KindCrypto, Code: "crypto_error", Message: "cryptographic failure"}
	ErrDispatch          = &Error{Kind: KindDispatch, Code: "dispatch_error", Message: "external delivery failed"}
	ErrAlreadySigned     = &Error{Kind: KindConflict, Code: "already_signed", Message: "prescription is already signed"}
	ErrNotSigned         = &Error{Kind: KindValidation, Code: "not_signed", Message: "prescription must be signed first"}
	ErrMissingRecipient  = &Error{Kind: KindValidation, Code: "missing_recipient", Message: "no recipient available for the selected channel"}
	ErrInvalidTransition = &Error{Kind: KindConflict, Code: "invalid_transition", Message: "status transition not allowed"}
)

func newErr(base *Error, msg string, cause error) *Error {
	if msg == "" {
		msg = base.Message
	}
	return &Error{Kind: base.Kind, Code: base.Code, Message: msg, Err: cause}
}

func Validation(msg string) *Error { return newErr(ErrValidation, msg, nil) }

// ValidationFields wraps an aggregated field error (e.g. an errsx.Map).
func ValidationFields(cause error) *Error {
	return newErr(ErrValidation, cause.Error(), cause)
}

func NotFound(entity string) *Error {
	return newErr(ErrNotFound, entity+" not found", nil)
}

func Conflict(msg string) *Error { return newErr(ErrConflict, msg, nil) }

func Forbidden(msg string) *Error { return newErr(ErrForbidden, msg, nil) }

func Unauthenticated(msg string) *Error { return newErr(ErrUnauthenticated, msg, nil) }

func Decryption(cause error) *Error { return newErr(ErrDecryption, "", cause) }

func Crypto(msg string, cause error) *Error { return newErr(ErrCrypto, msg, cause) }

func Dispatch(msg string, cause error) *Error { return newErr(ErrDispatch, msg, cause) }

func AlreadySigned() *Error { return newErr(ErrAlreadySigned, "", nil) }

func NotSigned() *Error { return newErr(ErrNotSigned, "", nil) }

func MissingRecipient(channel string) *Error {
	return newErr(ErrMissingRecipient, fmt.Sprintf("no %s recipient provided and patient has none on file", channel), nil)
}

func InvalidTransition(from, to string) *Error {
	return newErr(ErrInvalidTransition, fmt.Sprintf("cannot move prescription from %s to %s", from, to), nil)
}

func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: msg, Err: cause}
}

// KindOf reports the Kind of err, or KindInternal for errors outside the
// taxonomy.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}
