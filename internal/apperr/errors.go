// Package apperr is the error taxonomy shared by the gateway, the engines
// and the transports. Handlers map an *Error to an HTTP status or a wire
// error event; anything else is treated as Internal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind uint8

const (
	Internal Kind = iota
	Unauthenticated
	Validation
	NotFound
	Forbidden
	PersistenceConflict
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case Validation:
		return "validation_error"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case PersistenceConflict:
		return "persistence_conflict"
	case Timeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error is a classified failure. Code refines Kind for clients
// ("channel_not_found" vs "message_not_found"); Ref is the correlating
// id of the operation (temp id or entity id).
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Ref     string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithRef returns a copy of e scoped to ref.
func (e *Error) WithRef(ref string) *Error {
	cp := *e
	cp.Ref = ref
	return &cp
}

func New(kind Kind, code, message string) *Error {
	if code == "" {
		code = kind.String()
	}
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Code: kind.String(), Message: message, Err: err}
}

func Unauthenticatedf(format string, args ...any) *Error {
	return New(Unauthenticated, "", fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, "", fmt.Sprintf(format, args...))
}

func NotFoundf(code, format string, args ...any) *Error {
	return New(NotFound, code, fmt.Sprintf(format, args...))
}

func Forbiddenf(format string, args ...any) *Error {
	return New(Forbidden, "", fmt.Sprintf(format, args...))
}

// As extracts the *Error in err's chain. Unclassified errors come back as
// an Internal error that wraps the original cause.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(Internal, err, "internal error")
}

func KindOf(err error) Kind {
	return As(err).Kind
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Public returns the message safe to send to a client. Internal causes
// never leave the process.
func Public(err error) string {
	ae := As(err)
	if ae.Kind == Internal {
		return "internal error"
	}
	return ae.Message
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case PersistenceConflict:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
