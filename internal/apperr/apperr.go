// Package apperr defines the error kinds surfaced by the nonce and signature
// services, and their mapping onto HTTP statuses for the API layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidArgument is a malformed input. Never retried.
	KindInvalidArgument
	// KindNotFound means the token or record is absent.
	KindNotFound
	// KindExpired means the record existed but has lapsed.
	KindExpired
	// KindStoreUnavailable is a persistence I/O failure. Retry at a higher layer.
	KindStoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindExpired:
		return "EXPIRED"
	case KindStoreUnavailable:
		return "STORE_UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Sentinels for errors.Is matching. Every *Error matches the sentinel of its kind.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrExpired          = errors.New("expired")
	ErrStoreUnavailable = errors.New("store unavailable")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindNotFound:
		return ErrNotFound
	case KindExpired:
		return ErrExpired
	case KindStoreUnavailable:
		return ErrStoreUnavailable
	default:
		return nil
	}
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "nonce.Validate"
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		if s := e.Kind.sentinel(); s != nil {
			msg = s.Error()
		} else {
			msg = "error"
		}
	}
	prefix := msg
	if e.Op != "" {
		prefix = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func InvalidArgument(op, message string) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Message: message}
}

func NotFound(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

func Expired(op, message string) *Error {
	return &Error{Kind: KindExpired, Op: op, Message: message}
}

// StoreUnavailable wraps a persistence failure.
func StoreUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Op: op, Message: "store unavailable", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HTTPStatus maps a kind onto the status the API layer responds with.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusGone
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
