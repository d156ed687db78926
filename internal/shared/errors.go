// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that callers can decide how to report it
// without inspecting transport details.
type Kind int

// Error kinds.
const (
	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindAuth means a token could not be acquired.
	KindAuth
	// KindAuthExpired means the API rejected the bearer token (HTTP 401).
	KindAuthExpired
	// KindTransport covers network failures and timeouts.
	KindTransport
	// KindProtocol covers unexpected statuses and malformed responses.
	KindProtocol
	// KindSizeLimit means a file is larger than its class allows.
	KindSizeLimit
	// KindUnsupportedFormat means a file's content type is not accepted.
	KindUnsupportedFormat
	// KindUnauthorized means the sender is not on the allow-list.
	KindUnauthorized
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindAuth:              "auth_error",
	KindAuthExpired:       "auth_expired",
	KindTransport:         "transport_error",
	KindProtocol:          "protocol_error",
	KindSizeLimit:         "size_limit_exceeded",
	KindUnsupportedFormat: "unsupported_format",
	KindUnauthorized:      "unauthorized",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
