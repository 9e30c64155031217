package core

import (
	"errors"
	"fmt"
)

// errors.go implements the structured ErrorInfo/ErrorKind sum type (spec
// §7). It generalizes pkg/utils.Wrap: leaf call sites that only need a
// message keep using utils.Wrap, but anything crossing a component
// boundary (mempool -> writer -> shard, peer transport -> inbound
// handler) returns *ErrorInfo so callers can switch on Kind instead of
// string-matching a message.

func (k ErrorKind) String() string {
	switch k {
	case ErrValidation:
		return "validation"
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrTimeout:
		return "timeout"
	case ErrTransient:
		return "transient"
	case ErrFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// NewError builds an ErrorInfo with the given kind and message.
func NewError(kind ErrorKind, message string) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: message, Detail: map[string]string{}}
}

// WrapError wraps an existing error into an ErrorInfo, preserving Unwrap.
func WrapError(kind ErrorKind, cause error, message string) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: message, Detail: map[string]string{}, cause: cause}
}

// WithDetail attaches a key/value to the error's detail bag and returns
// the receiver for chaining.
func (e *ErrorInfo) WithDetail(key, value string) *ErrorInfo {
	if e.Detail == nil {
		e.Detail = map[string]string{}
	}
	e.Detail[key] = value
	return e
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ErrorInfo) Unwrap() error { return e.cause }

// Is lets errors.Is match against any other *ErrorInfo of equal Kind,
// including the ErrSentinel* values below.
func (e *ErrorInfo) Is(target error) bool {
	var other *ErrorInfo
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

var (
	ErrSentinelNotFound  = NewError(ErrNotFound, "not found")
	ErrSentinelTimeout   = NewError(ErrTimeout, "timeout")
	ErrSentinelConflict  = NewError(ErrConflict, "conflict")
	ErrSentinelTransient = NewError(ErrTransient, "transient")
)

// IsKind reports whether err is an *ErrorInfo of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Kind == kind
	}
	return false
}
