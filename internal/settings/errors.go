package settings

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind buckets settings fetch/save failures. Each kind gets different
// handling: cancellations are silenced, auth timeouts fall back to defaults,
// network exhaustion backs off without retry, everything else invalidates
// the cache and surfaces to the caller.
type ErrorKind int

const (
	ErrKindGeneric ErrorKind = iota
	ErrKindAuthTimeout
	ErrKindCancelled
	ErrKindExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindAuthTimeout:
		return "auth_timeout"
	case ErrKindCancelled:
		return "cancelled"
	case ErrKindExhausted:
		return "exhausted"
	default:
		return "generic"
	}
}

// Classify buckets an error by inspecting its text. String matching is
// deliberate: the backend client wraps causes inconsistently and typed
// errors do not survive its boundaries.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrKindGeneric
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cancel"):
		return ErrKindCancelled
	case strings.Contains(msg, "auth") && (strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")),
		strings.Contains(msg, "jwt expired"),
		strings.Contains(msg, "token expired"):
		return ErrKindAuthTimeout
	case strings.Contains(msg, "too many connections"),
		strings.Contains(msg, "connection pool"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "network exhausted"):
		return ErrKindExhausted
	default:
		return ErrKindGeneric
	}
}
