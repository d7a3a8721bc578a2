package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// Error kinds. Match with errors.Is.
var (
	ErrUnreachable   = errors.New("unreachable")
	ErrAuthFailure   = errors.New("auth failure")
	ErrProtocolError = errors.New("protocol error")
	ErrTimeout       = errors.New("timeout")
)

// Error is a classified connector failure
type Error struct {
	Kind     error
	TargetID string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.TargetID, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.TargetID, e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, targetID, op string, err error) *Error {
	return &Error{Kind: kind, TargetID: targetID, Op: op, Err: err}
}

// KindName returns the wire name of the error kind, or "" for unclassified errors
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, ErrProtocolError):
		return "protocol_error"
	}
	return ""
}

// Transient reports whether a failure is worth retrying
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}

// classifyNetError maps transport-level errors to Timeout or Unreachable.
// Anything else is reported as a protocol error.
func classifyNetError(targetID, op string, err error) *Error {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return newError(ErrTimeout, targetID, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(ErrTimeout, targetID, op, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newError(ErrUnreachable, targetID, op, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.ECONNRESET) {
		return newError(ErrUnreachable, targetID, op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return newError(ErrUnreachable, targetID, op, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return newError(ErrTimeout, targetID, op, err)
	}
	return newError(ErrProtocolError, targetID, op, err)
}
