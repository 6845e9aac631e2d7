package xui

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a remote call failure so callers can decide retry policy
// from the error value instead of from control flow.
type Kind int

const (
	// KindTransient covers timeouts, connection errors and 5xx responses.
	// These are the only failures eligible for automatic retry.
	KindTransient Kind = iota
	// KindAuth covers rejected credentials and lockout short-circuits.
	KindAuth
	// KindTerminal covers 4xx responses, panel-reported failures and
	// malformed payloads. Retrying without operator action will not help.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindTerminal:
		return "terminal"
	}
	return "unknown"
}

// Error is the classified failure of one panel operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xui %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("xui %s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrSessionLocked marks a login short-circuited by the lockout counter.
// No HTTP request was made.
var ErrSessionLocked = errors.New("session locked, login short-circuited")

// ErrUnrecognizedShape marks a list payload that matched none of the known
// panel response shapes. It is deliberately distinct from an empty result.
var ErrUnrecognizedShape = errors.New("unrecognized response shape")

// IsRetryable reports whether an error may be retried automatically.
func IsRetryable(err error) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind == KindTransient
	}
	return false
}

// IsAuth reports whether an error is an authentication failure.
func IsAuth(err error) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind == KindAuth
	}
	return errors.Is(err, ErrSessionLocked)
}

// transportError wraps failures that never produced an HTTP response:
// timeouts, refused connections, resets, DNS. All of them are transient;
// retry bounding is the caller's job.
func transportError(op string, err error) *Error {
	msg := "request failed"
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		msg = "request timed out"
	}
	return &Error{Kind: KindTransient, Op: op, Msg: msg, Err: err}
}

func statusError(op string, status int, body string) *Error {
	msg := fmt.Sprintf("unexpected status %d", status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status >= 500:
		return &Error{Kind: KindTransient, Op: op, Msg: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Op: op, Msg: msg}
	default:
		return &Error{Kind: KindTerminal, Op: op, Msg: msg}
	}
}

func panelError(op, msg string) *Error {
	if msg == "" {
		msg = "panel reported failure"
	}
	low := strings.ToLower(msg)
	if strings.Contains(low, "password") || strings.Contains(low, "login") || strings.Contains(low, "credential") {
		return &Error{Kind: KindAuth, Op: op, Msg: msg}
	}
	return &Error{Kind: KindTerminal, Op: op, Msg: msg}
}

func decodeError(op string, err error) *Error {
	return &Error{Kind: KindTerminal, Op: op, Msg: "decode response", Err: err}
}
