package service

import (
	"errors"
	"fmt"

	"panelstore/xui"
)

// ValidationError marks bad input: unpaid orders, missing plans, malformed
// requests. Never retried automatically.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, a ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, a...)}
}

// CapacityError marks a ceiling that was already reached. Retrying is
// pointless until an operator raises capacity or frees slots.
type CapacityError struct {
	Scope string // "inbound", "plan" or "server"
	ID    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity on %s %d", e.Scope, e.ID)
}

// PersistenceError marks a local write that failed after the remote side
// effect already happened. It carries the remote identity so an operator
// can reconcile by hand; blind retry would create a duplicate remote client.
type PersistenceError struct {
	RemoteUUID  string
	RemoteEmail string
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("local persistence failed after remote create (uuid=%s email=%s): %v",
		e.RemoteUUID, e.RemoteEmail, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsAutoRetryable reports whether a provisioning failure qualifies for the
// background retry sweep. Only transient remote failures do; capacity and
// validation failures need operator action first.
func IsAutoRetryable(err error) bool {
	var ve *ValidationError
	var ce *CapacityError
	var pe *PersistenceError
	if errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &pe) {
		return false
	}
	return xui.IsRetryable(err)
}
