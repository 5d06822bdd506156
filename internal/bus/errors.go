// SPDX-License-Identifier: MIT

package bus

import (
	"fmt"

	"github.com/tomtom215/capturemgrd/internal/instance"
)

// ErrorCode is one of the four typed errors the bus surface raises
// (SPEC_FULL.md §7); every internal/instance.Kind maps onto one of these at
// the façade boundary, and nowhere else.
type ErrorCode string

const (
	ErrInstanceNotFound ErrorCode = "InstanceNotFound"
	ErrInstanceRunning  ErrorCode = "InstanceRunning"
	ErrInvalidConfig    ErrorCode = "InvalidConfig"
	ErrGeneric          ErrorCode = "Error"
)

// Error is the typed error value returned across the bus surface.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// mapErr translates an internal/instance.Error into the bus's four-error
// vocabulary. IllegalState maps to InstanceRunning because every
// IllegalState the Supervisor currently raises is some variant of "this
// instance is (or isn't) running"; IOFailure, ChildFailure and
// UnavailableCollaborator all fall through to the generic Error code since
// the bus surface has no dedicated code for them.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case instance.IsNotFound(err):
		return &Error{Code: ErrInstanceNotFound, Message: err.Error()}
	case instance.IsIllegalState(err):
		return &Error{Code: ErrInstanceRunning, Message: err.Error()}
	case instance.IsInvalidInput(err):
		return &Error{Code: ErrInvalidConfig, Message: err.Error()}
	default:
		return &Error{Code: ErrGeneric, Message: err.Error()}
	}
}
