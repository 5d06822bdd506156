// SPDX-License-Identifier: MIT

package instance

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds from SPEC_FULL.md §7, independent of
// transport.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindIllegalState           Kind = "illegal_state"
	KindInvalidInput           Kind = "invalid_input"
	KindIOFailure              Kind = "io_failure"
	KindChildFailure           Kind = "child_failure"
	KindUnavailableCollaborator Kind = "unavailable_collaborator"
)

// Error is the typed error every package in this module returns for
// domain-level failures. Bus-facing code maps Kind to the four bus-level
// typed errors at the façade boundary only.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

func NotFound(msg string) error     { return newErr(KindNotFound, msg, nil) }
func IllegalState(msg string) error { return newErr(KindIllegalState, msg, nil) }
func InvalidInput(msg string) error { return newErr(KindInvalidInput, msg, nil) }

func IOFailure(msg string, err error) error {
	return newErr(KindIOFailure, msg, err)
}

func ChildFailure(msg string) error { return newErr(KindChildFailure, msg, nil) }

func UnavailableCollaborator(msg string) error {
	return newErr(KindUnavailableCollaborator, msg, nil)
}

func kindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsNotFound(err error) bool     { k, ok := kindOf(err); return ok && k == KindNotFound }
func IsIllegalState(err error) bool { k, ok := kindOf(err); return ok && k == KindIllegalState }
func IsInvalidInput(err error) bool { k, ok := kindOf(err); return ok && k == KindInvalidInput }
func IsIOFailure(err error) bool    { k, ok := kindOf(err); return ok && k == KindIOFailure }
func IsChildFailure(err error) bool { k, ok := kindOf(err); return ok && k == KindChildFailure }
func IsUnavailableCollaborator(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnavailableCollaborator
}
