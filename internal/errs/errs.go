// Package errs defines the error taxonomy shared by every component of the
// plugin daemon. RPC handlers format a typed error's message into the
// network-driver response's Err field; callers that need to branch on kind
// use errors.Is against the sentinel Kind values.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories a caller may need to branch
// on. Kind implements error so it can be used directly as a sentinel with
// errors.Is, or wrapped with additional context via New.
type Kind string

const (
	// InvalidConfig means a request carried missing or malformed options.
	InvalidConfig Kind = "invalid_config"
	// NotFound means the operand does not exist. Delete-like verbs treat
	// this as success rather than surfacing it to the caller.
	NotFound Kind = "not_found"
	// AlreadyExists means a peer-creation race lost; idempotent verbs
	// collapse this to success.
	AlreadyExists Kind = "already_exists"
	// Busy means DeleteNetwork was called while endpoints still reference
	// the network.
	Busy Kind = "busy"
	// Unavailable means OVS or OVN could not be reached after retrying.
	Unavailable Kind = "unavailable"
	// Timeout means a bounded wait (the bootstrap readiness poll) elapsed
	// before the awaited condition held. Connection deadlines surface as
	// Unavailable instead.
	Timeout Kind = "timeout"
	// Internal marks a programmer error; it is surfaced verbatim.
	Internal Kind = "internal"
)

func (k Kind) Error() string { return string(k) }

// wrapped pairs a Kind with a descriptive message so fmt.Errorf's %w still
// lets errors.Is(err, SomeKind) succeed.
type wrapped struct {
	kind Kind
	msg  string
	err  error
}

func (w *wrapped) Error() string {
	if w.err != nil {
		return fmt.Sprintf("%s: %v", w.msg, w.err)
	}
	return w.msg
}

func (w *wrapped) Unwrap() []error {
	if w.err == nil {
		return []error{w.kind}
	}
	return []error{w.kind, w.err}
}

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &wrapped{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind that also carries an underlying
// cause, preserved for errors.Is/errors.As chains.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &wrapped{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// Is reports whether err (or anything it wraps) is of the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
