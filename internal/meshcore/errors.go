// Package meshcore holds cross-cutting types shared by every subsystem of
// the mesh core: the error taxonomy and the small value types (extended
// address, short address, key sequence) that frame, neighbor, and MLE code
// all need without importing each other.
package meshcore

import "errors"

// Error is one of the taxonomy values from the mesh core's error
// taxonomy. Internal APIs return ordinary Go errors that wrap one of the
// sentinels below; callers compare with errors.Is.
type Error struct {
	code string
}

func (e *Error) Error() string { return e.code }

var (
	ErrFailed               = &Error{"failed"}
	ErrInvalidArgs          = &Error{"invalid arguments"}
	ErrInvalidState         = &Error{"invalid state"}
	ErrNoBufs               = &Error{"no buffers"}
	ErrNoAddress            = &Error{"no address"}
	ErrNotFound             = &Error{"not found"}
	ErrBusy                 = &Error{"busy"}
	ErrAbort                = &Error{"abort"}
	ErrParse                = &Error{"parse error"}
	ErrSecurity             = &Error{"security error"}
	ErrNoAck                = &Error{"no ack"}
	ErrChannelAccessFailure = &Error{"channel access failure"}
	ErrResponseTimeout      = &Error{"response timeout"}
	ErrAlready              = &Error{"already"}
	ErrNotImplemented       = &Error{"not implemented"}
)

// Is allows errors.Is(err, ErrX) to work for wrapped instances, and lets
// two *Error sentinels compare equal to themselves (the zero-wrap case).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.code == e.code
	}
	return false
}
