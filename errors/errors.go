// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package errors

import "fmt"

var (
	// ErrNotFound is returned if an object is not found in
	// the database.
	ErrNotFound = NewNotFoundError("not found")
	// ErrBadRequest is returned if a malformed request is sent
	ErrBadRequest = NewBadRequestError("invalid request")
	// ErrNoSpace is returned when the difference storage has no
	// free extent large enough to satisfy an allocation.
	ErrNoSpace = NewNoSpaceError("no space left in difference storage")
	// ErrWouldBlock is returned when an operation invoked from a
	// context that must not sleep would have to wait. The caller
	// is expected to resubmit from a blocking context.
	ErrWouldBlock = NewWouldBlockError("operation would block")
	// ErrEmptyQueue is returned when waiting for an event timed out.
	ErrEmptyQueue = NewEmptyQueueError("no events")
	// ErrInterrupted is returned when waiting for an event was
	// cancelled before an event arrived.
	ErrInterrupted = NewInterruptedError("wait interrupted")
)

// ErrCorrupted is returned once a difference area or CBT map has
// entered its sticky corrupted state. Every subsequent operation
// fails with this error until an explicit reset.
type ErrCorrupted struct {
	message string
}

func (b *ErrCorrupted) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*ErrCorrupted)
	return ok
}

func (e ErrCorrupted) Error() string {
	return e.message
}

// NewCorruptedError returns a new ErrCorrupted
func NewCorruptedError(msg string, a ...interface{}) error {
	return &ErrCorrupted{
		message: fmt.Sprintf(msg, a...),
	}
}

// ErrOutOfRange is returned when a sector range resolves to a block
// or chunk index outside the tracked device. Given capacity-derived
// sizing this should be unreachable; it is treated as corruption,
// not as a reason to panic.
type ErrOutOfRange struct {
	message string
}

func (b *ErrOutOfRange) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*ErrOutOfRange)
	return ok
}

func (e ErrOutOfRange) Error() string {
	return e.message
}

// NewOutOfRangeError returns a new ErrOutOfRange
func NewOutOfRangeError(msg string, a ...interface{}) error {
	return &ErrOutOfRange{
		message: fmt.Sprintf(msg, a...),
	}
}

// ErrInvalidDevice is returned when a device does not meet the
// required criteria to be considered valid.
type ErrInvalidDevice struct {
	message string
}

func (b *ErrInvalidDevice) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*ErrInvalidDevice)
	return ok
}

func (e ErrInvalidDevice) Error() string {
	return e.message
}

// NewInvalidDeviceErr returns a new ErrInvalidDevice
func NewInvalidDeviceErr(msg string, a ...interface{}) error {
	return &ErrInvalidDevice{
		message: fmt.Sprintf(msg, a...),
	}
}

type baseError struct {
	msg string
}

func (b *baseError) Error() string {
	return b.msg
}

// NewNotFoundError returns a new NotFoundError
func NewNotFoundError(msg string, a ...interface{}) error {
	return &NotFoundError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// NotFoundError is returned when a resource is not found
type NotFoundError struct {
	baseError
}

func (b *NotFoundError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*NotFoundError)
	return ok
}

// NewBadRequestError returns a new BadRequestError
func NewBadRequestError(msg string, a ...interface{}) error {
	return &BadRequestError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// BadRequestError is returned when a malformed request is received
type BadRequestError struct {
	baseError
}

func (b *BadRequestError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*BadRequestError)
	return ok
}

// NewConflictError returns a new ConflictError
func NewConflictError(msg string, a ...interface{}) error {
	return &ConflictError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// ConflictError is returned when a conflicting request is made
type ConflictError struct {
	baseError
}

func (b *ConflictError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*ConflictError)
	return ok
}

// NewValueError returns a new ValueError
func NewValueError(msg string, a ...interface{}) error {
	return &ValueError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// ValueError is returned when a value is invalid.
type ValueError struct {
	baseError
}

func (b *ValueError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*ValueError)
	return ok
}

// NewNoSpaceError returns a new NoSpaceError
func NewNoSpaceError(msg string, a ...interface{}) error {
	return &NoSpaceError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// NoSpaceError is returned when no free extent can satisfy an
// allocation. It is fatal for the requesting chunk; recovery
// requires the controller to register more storage ranges.
type NoSpaceError struct {
	baseError
}

func (b *NoSpaceError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*NoSpaceError)
	return ok
}

// NewWouldBlockError returns a new WouldBlockError
func NewWouldBlockError(msg string, a ...interface{}) error {
	return &WouldBlockError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// WouldBlockError is a transient error returned from no-wait contexts.
type WouldBlockError struct {
	baseError
}

func (b *WouldBlockError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*WouldBlockError)
	return ok
}

// NewEmptyQueueError returns a new EmptyQueueError
func NewEmptyQueueError(msg string, a ...interface{}) error {
	return &EmptyQueueError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// EmptyQueueError is returned when an event wait times out.
type EmptyQueueError struct {
	baseError
}

func (b *EmptyQueueError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*EmptyQueueError)
	return ok
}

// NewInterruptedError returns a new InterruptedError
func NewInterruptedError(msg string, a ...interface{}) error {
	return &InterruptedError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// InterruptedError is returned when an event wait is cancelled.
type InterruptedError struct {
	baseError
}

func (b *InterruptedError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*InterruptedError)
	return ok
}
