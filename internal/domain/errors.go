package domain

import (
	"errors"
	"fmt"
)

var (
	ErrBusy        = errors.New("another call is already in progress")
	ErrNoPeer      = errors.New("no remote peer given")
	ErrNoSession   = errors.New("no matching call session")
	ErrCallEnded   = errors.New("call ended before the operation completed")
	ErrInvalidKind = errors.New("invalid call kind")
	ErrWrongState  = errors.New("operation not allowed in current call state")

	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceBusy       = errors.New("media device busy")
)

// MediaError reports a failure to acquire local capture devices.
// Err is one of the ErrPermissionDenied/ErrDeviceNotFound/ErrDeviceBusy
// sentinels when the cause is known.
type MediaError struct {
	Kind MediaKind
	Err  error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("acquire %s media: %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// NegotiationError reports a failure of the connection negotiation platform.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// UserMessage turns an error from the call layer into text fit for the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Access to the microphone or camera was denied. Allow access in your system settings and try again."
	case errors.Is(err, ErrDeviceNotFound):
		return "No microphone or camera was found. Connect a device and try again."
	case errors.Is(err, ErrDeviceBusy):
		return "The microphone or camera is in use by another application."
	case errors.As(err, new(*MediaError)):
		return "Could not start your microphone or camera."
	case errors.As(err, new(*NegotiationError)):
		return "The call could not be connected."
	case errors.Is(err, ErrBusy):
		return "You are already in a call."
	case errors.Is(err, ErrNoPeer):
		return "Choose someone to call."
	default:
		return "The call failed."
	}
}
