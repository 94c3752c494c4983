package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindDeviceNotFound        ErrorKind = "DeviceNotFound"
	KindPermissionDenied      ErrorKind = "PermissionDenied"
	KindDeviceBusy            ErrorKind = "DeviceBusy"
	KindConstraintUnsatisfied ErrorKind = "ConstraintUnsatisfied"
	KindSignalingUnavailable  ErrorKind = "SignalingUnavailable"
	KindNegotiationFailed     ErrorKind = "NegotiationFailed"
	KindUnknown               ErrorKind = "Unknown"
)

func (k ErrorKind) IsDevice() bool {
	switch k {
	case KindDeviceNotFound, KindPermissionDenied, KindDeviceBusy, KindConstraintUnsatisfied:
		return true
	}
	return false
}

// Messages maps an error kind to the text shown to the user.
type Messages map[ErrorKind]string

var DefaultMessages = Messages{
	KindDeviceNotFound:        "No camera or microphone was found.",
	KindPermissionDenied:      "Access to the camera or microphone was denied.",
	KindDeviceBusy:            "The camera or microphone is in use by another application.",
	KindConstraintUnsatisfied: "Your device does not support the requested call settings.",
	KindSignalingUnavailable:  "Not connected to the call service. Please try again.",
	KindNegotiationFailed:     "Could not establish a connection with the other party.",
	KindUnknown:               "The call failed unexpectedly.",
}

// Lookup falls back to DefaultMessages for kinds the table does not cover.
func (m Messages) Lookup(k ErrorKind) string {
	if msg, ok := m[k]; ok {
		return msg
	}
	if msg, ok := DefaultMessages[k]; ok {
		return msg
	}
	return DefaultMessages[KindUnknown]
}

func (k ErrorKind) UserMessage() string {
	return DefaultMessages.Lookup(k)
}

// CallError is the single error shape that crosses the core boundary.
type CallError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	Err     error     `json:"-"`
}

func NewError(kind ErrorKind, err error) *CallError {
	ce := &CallError{Kind: kind, Err: err}
	if err != nil {
		ce.Message = err.Error()
	}
	return ce
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Is matches any *CallError of the same kind, so errors.Is(err, ErrSignalingUnavailable) works.
func (e *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrSignalingUnavailable = &CallError{Kind: KindSignalingUnavailable}
	ErrNegotiationFailed    = &CallError{Kind: KindNegotiationFailed}
)

// AsCallError returns err as a *CallError, wrapping unclassified errors as Unknown
// with the original message passed through.
func AsCallError(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return NewError(KindUnknown, err)
}

func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsCallError(err).Kind
}

var (
	ErrCallInProgress    = errors.New("a call is already in progress")
	ErrNoActiveCall      = errors.New("no active call")
	ErrCallMismatch      = errors.New("call id does not match the active call")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrClosed            = errors.New("call service closed")
)
