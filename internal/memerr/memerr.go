// Package memerr defines the stable error taxonomy shared by every
// MemCloud component: the control RPC server, the peer protocol, and the
// block/key/stream stores all return these codes so a caller on the other
// side of a socket can branch on something more durable than a message
// string.
package memerr

import (
	"errors"
	"fmt"
)

// Code is a short, stable identifier for a class of failure. Codes are
// serialized on the wire (control RPC responses) and must never change
// spelling once shipped.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodeOutOfCapacity    Code = "out_of_capacity"
	CodeQuotaExceeded    Code = "quota_exceeded"
	CodeNoSuchPeer       Code = "no_such_peer"
	CodeAmbiguous        Code = "ambiguous"
	CodeOutOfOrder       Code = "out_of_order"
	CodeStreamAborted    Code = "stream_aborted"
	CodeDenied           Code = "denied"
	CodeTimeout          Code = "timeout"
	CodeHandshakeFailed  Code = "handshake_failed"
	CodeProtocolError    Code = "protocol_error"
	CodeInternal         Code = "internal"
)

// Error is a MemCloud error carrying a stable Code alongside a
// human-readable message and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that wraps cause, preserving it for errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, and
// CodeInternal otherwise. Useful at the control RPC boundary where every
// error must become a response code.
func CodeOf(err error) Code {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeInternal
}

// Is reports whether err is a MemCloud error with the given code.
func Is(err error, code Code) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

var (
	// ErrNotFound is a reusable sentinel for lookups with no further context.
	ErrNotFound = New(CodeNotFound, "not found")
)
