package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a key did not exist. It is never counted as a
	// failure.
	ErrNotFound = errors.New(`kvpipe: key not found`)

	// ErrClosed is returned when work is submitted to a closed (or closing)
	// connection, client, or loop association.
	ErrClosed = errors.New(`kvpipe: closed`)

	// ErrQueueFull is returned when a connection cannot accept more requests.
	ErrQueueFull = errors.New(`kvpipe: queue full`)
)

type (
	// SubmitError indicates a request never reached the wire. The request's
	// completion callback will not be invoked.
	SubmitError struct {
		Err error
	}

	// TransportError indicates a request failed asynchronously, after it was
	// accepted, e.g. due to a connection failure or timeout.
	TransportError struct {
		Err error
	}

	// ProtocolError is an error reported by the server.
	ProtocolError struct {
		Message string
		Code    int
	}
)

// NewSubmitError wraps err as a *SubmitError, unless it already is one.
func NewSubmitError(err error) error {
	if err == nil {
		return nil
	}
	var target *SubmitError
	if errors.As(err, &target) {
		return err
	}
	return &SubmitError{Err: err}
}

// NewTransportError wraps err as a *TransportError, unless it already is
// one, or is a *ProtocolError.
func NewTransportError(err error) error {
	if err == nil {
		return nil
	}
	var (
		transportErr *TransportError
		protocolErr  *ProtocolError
	)
	if errors.As(err, &transportErr) || errors.As(err, &protocolErr) {
		return err
	}
	return &TransportError{Err: err}
}

func (e *SubmitError) Error() string {
	return `kvpipe: submit failed: ` + errString(e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

func (e *TransportError) Error() string {
	return `kvpipe: transport failed: ` + errString(e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *ProtocolError) Error() string {
	if e.Message == `` {
		return fmt.Sprintf(`kvpipe: server error code %d`, e.Code)
	}
	return fmt.Sprintf(`kvpipe: server error code %d: %s`, e.Code, e.Message)
}

// IsSubmitError reports whether err is, or wraps, a *SubmitError.
func IsSubmitError(err error) bool {
	var target *SubmitError
	return errors.As(err, &target)
}

// Classify maps a per-request or per-key error to a ResultCode.
func Classify(err error) ResultCode {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNotFound):
		return ResultNotFound
	default:
		return ResultError
	}
}

func errString(err error) string {
	if err == nil {
		return `<nil>`
	}
	return err.Error()
}
