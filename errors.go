package main

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a request ran out of time.
	ErrTimeout = errors.New("request timed out")
	// ErrAborted is returned when a request was cancelled before it completed.
	// The cancellation cause is wrapped alongside it.
	ErrAborted = errors.New("request aborted")
	// ErrDisconnected is the cancellation cause used when the user ends the
	// session while a server request is outstanding.
	ErrDisconnected = errors.New("disconnected by user")

	ErrNotReady     = errors.New("brick not ready for a new session")
	ErrNotConnected = errors.New("no active session")

	ErrInvalidServer = errors.New("custom server needs host and port when enabled")
)

// TransportError covers refused connections, broken bodies and non-200 replies.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a reply that arrived fine but could not be understood.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
