package bridge

import "errors"

var (
	// ErrBindFailure is returned when the per-connection UDP socket cannot be
	// bound. It is wrapped with the port and the cause.
	ErrBindFailure = errors.New("bind failure")
	// ErrPortsExhausted is returned once the port counter passes 65535. Ports
	// are never reused within a process lifetime.
	ErrPortsExhausted      = errors.New("bridge ports exhausted")
	ErrTooManyConnections  = errors.New("too many bridge connections")
	ErrDuplicateConnection = errors.New("connection id already registered")
)
