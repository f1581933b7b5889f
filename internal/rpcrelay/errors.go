package rpcrelay

import "errors"

var (
	// ErrTimeout is returned when no reply arrives before the deadline.
	ErrTimeout = errors.New("receive timeout")
	// ErrProtocol is returned when the reply is not valid JSON.
	ErrProtocol = errors.New("malformed reply")
	ErrClosed   = errors.New("relay closed")
)
