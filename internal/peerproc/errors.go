package peerproc

import "errors"

var (
	// ErrSpawnFailure is returned when the peer process cannot be started.
	ErrSpawnFailure = errors.New("failed to start portal process")
	ErrNotStarted   = errors.New("peer process was never started")
	ErrStopTimeout  = errors.New("peer process did not exit")
)
