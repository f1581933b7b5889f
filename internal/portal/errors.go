package portal

import (
	"errors"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/rpcrelay"
)

var (
	ErrNotInitialized     = errors.New("UDP port not initialized")
	ErrAlreadyInitialized = errors.New("UDP socket already initialized")
	ErrMissingMethod      = errors.New("Missing RPC method in params")
	ErrUnknownMethod      = errors.New("Unknown method")
	ErrInvalidBindPort    = errors.New("Missing or invalid bind_port parameter")
	ErrInvalidUDPPort     = errors.New("Missing or invalid udp_port parameter")
	ErrPeerNotRunning     = errors.New("peer process not running")
	ErrClosed             = errors.New("portal runtime closed")
)

// ErrorMessage is the string a browser client sees for err.
func ErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, rpcrelay.ErrTimeout):
		return "Receive timeout"
	case errors.Is(err, rpcrelay.ErrProtocol):
		return "Failed to parse response: " + err.Error()
	default:
		return err.Error()
	}
}
