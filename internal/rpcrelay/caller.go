package rpcrelay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// Caller is implemented by Relay and Multiplexer.
type Caller interface {
	// Call sends method/params to the peer and returns the raw JSON reply,
	// including any embedded error member.
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	LocalAddr() net.Addr
	// Peer and SetPeer address the peer endpoint. SetPeer affects calls
	// that have not yet sent their request.
	Peer() netip.AddrPort
	SetPeer(peer netip.AddrPort)
	Close() error
}

type peerAddr struct {
	p atomic.Pointer[net.UDPAddr]
}

func (a *peerAddr) get() *net.UDPAddr { return a.p.Load() }

func (a *peerAddr) set(peer netip.AddrPort) { a.p.Store(net.UDPAddrFromAddrPort(peer)) }

type Config struct {
	// Timeout bounds the wait for a reply.
	Timeout time.Duration
	// ReadBufferBytes is the largest reply that can be received.
	ReadBufferBytes int
}

const (
	DefaultTimeout         = 5 * time.Second
	DefaultReadBufferBytes = 65535
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = DefaultReadBufferBytes
	}
	return c
}

func discardLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger
}

// deadline is the earlier of now+timeout and the context deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
