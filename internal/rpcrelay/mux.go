package rpcrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/metrics"
)

// Multiplexer allows concurrent calls on one socket. Every call gets a fresh
// request id and a one-shot reply channel; a dispatcher goroutine routes
// replies by id. Replies with an unknown id (including late replies of timed
// out calls) and malformed replies are dropped.
type Multiplexer struct {
	conn    net.PacketConn
	peer    peerAddr
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan json.RawMessage

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ Caller = (*Multiplexer)(nil)

// NewMultiplexer takes ownership of conn and starts the dispatcher.
func NewMultiplexer(conn net.PacketConn, peer netip.AddrPort, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Multiplexer {
	mx := &Multiplexer{
		conn:    conn,
		cfg:     cfg.withDefaults(),
		metrics: m,
		log:     discardLogger(logger),
		pending: make(map[uint64]chan json.RawMessage),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	mx.peer.set(peer)
	go mx.dispatch()
	return mx
}

func (mx *Multiplexer) LocalAddr() net.Addr { return mx.conn.LocalAddr() }

func (mx *Multiplexer) Peer() netip.AddrPort { return mx.peer.get().AddrPort() }

func (mx *Multiplexer) SetPeer(peer netip.AddrPort) { mx.peer.set(peer) }

func (mx *Multiplexer) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := mx.nextID.Add(1)
	payload, err := NewRequest(method, params, id).Marshal()
	if err != nil {
		return nil, err
	}

	ch := make(chan json.RawMessage, 1)
	mx.mu.Lock()
	select {
	case <-mx.closed:
		mx.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	mx.pending[id] = ch
	mx.mu.Unlock()
	defer func() {
		mx.mu.Lock()
		delete(mx.pending, id)
		mx.mu.Unlock()
	}()

	mx.metrics.Inc(metrics.RelayCalls)
	peer := mx.peer.get()
	if _, err := mx.conn.WriteTo(payload, peer); err != nil {
		return nil, fmt.Errorf("send to %s: %w", peer, err)
	}

	timer := time.NewTimer(time.Until(deadline(ctx, mx.cfg.Timeout)))
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mx.metrics.Inc(metrics.RelayTimeouts)
		mx.log.Warn("relay_call_timeout", "method", method, "id", id, "timeout", mx.cfg.Timeout.String())
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-mx.closed:
		return nil, ErrClosed
	}
}

func (mx *Multiplexer) dispatch() {
	defer close(mx.done)
	buf := make([]byte, mx.cfg.ReadBufferBytes)
	for {
		n, _, err := mx.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				mx.log.Warn("relay_dispatch_stopped", "err", err)
			}
			mx.shutdown()
			return
		}

		reply := buf[:n]
		if !json.Valid(reply) {
			mx.metrics.Inc(metrics.RelayProtocolErrors)
			continue
		}
		id, ok := replyID(reply)
		if !ok {
			mx.metrics.Inc(metrics.RelayProtocolErrors)
			continue
		}

		mx.mu.Lock()
		ch, ok := mx.pending[id]
		delete(mx.pending, id)
		mx.mu.Unlock()
		if !ok {
			mx.metrics.Inc(metrics.RelayStaleDiscarded)
			continue
		}
		ch <- append(json.RawMessage(nil), reply...)
	}
}

func (mx *Multiplexer) shutdown() {
	mx.closeOnce.Do(func() {
		mx.mu.Lock()
		close(mx.closed)
		mx.mu.Unlock()
	})
}

// Close closes the socket, fails outstanding calls with ErrClosed and waits
// for the dispatcher to exit.
func (mx *Multiplexer) Close() error {
	mx.shutdown()
	err := mx.conn.Close()
	<-mx.done
	return err
}
