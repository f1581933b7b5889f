package rpcrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/metrics"
)

// drainWait is how long Relay waits for already-queued datagrams when
// discarding stale replies. A deadline in the past would fail reads before
// they look at the socket buffer.
const drainWait = time.Millisecond

// Relay is a single-flight JSON-RPC client over a UDP socket.
//
// Calls are serialized: the socket is held from send until the reply, the
// timeout, or cancellation. Replies that arrive after their call timed out
// are discarded at the start of the next call, so they are never mistaken
// for that call's reply.
type Relay struct {
	conn    net.PacketConn
	peer    peerAddr
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	// sem is the socket lock. A channel lets waiting callers give up when
	// their context ends.
	sem chan struct{}
	buf []byte
}

var _ Caller = (*Relay)(nil)

// NewRelay takes ownership of conn.
func NewRelay(conn net.PacketConn, peer netip.AddrPort, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Relay {
	cfg = cfg.withDefaults()
	r := &Relay{
		conn:    conn,
		cfg:     cfg,
		metrics: m,
		log:     discardLogger(logger),
		sem:     make(chan struct{}, 1),
		buf:     make([]byte, cfg.ReadBufferBytes),
	}
	r.peer.set(peer)
	return r
}

func (r *Relay) LocalAddr() net.Addr { return r.conn.LocalAddr() }

func (r *Relay) Peer() netip.AddrPort { return r.peer.get().AddrPort() }

func (r *Relay) SetPeer(peer netip.AddrPort) { r.peer.set(peer) }

func (r *Relay) Close() error { return r.conn.Close() }

func (r *Relay) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	payload, err := NewRequest(method, params, SingleFlightID).Marshal()
	if err != nil {
		return nil, err
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	r.metrics.Inc(metrics.RelayCalls)

	if n := r.drainLocked(); n > 0 {
		r.metrics.Add(metrics.RelayStaleDiscarded, uint64(n))
		r.log.Debug("relay_stale_replies_discarded", "count", n)
	}

	peer := r.peer.get()
	if _, err := r.conn.WriteTo(payload, peer); err != nil {
		return nil, fmt.Errorf("send to %s: %w", peer, err)
	}

	if err := r.conn.SetReadDeadline(deadline(ctx, r.cfg.Timeout)); err != nil {
		return nil, err
	}
	// Cancellation interrupts the blocked read by moving the deadline. The
	// callback must finish before the lock is released so it cannot cut
	// short the next call's read.
	cancelled := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
		close(cancelled)
	})
	defer func() {
		if !stop() {
			<-cancelled
		}
	}()
	n, _, err := r.conn.ReadFrom(r.buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if isTimeout(err) {
			r.metrics.Inc(metrics.RelayTimeouts)
			r.log.Warn("relay_call_timeout", "method", method, "timeout", r.cfg.Timeout.String())
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("receive: %w", err)
	}

	reply := r.buf[:n]
	if !json.Valid(reply) {
		r.metrics.Inc(metrics.RelayProtocolErrors)
		return nil, fmt.Errorf("%w: %d bytes", ErrProtocol, n)
	}
	return append(json.RawMessage(nil), reply...), nil
}

// drainLocked discards datagrams already queued on the socket and returns
// how many it dropped. The caller must hold sem.
func (r *Relay) drainLocked() int {
	dropped := 0
	for {
		if err := r.conn.SetReadDeadline(time.Now().Add(drainWait)); err != nil {
			return dropped
		}
		if _, _, err := r.conn.ReadFrom(r.buf); err != nil {
			return dropped
		}
		dropped++
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
