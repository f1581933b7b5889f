package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/framing"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/ratelimit"
)

const closeWriteWait = time.Second

// WebSocketServer implements GET /portal.
type WebSocketServer struct {
	cfg      Config
	registry *Registry
	policy   *policy.DestinationPolicy
	metrics  *metrics.Metrics
	log      *slog.Logger
	net      transport.Net
	codec    framing.Codec

	upgrader websocket.Upgrader
}

// NewWebSocketServer returns a bridge server. A nil policy allows every
// destination.
func NewWebSocketServer(cfg Config, registry *Registry, pol *policy.DestinationPolicy, m *metrics.Metrics, logger *slog.Logger) (*WebSocketServer, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if registry == nil {
		return nil, errors.New("bridge: nil registry")
	}
	network := cfg.Net
	if network == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("bridge: create network: %w", err)
		}
		network = n
	}
	codec, err := framing.NewCodec(cfg.MaxDatagramPayloadBytes)
	if err != nil {
		return nil, err
	}

	s := &WebSocketServer{
		cfg:      cfg,
		registry: registry,
		policy:   pol,
		metrics:  m,
		log:      logger,
		net:      network,
		codec:    codec,
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s, nil
}

func (s *WebSocketServer) Registry() *Registry { return s.registry }

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}
	_, ok := origin.Check(originHeader, r.Host, s.cfg.AllowedOrigins)
	return ok
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reserve(); err != nil {
		s.metrics.Inc(metrics.BridgeConnectionsRejected)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var writeMu sync.Mutex
	closeWS := func(code int, reason string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteWait))
		_ = ws.Close()
	}

	conn, err := s.open(ws, r.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, ErrPortsExhausted):
			s.metrics.Inc(metrics.BridgePortAllocationFailed)
			s.log.Error("bridge_port_allocation_failed", "remote_addr", r.RemoteAddr, "err", err)
			closeWS(websocket.CloseInternalServerErr, "ports exhausted")
		default:
			s.metrics.Inc(metrics.BridgeBindFailures)
			s.log.Error("bridge_bind_failed", "remote_addr", r.RemoteAddr, "err", err)
			closeWS(websocket.CloseInternalServerErr, "bind failure")
		}
		return
	}
	defer conn.Close()

	if err := s.registry.Register(conn); err != nil {
		s.metrics.Inc(metrics.BridgeConnectionsRejected)
		closeWS(websocket.CloseTryAgainLater, "too many connections")
		return
	}
	defer s.registry.Unregister(conn.ID())

	s.metrics.Inc(metrics.BridgeConnections)
	s.log.Info("bridge_connected", "conn_id", conn.ID(), "udp_addr", conn.LocalAddr().String(), "remote_addr", r.RemoteAddr)

	writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	err = ws.WriteMessage(websocket.BinaryMessage, framing.EncodePortAnnouncement(conn.Port()))
	writeMu.Unlock()
	if err != nil {
		s.log.Debug("bridge_port_announcement_failed", "conn_id", conn.ID(), "err", err)
		return
	}

	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	err = s.run(r.Context(), conn, &writeMu)
	s.log.Info("bridge_disconnected", "conn_id", conn.ID(), "reason", disconnectReason(err))
}

// open allocates a port and binds the connection's UDP socket.
func (s *WebSocketServer) open(ws *websocket.Conn, remoteAddr string) (*Connection, error) {
	port, err := s.registry.Allocate()
	if err != nil {
		return nil, err
	}
	laddr := &net.UDPAddr{IP: s.cfg.BindIP.AsSlice(), Port: int(port)}
	network := "udp4"
	if s.cfg.BindIP.Is6() {
		network = "udp6"
	}
	udp, err := s.net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: port %d: %v", ErrBindFailure, port, err)
	}

	q := newSendQueue(s.cfg.SendQueueBytes)
	q.SetOnDrop(func() { s.metrics.Inc(metrics.BridgeDroppedBackpressure) })

	return &Connection{
		id:         ConnectionID(port),
		port:       port,
		remoteAddr: remoteAddr,
		createdAt:  time.Now(),
		udp:        udp,
		ws:         ws,
		queue:      q,
		limiter:    ratelimit.NewConnectionLimiter(s.cfg.Clock, s.cfg.Limits),
	}, nil
}

// run drives the session until either direction fails, then tears down
// everything the session owns and waits for all goroutines.
func (s *WebSocketServer) run(ctx context.Context, conn *Connection, writeMu *sync.Mutex) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.peerToBrowser(conn) })
	g.Go(func() error { return s.writeLoop(conn, writeMu) })
	g.Go(func() error { return s.browserToPeer(conn) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})

	return g.Wait()
}

func (s *WebSocketServer) peerToBrowser(conn *Connection) error {
	buf := make([]byte, s.cfg.UDPReadBufferBytes)
	for {
		n, addr, err := conn.udp.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("udp read: %w", err)
		}
		s.metrics.Inc(metrics.BridgeDatagramsIn)

		frame, err := s.codec.EncodeUDPMessage(addr.AddrPort(), buf[:n])
		if err != nil {
			s.metrics.Inc(metrics.BridgeDroppedOversized)
			continue
		}
		if conn.queue.Enqueue(frame) {
			conn.datagramsIn.Add(1)
		}
	}
}

// writeLoop is the only writer of data frames, so the browser observes
// datagrams in the order they were received.
func (s *WebSocketServer) writeLoop(conn *Connection, writeMu *sync.Mutex) error {
	for {
		frame, ok := conn.queue.Dequeue()
		if !ok {
			return nil
		}
		writeMu.Lock()
		_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		err := conn.ws.WriteMessage(websocket.BinaryMessage, frame)
		writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("websocket write: %w", err)
		}
	}
}

func (s *WebSocketServer) browserToPeer(conn *Connection) error {
	for {
		msgType, msg, err := conn.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.Inc(metrics.BridgeDroppedOversized)
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			s.metrics.Inc(metrics.BridgeTextFramesIgnored)
			continue
		}

		m, err := s.codec.DecodeWSMessage(msg)
		if err != nil {
			if errors.Is(err, framing.ErrTooShort) {
				s.metrics.Inc(metrics.BridgeDroppedShort)
			} else {
				s.metrics.Inc(metrics.BridgeDroppedOversized)
				s.log.Debug("bridge_frame_dropped", "conn_id", conn.ID(), "len", len(msg), "err", err)
			}
			continue
		}
		if err := s.policy.AllowUDP(m.Destination); err != nil {
			s.metrics.Inc(metrics.BridgeDroppedPolicy)
			s.log.Debug("bridge_destination_denied", "conn_id", conn.ID(), "dst", m.Destination.String(), "err", err)
			continue
		}
		if !conn.limiter.AllowDatagram(len(m.Payload)) {
			s.metrics.Inc(metrics.BridgeDroppedRateLimited)
			continue
		}

		if _, err := conn.udp.WriteToUDP(m.Payload, net.UDPAddrFromAddrPort(m.Destination)); err != nil {
			s.metrics.Inc(metrics.BridgeDroppedSendFailed)
			s.log.Debug("bridge_udp_send_failed", "conn_id", conn.ID(), "dst", m.Destination.String(), "err", err)
			continue
		}
		conn.datagramsOut.Add(1)
		s.metrics.Inc(metrics.BridgeDatagramsOut)
	}
}

// Close closes every live session.
func (s *WebSocketServer) Close() {
	s.registry.CloseAll()
}

func disconnectReason(err error) string {
	var closeErr *websocket.CloseError
	switch {
	case err == nil:
		return "closed"
	case errors.As(err, &closeErr):
		return fmt.Sprintf("websocket close %d", closeErr.Code)
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return err.Error()
	}
}
