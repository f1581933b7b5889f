// Package portal owns the relay socket and the peer process, and exposes the
// initialize/request/shutdown command surface used by browser clients.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"go.uber.org/multierr"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/peerproc"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/rpcrelay"
)

// PeerProcess is satisfied by *peerproc.Supervisor.
type PeerProcess interface {
	Start(bindPort, udpPort uint16) error
	Shutdown() error
	Alive() bool
	Restart(ctx context.Context) error
	ResetBackoff()
}

var _ PeerProcess = (*peerproc.Supervisor)(nil)

type Config struct {
	// BindAddr is where the relay socket listens, normally 0.0.0.0:0.
	BindAddr netip.AddrPort
	// PeerHost is the address the peer listens on; only its port comes from
	// the client.
	PeerHost    netip.Addr
	Multiplexed bool
	Relay       rpcrelay.Config
	// RestartAfterTimeouts restarts the peer after this many consecutive
	// relay timeouts. Zero disables restarts.
	RestartAfterTimeouts int

	// Net opens the relay socket. Nil means the host network.
	Net transport.Net
}

// UDPInitResult is the initialize_udp reply.
type UDPInitResult struct {
	UDPPort       uint16 `json:"udpPort"`
	DynamicPort   uint16 `json:"dynamicPort"`
	Status        string `json:"status"`
	SocketAddress string `json:"socketAddress"`
}

// InitResult is the initialize_portal reply. bindPort is always present,
// including when it is 0.
type InitResult struct {
	BindPort uint16 `json:"bindPort"`
	UDPInitResult
}

type StopResult struct {
	Status string `json:"status"`
}

type Status struct {
	Initialized         bool   `json:"initialized"`
	BindPort            uint16 `json:"bindPort,omitempty"`
	UDPPort             uint16 `json:"udpPort,omitempty"`
	SocketAddress       string `json:"socketAddress,omitempty"`
	PeerRunning         bool   `json:"peerRunning"`
	RelayMode           string `json:"relayMode"`
	ConsecutiveTimeouts int64  `json:"consecutiveTimeouts"`
}

const (
	statusInitialized = "initialized"
	statusStopped     = "stopped"
)

// Runtime is the process-wide relay state. It is created once by main and
// shared by the HTTP handlers.
type Runtime struct {
	cfg     Config
	net     transport.Net
	peer    PeerProcess
	metrics *metrics.Metrics
	log     *slog.Logger

	mu          sync.Mutex
	caller      rpcrelay.Caller
	bindPort    uint16
	udpPort     uint16
	peerStarted bool
	closed      bool

	timeouts   atomic.Int64
	restarting atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRuntime(cfg Config, peer PeerProcess, m *metrics.Metrics, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if !cfg.BindAddr.IsValid() {
		cfg.BindAddr = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	if !cfg.PeerHost.IsValid() {
		cfg.PeerHost = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	n := cfg.Net
	if n == nil {
		var err error
		n, err = stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("create network: %w", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:     cfg,
		net:     n,
		peer:    peer,
		metrics: m,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// InitializePortal opens the relay socket if needed, points it at udpPort
// and (re)starts the peer process. Calling it again keeps the socket and
// restarts the peer with the new ports.
func (r *Runtime) InitializePortal(bindPort, udpPort uint16) (InitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return InitResult{}, ErrClosed
	}
	if err := r.ensureCallerLocked(udpPort); err != nil {
		return InitResult{}, err
	}
	r.bindPort = bindPort
	r.timeouts.Store(0)

	if r.peer != nil {
		if err := r.peer.Start(bindPort, udpPort); err != nil {
			// Start kills the previous child before spawning.
			r.peerStarted = false
			r.log.Error("peer_start_failed", "bind_port", bindPort, "udp_port", udpPort, "err", err)
			return InitResult{}, err
		}
		r.peerStarted = true
	}

	res := InitResult{BindPort: bindPort, UDPInitResult: r.initResultLocked()}
	r.log.Info("portal_initialized", "bind_port", bindPort, "udp_port", udpPort, "socket", res.SocketAddress)
	return res, nil
}

// InitializeUDP opens the relay socket towards udpPort without spawning the
// peer, for peers managed outside this process.
func (r *Runtime) InitializeUDP(udpPort uint16) (UDPInitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return UDPInitResult{}, ErrClosed
	}
	if r.caller != nil {
		return UDPInitResult{}, ErrAlreadyInitialized
	}
	if err := r.ensureCallerLocked(udpPort); err != nil {
		return UDPInitResult{}, err
	}
	res := r.initResultLocked()
	r.log.Info("udp_initialized", "udp_port", udpPort, "socket", res.SocketAddress)
	return res, nil
}

func (r *Runtime) ensureCallerLocked(udpPort uint16) error {
	if udpPort == 0 {
		return ErrInvalidUDPPort
	}
	peer := netip.AddrPortFrom(r.cfg.PeerHost, udpPort)
	if r.caller != nil {
		r.caller.SetPeer(peer)
		r.udpPort = udpPort
		return nil
	}

	network := "udp4"
	if r.cfg.BindAddr.Addr().Is6() {
		network = "udp6"
	}
	conn, err := r.net.ListenUDP(network, net.UDPAddrFromAddrPort(r.cfg.BindAddr))
	if err != nil {
		return fmt.Errorf("failed to bind relay socket %s: %w", r.cfg.BindAddr, err)
	}
	if r.cfg.Multiplexed {
		r.caller = rpcrelay.NewMultiplexer(conn, peer, r.cfg.Relay, r.metrics, r.log)
	} else {
		r.caller = rpcrelay.NewRelay(conn, peer, r.cfg.Relay, r.metrics, r.log)
	}
	r.udpPort = udpPort
	return nil
}

func (r *Runtime) initResultLocked() UDPInitResult {
	res := UDPInitResult{UDPPort: r.udpPort, Status: statusInitialized}
	addr := r.caller.LocalAddr()
	res.SocketAddress = addr.String()
	if ua, ok := addr.(*net.UDPAddr); ok {
		res.DynamicPort = uint16(ua.Port)
	}
	return res
}

type requestParams struct {
	Method json.RawMessage `json:"method"`
	Params json.RawMessage `json:"params"`
}

// PortalRequest forwards params.method and params.params to the peer and
// returns its raw reply.
func (r *Runtime) PortalRequest(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	caller := r.caller
	r.mu.Unlock()
	if caller == nil {
		return nil, ErrNotInitialized
	}

	var p requestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrMissingMethod
	}
	var method string
	if err := json.Unmarshal(p.Method, &method); err != nil || method == "" {
		return nil, ErrMissingMethod
	}

	reply, err := caller.Call(ctx, method, p.Params)
	r.observe(err)
	return reply, err
}

// observe tracks consecutive timeouts and schedules a peer restart once the
// configured threshold is reached.
func (r *Runtime) observe(err error) {
	if r.peer == nil {
		return
	}
	if err == nil {
		r.timeouts.Store(0)
		r.peer.ResetBackoff()
		return
	}
	if !errors.Is(err, rpcrelay.ErrTimeout) {
		return
	}
	n := r.timeouts.Add(1)
	threshold := r.cfg.RestartAfterTimeouts
	if threshold <= 0 || n < int64(threshold) {
		return
	}
	if !r.restarting.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	if r.closed || !r.peerStarted {
		r.mu.Unlock()
		r.restarting.Store(false)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.timeouts.Store(0)
	r.log.Warn("peer_restart", "consecutive_timeouts", n)
	go func() {
		defer r.wg.Done()
		defer r.restarting.Store(false)
		err := r.peer.Restart(r.ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, peerproc.ErrNotStarted) {
			r.log.Error("peer_restart_failed", "err", err)
		}
	}()
}

// Shutdown stops the peer, closes the relay socket and forgets the peer
// port. It succeeds when nothing is running.
func (r *Runtime) Shutdown() (StopResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.shutdownLocked()
	r.log.Info("portal_stopped")
	return StopResult{Status: statusStopped}, err
}

func (r *Runtime) shutdownLocked() error {
	var err error
	if r.peer != nil && r.peerStarted {
		err = multierr.Append(err, r.peer.Shutdown())
	}
	if r.caller != nil {
		err = multierr.Append(err, r.caller.Close())
	}
	r.caller = nil
	r.peerStarted = false
	r.bindPort = 0
	r.udpPort = 0
	r.timeouts.Store(0)
	return err
}

func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Initialized:         r.caller != nil,
		BindPort:            r.bindPort,
		UDPPort:             r.udpPort,
		RelayMode:           "single",
		ConsecutiveTimeouts: r.timeouts.Load(),
	}
	if r.cfg.Multiplexed {
		st.RelayMode = "multiplexed"
	}
	if r.caller != nil {
		st.SocketAddress = r.caller.LocalAddr().String()
	}
	if r.peer != nil && r.peerStarted {
		st.PeerRunning = r.peer.Alive()
	}
	return st
}

// CheckPeer fails when a peer was started and has since exited without a
// restart in progress. It backs the readiness probe.
func (r *Runtime) CheckPeer() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peer == nil || !r.peerStarted || r.restarting.Load() {
		return nil
	}
	if !r.peer.Alive() {
		return ErrPeerNotRunning
	}
	return nil
}

// Close stops any pending restart, kills the peer and closes the socket.
func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownLocked()
}
