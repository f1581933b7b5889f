package portal

import (
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/rpcrelay"
)

type startCall struct {
	bindPort, udpPort uint16
}

// fakeProcess records supervisor calls instead of spawning anything.
type fakeProcess struct {
	mu         sync.Mutex
	starts     []startCall
	startErr   error
	shutdowns  int
	restarts   int
	resets     int
	alive      bool
	restartErr error
}

func (p *fakeProcess) Start(bindPort, udpPort uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		// The supervisor stops the previous child before spawning.
		p.alive = false
		return p.startErr
	}
	p.starts = append(p.starts, startCall{bindPort, udpPort})
	p.alive = true
	return nil
}

func (p *fakeProcess) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	p.alive = false
	return nil
}

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) Restart(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts++
	return p.restartErr
}

func (p *fakeProcess) ResetBackoff() {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
}

type processCalls struct {
	starts    []startCall
	shutdowns int
	restarts  int
	resets    int
	alive     bool
}

func (p *fakeProcess) snapshot() processCalls {
	p.mu.Lock()
	defer p.mu.Unlock()
	return processCalls{
		starts:    append([]startCall(nil), p.starts...),
		shutdowns: p.shutdowns,
		restarts:  p.restarts,
		resets:    p.resets,
		alive:     p.alive,
	}
}

func newTestRuntime(t *testing.T, cfg Config, peer PeerProcess) (*Runtime, *metrics.Metrics) {
	t.Helper()
	if !cfg.BindAddr.IsValid() {
		cfg.BindAddr = netip.MustParseAddrPort("127.0.0.1:0")
	}
	if cfg.Relay.Timeout == 0 {
		cfg.Relay = rpcrelay.Config{Timeout: time.Second}
	}
	m := metrics.New()
	rt, err := NewRuntime(cfg, peer, m, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, m
}

// startPeer runs a UDP JSON-RPC peer that answers every request with
// {"result": <method>}. When silent is set it never answers.
func startPeer(t *testing.T, silent bool) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if silent {
				continue
			}
			var req struct {
				ID     uint64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if json.Unmarshal(buf[:n], &req) != nil {
				continue
			}
			reply, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  map[string]any{"method": req.Method, "params": req.Params},
			})
			_, _ = conn.WriteToUDP(reply, from)
		}
	}()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}
