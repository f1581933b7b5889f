package bridge

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/framing"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/policy"
)

func newTestConnection(t *testing.T, port uint16) *Connection {
	t.Helper()
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	c := &Connection{
		id:    ConnectionID(port),
		port:  port,
		udp:   udp,
		queue: newSendQueue(1024),
	}
	t.Cleanup(c.Close)
	return c
}

func startUDPEchoServer(t *testing.T) (*net.UDPConn, uint16) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], peer)
		}
	}()

	return conn, uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

// freeUDPPortBase returns a port that was free a moment ago, leaving room for
// a few sequential allocations above it.
func freeUDPPortBase(t *testing.T) uint16 {
	t.Helper()
	for i := 0; i < 20; i++ {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		port := c.LocalAddr().(*net.UDPAddr).Port
		_ = c.Close()
		if port < 65000 {
			return uint16(port)
		}
	}
	t.Fatal("could not find a free UDP port")
	return 0
}

type testBridge struct {
	srv      *WebSocketServer
	http     *httptest.Server
	registry *Registry
	metrics  *metrics.Metrics
	basePort uint16
}

func startBridge(t *testing.T, cfg Config, pol *policy.DestinationPolicy) *testBridge {
	t.Helper()

	if !cfg.BindIP.IsValid() {
		cfg.BindIP = netip.MustParseAddr("127.0.0.1")
	}
	base := freeUDPPortBase(t)
	reg := NewRegistry(base, cfg.MaxConnections)
	m := metrics.New()

	srv, err := NewWebSocketServer(cfg, reg, pol, m, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("GET /portal", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testBridge{srv: srv, http: ts, registry: reg, metrics: m, basePort: base}
}

func (b *testBridge) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(b.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (b *testBridge) wsURL() string {
	return "ws" + strings.TrimPrefix(b.http.URL, "http") + "/portal"
}

func readPortAnnouncement(t *testing.T, c *websocket.Conn) uint16 {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	port, err := framing.DecodePortAnnouncement(msg)
	require.NoError(t, err)
	return port
}

func readUDPMessage(t *testing.T, c *websocket.Conn) framing.UDPMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	m, err := framing.DecodeUDPMessage(msg)
	require.NoError(t, err)
	return m
}

func sendTo(t *testing.T, c *websocket.Conn, dst netip.AddrPort, payload string) {
	t.Helper()
	frame, err := framing.EncodeWSMessage(dst, []byte(payload))
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, frame))
}
