package rpcrelay

import (
	"encoding/json"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakePeer is a UDP JSON-RPC endpoint. handle returns the datagrams to send
// back for one request; it runs on the peer's read goroutine.
type fakePeer struct {
	conn     *net.UDPConn
	requests chan Request
}

func startFakePeer(t *testing.T, handle func(req Request, raw []byte) [][]byte) *fakePeer {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &fakePeer{conn: conn, requests: make(chan Request, 64)}
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			raw := append([]byte(nil), buf[:n]...)
			var req Request
			_ = json.Unmarshal(raw, &req)
			select {
			case p.requests <- req:
			default:
			}
			for _, reply := range handle(req, raw) {
				_, _ = conn.WriteToUDP(reply, from)
			}
		}
	}()
	return p
}

func (p *fakePeer) addr() netip.AddrPort {
	return p.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func listenRelaySocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return conn
}

func resultReply(id uint64, result any) []byte {
	b, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	return b
}
