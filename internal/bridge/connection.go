package bridge

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/transport/v3"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/ratelimit"
)

// ConnectionID returns the registry key for a session bound to port.
func ConnectionID(port uint16) string {
	return "conn_" + strconv.Itoa(int(port))
}

// Connection is one browser session and the UDP socket it exclusively owns.
type Connection struct {
	id         string
	port       uint16
	remoteAddr string
	createdAt  time.Time

	udp     transport.UDPConn
	ws      *websocket.Conn
	queue   *sendQueue
	limiter *ratelimit.ConnectionLimiter

	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64

	closeOnce sync.Once
}

// ConnectionInfo is the status view of a Connection.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	Port         uint16    `json:"port"`
	LocalAddr    string    `json:"localAddr"`
	RemoteAddr   string    `json:"remoteAddr"`
	CreatedAt    time.Time `json:"createdAt"`
	DatagramsIn  uint64    `json:"datagramsIn"`
	DatagramsOut uint64    `json:"datagramsOut"`
	QueuedBytes  int       `json:"queuedBytes"`
}

func (c *Connection) ID() string          { return c.id }
func (c *Connection) Port() uint16        { return c.port }
func (c *Connection) LocalAddr() net.Addr { return c.udp.LocalAddr() }

func (c *Connection) Info() ConnectionInfo {
	_, queued := c.queue.Len()
	return ConnectionInfo{
		ID:           c.id,
		Port:         c.port,
		LocalAddr:    c.udp.LocalAddr().String(),
		RemoteAddr:   c.remoteAddr,
		CreatedAt:    c.createdAt,
		DatagramsIn:  c.datagramsIn.Load(),
		DatagramsOut: c.datagramsOut.Load(),
		QueuedBytes:  queued,
	}
}

// Close closes the UDP socket, the WebSocket and the outbound queue, which
// unblocks every bridge goroutine of the session. It is safe to call more
// than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		_ = c.udp.Close()
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.queue.Close()
	})
}
