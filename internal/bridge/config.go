package bridge

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/transport/v3"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/framing"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/ratelimit"
)

type Config struct {
	// BindIP is the local address of every per-connection UDP socket.
	BindIP netip.Addr

	UDPReadBufferBytes int
	// SendQueueBytes bounds the peer->browser frames buffered per connection.
	// Datagrams that do not fit are dropped.
	SendQueueBytes int
	WriteTimeout   time.Duration

	// MaxConnections caps concurrent sessions. 0 means unlimited.
	MaxConnections int

	MaxDatagramPayloadBytes int
	// MaxMessageBytes bounds one browser frame. Frames over the datagram
	// limit but under this bound are dropped individually; larger ones end
	// the session. It is raised to at least the largest valid frame.
	MaxMessageBytes int64

	Limits ratelimit.ConnectionLimits

	// AllowedOrigins is passed to origin.IsAllowed for upgrade requests.
	AllowedOrigins []string

	// Net creates UDP sockets. Nil uses the host network stack.
	Net transport.Net
	// Clock drives per-connection rate limiting. Nil uses the wall clock.
	Clock clock.Clock
}

func DefaultConfig() Config {
	return Config{
		BindIP:                  netip.IPv4Unspecified(),
		UDPReadBufferBytes:      65535,
		SendQueueBytes:          1 << 20, // 1MiB
		WriteTimeout:            5 * time.Second,
		MaxDatagramPayloadBytes: framing.DefaultMaxPayload,
		MaxMessageBytes:         1 << 20, // 1MiB
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if !c.BindIP.IsValid() {
		c.BindIP = d.BindIP
	}
	if c.UDPReadBufferBytes <= 0 {
		c.UDPReadBufferBytes = d.UDPReadBufferBytes
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = d.SendQueueBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxDatagramPayloadBytes <= 0 {
		c.MaxDatagramPayloadBytes = d.MaxDatagramPayloadBytes
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if frame := int64(framing.DestinationHeaderLen + c.MaxDatagramPayloadBytes); c.MaxMessageBytes < frame {
		c.MaxMessageBytes = frame
	}
	return c
}
