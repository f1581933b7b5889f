package framing

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/netip"
)

const (
	// DestinationHeaderLen is the number of bytes in a browser->peer frame
	// header: a 4-byte IPv4 address followed by a big-endian uint16 port.
	DestinationHeaderLen = 6

	// PortAnnouncementLen is the size of the first frame the bridge sends on a
	// new WebSocket session.
	PortAnnouncementLen = 4

	metaLenPrefix = 2

	// DefaultMaxPayload matches the largest payload a single IPv4 UDP datagram
	// can carry.
	DefaultMaxPayload = 65507
)

const (
	FamilyIPv4 = "IPv4"
	FamilyIPv6 = "IPv6"
)

var (
	ErrTooShort        = errors.New("framing: frame too short")
	ErrPayloadTooLarge = errors.New("framing: payload too large")
	ErrInvalidAddress  = errors.New("framing: invalid address")
	ErrInvalidMetadata = errors.New("framing: invalid metadata")
)

// RemoteInfo describes the sender of a UDP datagram relayed to the browser.
//
// Field order is part of the wire format; browser clients parse the JSON
// produced by encoding/json as-is.
type RemoteInfo struct {
	Address string `json:"address"`
	Family  string `json:"family"`
	Port    uint16 `json:"port"`
}

// AddrPort converts the metadata back into a netip.AddrPort.
func (r RemoteInfo) AddrPort() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(r.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrInvalidAddress, r.Address)
	}
	return netip.AddrPortFrom(addr, r.Port), nil
}

// RemoteInfoFrom builds the metadata for a datagram received from src.
func RemoteInfoFrom(src netip.AddrPort) RemoteInfo {
	addr := src.Addr().Unmap()
	family := FamilyIPv4
	if addr.Is6() {
		family = FamilyIPv6
	}
	return RemoteInfo{
		Address: addr.String(),
		Family:  family,
		Port:    src.Port(),
	}
}

// UDPMessage is a datagram received on a bridge socket, addressed to the
// browser (peer -> browser direction).
type UDPMessage struct {
	Remote  RemoteInfo
	Payload []byte
}

// WSMessage is a datagram sent by the browser, addressed to a UDP peer
// (browser -> peer direction).
type WSMessage struct {
	Destination netip.AddrPort
	Payload     []byte
}

// Codec validates and encodes/decodes bridge frames.
type Codec struct {
	// MaxPayload is the maximum number of payload bytes allowed in a frame.
	MaxPayload int
}

// DefaultCodec is used by the package-level helpers.
var DefaultCodec = Codec{MaxPayload: DefaultMaxPayload}

func NewCodec(maxPayload int) (Codec, error) {
	if maxPayload < 0 {
		return Codec{}, fmt.Errorf("framing: max payload must be >= 0")
	}
	return Codec{MaxPayload: maxPayload}, nil
}

func EncodeUDPMessage(src netip.AddrPort, payload []byte) ([]byte, error) {
	return DefaultCodec.EncodeUDPMessage(src, payload)
}

func DecodeUDPMessage(b []byte) (UDPMessage, error) {
	return DefaultCodec.DecodeUDPMessage(b)
}

func EncodeWSMessage(dst netip.AddrPort, payload []byte) ([]byte, error) {
	return DefaultCodec.EncodeWSMessage(dst, payload)
}

func DecodeWSMessage(b []byte) (WSMessage, error) {
	return DefaultCodec.DecodeWSMessage(b)
}

// EncodeUDPMessage produces one WebSocket binary frame:
//
//	[u16 BE metadata length][JSON {address, family, port}][payload]
func (c Codec) EncodeUDPMessage(src netip.AddrPort, payload []byte) ([]byte, error) {
	if len(payload) > c.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), c.MaxPayload)
	}
	if !src.Addr().IsValid() {
		return nil, ErrInvalidAddress
	}

	meta, err := json.Marshal(RemoteInfoFrom(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if len(meta) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: metadata length %d", ErrInvalidMetadata, len(meta))
	}

	out := make([]byte, metaLenPrefix+len(meta)+len(payload))
	binary.BigEndian.PutUint16(out[:metaLenPrefix], uint16(len(meta)))
	copy(out[metaLenPrefix:], meta)
	copy(out[metaLenPrefix+len(meta):], payload)
	return out, nil
}

func (c Codec) DecodeUDPMessage(b []byte) (UDPMessage, error) {
	if len(b) < metaLenPrefix {
		return UDPMessage{}, ErrTooShort
	}
	metaLen := int(binary.BigEndian.Uint16(b[:metaLenPrefix]))
	if len(b) < metaLenPrefix+metaLen {
		return UDPMessage{}, ErrTooShort
	}

	var remote RemoteInfo
	if err := json.Unmarshal(b[metaLenPrefix:metaLenPrefix+metaLen], &remote); err != nil {
		return UDPMessage{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	payload := b[metaLenPrefix+metaLen:]
	if len(payload) > c.MaxPayload {
		return UDPMessage{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), c.MaxPayload)
	}
	return UDPMessage{Remote: remote, Payload: payload}, nil
}

// EncodeWSMessage produces one browser -> peer frame:
//
//	[4-byte IPv4][u16 BE port][payload]
func (c Codec) EncodeWSMessage(dst netip.AddrPort, payload []byte) ([]byte, error) {
	if len(payload) > c.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), c.MaxPayload)
	}
	addr := dst.Addr().Unmap()
	if !addr.Is4() {
		return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidAddress, dst.Addr())
	}

	out := make([]byte, DestinationHeaderLen+len(payload))
	ip := addr.As4()
	copy(out[0:4], ip[:])
	binary.BigEndian.PutUint16(out[4:6], dst.Port())
	copy(out[DestinationHeaderLen:], payload)
	return out, nil
}

// DecodeWSMessage parses a browser -> peer frame. The returned payload aliases
// b.
func (c Codec) DecodeWSMessage(b []byte) (WSMessage, error) {
	if len(b) < DestinationHeaderLen {
		return WSMessage{}, ErrTooShort
	}
	payload := b[DestinationHeaderLen:]
	if len(payload) > c.MaxPayload {
		return WSMessage{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), c.MaxPayload)
	}

	addr := netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	port := binary.BigEndian.Uint16(b[4:6])
	return WSMessage{
		Destination: netip.AddrPortFrom(addr, port),
		Payload:     payload,
	}, nil
}

// EncodePortAnnouncement returns the first frame of a bridge session: the
// locally bound UDP port as a big-endian uint32.
func EncodePortAnnouncement(port uint16) []byte {
	out := make([]byte, PortAnnouncementLen)
	binary.BigEndian.PutUint32(out, uint32(port))
	return out
}

func DecodePortAnnouncement(b []byte) (uint16, error) {
	if len(b) != PortAnnouncementLen {
		return 0, ErrTooShort
	}
	v := binary.BigEndian.Uint32(b)
	if v > math.MaxUint16 {
		return 0, fmt.Errorf("framing: announced port %d out of range", v)
	}
	return uint16(v), nil
}
