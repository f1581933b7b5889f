// Package framing implements the binary WebSocket frame layouts used by the
// portal bridge.
//
// Browser -> peer frames carry a 6-byte destination header (IPv4 address and
// big-endian port) followed by the raw UDP payload. Peer -> browser frames
// carry a length-prefixed JSON description of the sender followed by the raw
// UDP payload. The first frame of every session announces the bridge's UDP
// port.
package framing
