// Package rpcrelay forwards JSON-RPC calls to the local peer process over UDP
// and correlates each call with its reply.
//
// Relay is the single-flight implementation: the shared socket is held for
// the whole round trip and every request carries id 1. Multiplexer is the
// concurrent alternative that keys outstanding calls by request id.
package rpcrelay
