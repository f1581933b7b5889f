// Package bridge implements the WebSocket <-> UDP bridge served at GET /portal.
//
// Every WebSocket session owns one UDP socket bound to a port handed out by a
// process-wide Registry. The first server frame announces that port. After
// that, binary browser frames ([IPv4][port][payload]) are sent as datagrams
// and every datagram received on the socket is framed with its sender's
// metadata and written back to the browser in arrival order.
package bridge
