// Package policy decides which UDP destinations browser clients may reach
// through the bridge.
//
// The bridge forwards arbitrary browser-chosen destinations, so without a
// policy it is an open UDP proxy for any page able to reach the listener.
// A DestinationPolicy is evaluated for every browser-to-peer datagram.
package policy
