// Package transport provides the message-oriented sockets used by the
// machinetalk session layer: a dealer-style request/reply socket with a
// per-instance identity and a subscriber socket with prefix-matched
// topics. The supervisors consume these through the small interfaces
// below so that tests can substitute in-memory fakes.
package transport

import "errors"

// Frames is one multipart message as read from or written to a socket.
type Frames [][]byte

// ErrNotConnected is returned by Send after a socket has been closed.
var ErrNotConnected = errors.New("transport: socket not connected")

// Socket is the receive side shared by both socket flavors.
//
// Messages delivers inbound multipart messages in wire order and is
// closed when the socket shuts down, whether by Close or by a transport
// failure. Errors delivers at most one transport failure.
type Socket interface {
	Messages() <-chan Frames
	Errors() <-chan error
	Close() error
}

// Dealer is a connected request/reply socket.
type Dealer interface {
	Socket

	// Send writes one single-frame message without blocking on the
	// peer. Sending on a closed socket returns ErrNotConnected.
	Send(payload []byte) error
}

// Sub is a connected subscriber socket.
type Sub interface {
	Socket

	// Subscribe adds a byte-exact topic prefix subscription.
	Subscribe(topic string) error
	// Unsubscribe removes a previously added subscription.
	Unsubscribe(topic string) error
}
