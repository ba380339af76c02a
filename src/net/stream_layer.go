package net

import (
	"errors"
	"net"
	"time"
)

var (
	// ErrAlreadyListening is returned by Open when the listener is
	// already bound.
	ErrAlreadyListening = errors.New("already listening")

	// ErrNotListening is returned by Accept before Open has bound the
	// listener.
	ErrNotListening = errors.New("not listening")
)

// StreamLayer is used with the NetworkTransport to provide the low level
// stream abstraction.
type StreamLayer interface {
	net.Listener

	// Open binds the listener. Accept before Open fails with
	// ErrNotListening.
	Open(address string) error

	// Dial is used to create a new outgoing connection
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr returns the publicly-reachable address of the stream
	AdvertiseAddr() string

	// NetworkName identifies the stream network ("tcp" or "quic").
	NetworkName() string
}
