package net

import (
	"net"
	"sync"
	"time"
)

// TCPStreamLayer implements the StreamLayer interface for plain TCP.
type TCPStreamLayer struct {
	advertise string

	mtx      sync.Mutex
	listener *net.TCPListener
}

// NewTCPStreamLayer returns an unbound TCP stream layer. The advertise
// address, when not empty, overrides the bound address in AdvertiseAddr.
func NewTCPStreamLayer(advertise string) *TCPStreamLayer {
	return &TCPStreamLayer{
		advertise: advertise,
	}
}

// Open implements the StreamLayer interface.
func (t *TCPStreamLayer) Open(address string) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.listener != nil {
		return ErrAlreadyListening
	}

	list, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	t.listener = list.(*net.TCPListener)

	return nil
}

// Dial implements the StreamLayer interface.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept implements the net.Listener interface.
func (t *TCPStreamLayer) Accept() (c net.Conn, err error) {
	t.mtx.Lock()
	list := t.listener
	t.mtx.Unlock()

	if list == nil {
		return nil, ErrNotListening
	}

	return list.Accept()
}

// Close implements the net.Listener interface.
func (t *TCPStreamLayer) Close() (err error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.listener == nil {
		return nil
	}

	list := t.listener
	t.listener = nil

	return list.Close()
}

// Addr implements the net.Listener interface.
func (t *TCPStreamLayer) Addr() net.Addr {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.listener == nil {
		return nil
	}

	return t.listener.Addr()
}

// AdvertiseAddr implements the StreamLayer interface.
func (t *TCPStreamLayer) AdvertiseAddr() string {
	// Use an advertise addr if provided
	if t.advertise != "" {
		return t.advertise
	}

	if addr := t.Addr(); addr != nil {
		return addr.String()
	}

	return ""
}

// NetworkName implements the StreamLayer interface.
func (t *TCPStreamLayer) NetworkName() string {
	return "tcp"
}
