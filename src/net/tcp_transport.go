package net

import (
	"crypto/ecdsa"
	"time"

	"github.com/sirupsen/logrus"
)

// NewTCPTransport returns a NetworkTransport built on top of a plain TCP
// stream layer, with log output going to the supplied logger. The transport
// does not bind until Listen is called.
func NewTCPTransport(
	advertise string,
	key *ecdsa.PrivateKey,
	psk *[32]byte,
	maxPool int,
	timeout time.Duration,
	exchangeTimeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {
	stream := NewTCPStreamLayer(advertise)
	return NewNetworkTransport(stream, key, psk, maxPool, timeout, exchangeTimeout, logger)
}
