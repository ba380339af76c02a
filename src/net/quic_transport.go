package net

import (
	"crypto/ecdsa"
	"time"

	"github.com/sirupsen/logrus"
)

// NewQUICTransport returns a NetworkTransport built on top of a QUIC stream
// layer, with log output going to the supplied logger. The transport does
// not bind until Listen is called.
func NewQUICTransport(
	advertise string,
	key *ecdsa.PrivateKey,
	psk *[32]byte,
	maxPool int,
	timeout time.Duration,
	exchangeTimeout time.Duration,
	logger *logrus.Entry,
) (*NetworkTransport, error) {
	stream, err := NewQUICStreamLayer(advertise)
	if err != nil {
		return nil, err
	}
	return NewNetworkTransport(stream, key, psk, maxPool, timeout, exchangeTimeout, logger), nil
}
