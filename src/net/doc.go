// Package net implements different transports to communicate between Murmur
// nodes.
//
// This package contains various implementations of the Transport interface,
// which is used by Murmur nodes to send and receive RPC requests (PingRequest,
// FindNodeRequest, ExchangeRequest, etc.). There are three implementations:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: communicating over plain TCP
//
// - QUIC: communicating over QUIC, multiplexing-free, one session per remote
//
// Every network connection goes through the same upgrade pipeline before any
// RPC crosses it. If the node is part of a private network, the connection is
// first gated on a pre-shared key: each direction of the raw stream is
// enciphered with XSalsa20 under the swarm key, so nodes without the key
// cannot even begin a handshake. A Noise XX handshake then establishes an
// encrypted session and binds it to the remote's identity key; the verified
// identity travels with every inbound RPC so receivers never trust a claimed
// sender.
//
// The response to an unknown command tag is an error string rather than a
// dropped connection, which lets nodes with different capability sets share
// the commands they both understand.
package net
