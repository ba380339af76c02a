package net

import (
	"fmt"

	"github.com/mosaicnetworks/murmur/src/peers"
)

// Transport provides an interface for network transports to allow a node to
// communicate with other nodes.
//
// Every outbound method takes a target address in host:port form and the
// expected identity of the remote peer. Passing peers.ZeroID skips the
// identity check, which is only appropriate when the identity is not yet
// known, such as when dialing a bootstrap address without a /p2p segment.
type Transport interface {

	// Listen binds the transport and starts accepting connections. It
	// returns synchronously: a bind failure surfaces here, not later.
	Listen(address string) error

	// Consumer returns a channel that can be used to consume and respond to
	// RPC requests.
	Consumer() <-chan RPC

	// LocalAddr returns our local address, with the actual port when Listen
	// bound an ephemeral one.
	LocalAddr() string

	// AdvertiseAddr returns the address other peers should use to reach us.
	AdvertiseAddr() string

	// NetworkName identifies the stream network ("tcp" or "quic") so that
	// callers can filter dialable addresses.
	NetworkName() string

	// LocalPeer returns the verified identity this transport authenticates
	// as.
	LocalPeer() peers.PeerID

	Ping(target string, expect peers.PeerID, args *PingRequest, resp *PingResponse) error

	FindNode(target string, expect peers.PeerID, args *FindNodeRequest, resp *FindNodeResponse) error

	GetProviders(target string, expect peers.PeerID, args *GetProvidersRequest, resp *GetProvidersResponse) error

	AddProvider(target string, expect peers.PeerID, args *AddProviderRequest, resp *AddProviderResponse) error

	PutRecord(target string, expect peers.PeerID, args *PutRecordRequest, resp *PutRecordResponse) error

	GetRecord(target string, expect peers.PeerID, args *GetRecordRequest, resp *GetRecordResponse) error

	Exchange(target string, expect peers.PeerID, args *ExchangeRequest, resp *ExchangeResponse) error

	Gossip(target string, expect peers.PeerID, args *GossipRequest, resp *GossipResponse) error

	Subscriptions(target string, expect peers.PeerID, args *SubscriptionsRequest, resp *SubscriptionsResponse) error

	// Close permanently closes a transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}

// TryContact runs fn against each of the contact's addresses that match the
// transport's network until one carries a successful call. It returns the
// last error, or a descriptive one when the contact has no usable address.
func TryContact(t Transport, c peers.Contact, fn func(target string) error) error {
	network := t.NetworkName()

	var lastErr error

	for _, a := range c.Addrs {
		netName, hostPort, err := a.DialTarget()
		if err != nil || netName != network {
			continue
		}
		if err := fn(hostPort); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no %s address for %s", network, c.ID.ShortString())
	}
	return lastErr
}
