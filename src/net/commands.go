package net

import (
	"github.com/mosaicnetworks/murmur/src/peers"
)

/*
Requests carry the sender's Contact so that the receiver can refresh its
routing table with a dialable address; the ephemeral source address of the
connection is useless for dialing back. Receivers must only trust the contact
after checking that its ID matches the connection's verified identity.
*/

// PingRequest probes liveness and exchanges routing information.
type PingRequest struct {
	From peers.Contact
}

// PingResponse acknowledges a PingRequest.
type PingResponse struct {
	From peers.PeerID
}

// FindNodeRequest asks a node for the contacts it knows closest to Target.
type FindNodeRequest struct {
	From   peers.Contact
	Target peers.PeerID
}

// FindNodeResponse returns the closest contacts known to the responder.
type FindNodeResponse struct {
	From    peers.PeerID
	Closest []peers.Contact
}

// GetProvidersRequest asks a node for the providers it knows for a key.
type GetProvidersRequest struct {
	From peers.Contact
	Key  string
}

// GetProvidersResponse returns known providers for the key, plus the closest
// contacts to the key so the requester can continue iterating.
type GetProvidersResponse struct {
	From      peers.PeerID
	Providers []peers.Contact
	Closest   []peers.Contact
}

// AddProviderRequest registers the sender as a provider for a key.
type AddProviderRequest struct {
	From     peers.Contact
	Key      string
	Provider peers.Contact
}

// AddProviderResponse indicates whether the provider record was stored.
type AddProviderResponse struct {
	From   peers.PeerID
	Stored bool
}

// PutRecordRequest replicates a key/value record to a node. Expires is in
// Unix seconds.
type PutRecordRequest struct {
	From      peers.Contact
	Key       string
	Value     []byte
	Publisher peers.PeerID
	Expires   int64
}

// PutRecordResponse indicates whether the record was stored.
type PutRecordResponse struct {
	From   peers.PeerID
	Stored bool
}

// GetRecordRequest asks a node for the record stored under a key.
type GetRecordRequest struct {
	From peers.Contact
	Key  string
}

// GetRecordResponse carries the record when found, and the closest contacts
// to the key either way. Expires is in Unix seconds.
type GetRecordResponse struct {
	From      peers.PeerID
	Found     bool
	Value     []byte
	Publisher peers.PeerID
	Expires   int64
	Closest   []peers.Contact
}

// ExchangeRequest opens a one-shot request/response exchange with a peer. The
// ID correlates the response on the requester side.
type ExchangeRequest struct {
	From    peers.PeerID
	ID      string
	Payload []byte
}

// ExchangeResponse closes an exchange.
type ExchangeResponse struct {
	From    peers.PeerID
	Payload []byte
}

// GossipRequest floods a signed envelope. The fields mirror the envelope
// exactly; From is the hexadecimal public key of the signer, not necessarily
// the forwarding peer.
type GossipRequest struct {
	Topic     string
	From      string
	Seqno     uint64
	Data      []byte
	Signature string
}

// GossipResponse acknowledges receipt of an envelope. Validation failures are
// not reported back; invalid envelopes are dropped silently.
type GossipResponse struct {
	From peers.PeerID
}

// SubscriptionsRequest announces the sender's complete set of subscribed
// topics. It replaces whatever set the receiver previously knew.
type SubscriptionsRequest struct {
	From   peers.Contact
	Topics []string
}

// SubscriptionsResponse acknowledges a SubscriptionsRequest.
type SubscriptionsResponse struct {
	From peers.PeerID
}
