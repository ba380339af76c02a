package node

import (
	"time"

	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/peers"
)

// Event is the union of notifications the node republishes to the embedding
// application. Consumers type-switch over the concrete types and should keep
// a default branch: new variants appear as the protocol grows.
type Event interface {
	isEvent()
}

// ListeningOn reports an address the transport is now bound to. It carries
// the actual address, with the real port when an ephemeral one was requested.
type ListeningOn struct {
	Addr multiaddr.Multiaddr
}

// PeerDiscovered reports a (peer, address) pair seen for the first time.
type PeerDiscovered struct {
	Peer peers.PeerID
	Addr multiaddr.Multiaddr
}

// PeerExpired reports a LAN peer that stopped announcing itself.
type PeerExpired struct {
	Peer peers.PeerID
}

// MessageReceived delivers a validated gossip message on a subscribed topic.
type MessageReceived struct {
	Topic string
	From  peers.PeerID
	ID    string
	Data  []byte
}

// InboundRequest surfaces an exchange initiated by a remote peer. Reply
// consumes the one-shot response capability; a second call returns
// ErrExchangeAlreadyResolved, as does a call after the reply window expired.
type InboundRequest struct {
	From    peers.PeerID
	Payload []byte
	Reply   func(payload []byte) error
}

// QueryKind names the lookup type in QueryCompleted events.
type QueryKind string

// Query kinds.
const (
	QueryClosestPeers QueryKind = "closest-peers"
	QueryProviders    QueryKind = "providers"
	QueryProvide      QueryKind = "provide"
	QueryPutRecord    QueryKind = "put-record"
	QueryGetRecord    QueryKind = "get-record"
)

// QueryProgressed reports a contact discovered by a running lookup.
type QueryProgressed struct {
	ID    uint64
	Found peers.Contact
}

// QueryCompleted reports a lookup that resolved successfully.
type QueryCompleted struct {
	ID   uint64
	Kind QueryKind
}

// QueryFailed reports a lookup that resolved with an error.
type QueryFailed struct {
	ID  uint64
	Err error
}

// PublishFailed reports a failed flood send of a locally published message.
// Publish itself already returned by the time the sends run.
type PublishFailed struct {
	Topic string
	Err   error
}

// GossipUnsupported reports a peer that answered a gossip command with
// "unsupported command". It fires once per peer.
type GossipUnsupported struct {
	Peer peers.PeerID
}

// PingResult reports the outcome of a heartbeat liveness probe.
type PingResult struct {
	Peer peers.PeerID
	RTT  time.Duration
	Err  error
}

func (ListeningOn) isEvent()       {}
func (PeerDiscovered) isEvent()    {}
func (PeerExpired) isEvent()       {}
func (MessageReceived) isEvent()   {}
func (InboundRequest) isEvent()    {}
func (QueryProgressed) isEvent()   {}
func (QueryCompleted) isEvent()    {}
func (QueryFailed) isEvent()       {}
func (PublishFailed) isEvent()     {}
func (GossipUnsupported) isEvent() {}
func (PingResult) isEvent()        {}
