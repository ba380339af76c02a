package net

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicnetworks/murmur/src/peers"
)

// NewInmemAddr returns a new in-memory addr with
// a randomly generated UUID as the ID.
func NewInmemAddr() string {
	return uuid.New().String()
}

// InmemTransport Implements the Transport interface, to allow nodes to be
// tested in-memory without going over a network.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan RPC
	local      peers.PeerID
	localAddr  string
	peers      map[string]*InmemTransport
	timeout    time.Duration

	// RejectGossip makes this transport answer Gossip and Subscriptions
	// commands with ErrUnsupportedCommand, like a node that does not
	// speak the pubsub extension.
	RejectGossip bool
}

// NewInmemTransport is used to initialize a new transport
// and generates a random local address if none is specified
func NewInmemTransport(local peers.PeerID, addr string) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}
	trans := &InmemTransport{
		consumerCh: make(chan RPC, 16),
		local:      local,
		localAddr:  addr,
		peers:      make(map[string]*InmemTransport),
		timeout:    200 * time.Millisecond,
	}
	return addr, trans
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan RPC {
	return i.consumerCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	i.RLock()
	defer i.RUnlock()
	return i.localAddr
}

// AdvertiseAddr implements the Transport interface.
func (i *InmemTransport) AdvertiseAddr() string {
	return i.LocalAddr()
}

// NetworkName implements the Transport interface. In-memory transports pose
// as tcp so that contacts built from regular multiaddrs route to them.
func (i *InmemTransport) NetworkName() string {
	return "tcp"
}

// LocalPeer implements the Transport interface.
func (i *InmemTransport) LocalPeer() peers.PeerID {
	return i.local
}

// Listen implements the Transport interface. There is no real binding to do;
// a non-empty address replaces the one chosen at construction.
func (i *InmemTransport) Listen(address string) error {
	i.Lock()
	defer i.Unlock()
	if address != "" {
		i.localAddr = address
	}
	return nil
}

// Ping implements the Transport interface.
func (i *InmemTransport) Ping(target string, expect peers.PeerID, args *PingRequest, resp *PingResponse) error {
	rpcResp, err := i.makeRPC(target, expect, args, i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*PingResponse)
	*resp = *out
	return nil
}

// FindNode implements the Transport interface.
func (i *InmemTransport) FindNode(target string, expect peers.PeerID, args *FindNodeRequest, resp *FindNodeResponse) error {
	rpcResp, err := i.makeRPC(target, expect, args, i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*FindNodeResponse)
	*resp = *out
	return nil
}

// GetProviders implements the Transport interface.
func (i *InmemTransport) GetProviders(target string, expect peers.PeerID, args *GetProvidersRequest, resp *GetProvidersResponse) error {
	rpcResp, err := i.makeRPC(target, expect, args, i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*GetProvidersResponse)
	*resp = *out
	return nil
}

// AddProvider implements the Transport interface.
func (i *InmemTransport) AddProvider(target string, expect peers.PeerID, args *AddProviderRequest, resp *AddProviderResponse) error {
	rpcResp, err := i.makeRPC(target, expect, args, i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*AddProviderResponse)
	*resp = *out
	return nil
}

// PutRecord implements the Transport interface.
func (i *InmemTransport) PutRecord(target string, expect peers.PeerID, args *PutRecordRequest, resp *PutRecordResponse) error {
	rpcResp, err := i.makeRPC(target, expect, args, i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*PutRecordResponse)
	*resp = *out
	return nil
}

// GetRecord implements the Transport interface.
func (i *InmemTransport) GetRecord(target string, expect peers.PeerID, args *GetRecordRequest, resp *GetRecordResponse) error {
	rpcResp, err := i.makeRPC(target, expect, args, i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*GetRecordResponse)
	*resp = *out
	return nil
}

// Exchange implements the Transport interface. Exchanges get a longer
// timeout than the other commands because a remote application answers them.
func (i *InmemTransport) Exchange(target string, expect peers.PeerID, args *ExchangeRequest, resp *ExchangeResponse) error {
	rpcResp, err := i.makeRPC(target, expect, args, 10*i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*ExchangeResponse)
	*resp = *out
	return nil
}

// Gossip implements the Transport interface.
func (i *InmemTransport) Gossip(target string, expect peers.PeerID, args *GossipRequest, resp *GossipResponse) error {
	if i.rejects(target) {
		return ErrUnsupportedCommand
	}

	rpcResp, err := i.makeRPC(target, expect, args, i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*GossipResponse)
	*resp = *out
	return nil
}

// Subscriptions implements the Transport interface.
func (i *InmemTransport) Subscriptions(target string, expect peers.PeerID, args *SubscriptionsRequest, resp *SubscriptionsResponse) error {
	if i.rejects(target) {
		return ErrUnsupportedCommand
	}

	rpcResp, err := i.makeRPC(target, expect, args, i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*SubscriptionsResponse)
	*resp = *out
	return nil
}

func (i *InmemTransport) rejects(target string) bool {
	i.RLock()
	defer i.RUnlock()
	peer, ok := i.peers[target]
	return ok && peer.RejectGossip
}

func (i *InmemTransport) makeRPC(target string, expect peers.PeerID, args interface{}, timeout time.Duration) (rpcResp RPCResponse, err error) {
	i.RLock()
	peer, ok := i.peers[target]
	i.RUnlock()

	if !ok {
		err = fmt.Errorf("failed to connect to peer: %v", target)
		return
	}

	if !expect.IsZero() && peer.local != expect {
		err = fmt.Errorf("%w: dialed %s, got %s", ErrIdentityMismatch, expect.ShortString(), peer.local.ShortString())
		return
	}

	// Send the RPC over. The buffer lets the responder move on if we time
	// out first.
	respCh := make(chan RPCResponse, 1)
	peer.consumerCh <- RPC{
		From:     i.local,
		Command:  args,
		RespChan: respCh,
	}

	// Wait for a response
	select {
	case rpcResp = <-respCh:
		if rpcResp.Error != nil {
			// Normalize to what a networked requester would see: the error
			// travels as a string and comes back as a RemoteError.
			if rpcResp.Error.Error() == unsupportedCommandMessage {
				err = ErrUnsupportedCommand
			} else {
				err = RemoteError{rpcResp.Error.Error()}
			}
		}
	case <-time.After(timeout):
		err = fmt.Errorf("command timed out: %w", os.ErrDeadlineExceeded)
	}
	return
}

// Connect is used to connect this transport to another transport for
// a given peer name. This allows for local routing.
func (i *InmemTransport) Connect(peer string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = trans
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(peer string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, peer)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
}

// Close is used to permanently disable the transport
func (i *InmemTransport) Close() error {
	i.DisconnectAll()
	return nil
}
