package node

import (
	"fmt"
	"time"

	"github.com/mosaicnetworks/murmur/src/dht"
	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/peers"
)

// Client is the application-facing handle on a running node. Every method
// submits a command to the event loop and blocks until the loop, or one of
// its workers, resolves it exactly once. Methods are safe for concurrent
// use; after Shutdown they return ErrShuttingDown.
type Client struct {
	node *Node
}

//==============================================================================
//Commands

// Commands carry a buffered response channel so the loop never blocks when
// resolving them.

type command interface {
	isCommand()
}

type listenCmd struct {
	addr multiaddr.Multiaddr
	resp chan error
}

type dialCmd struct {
	peer peers.PeerID
	addr multiaddr.Multiaddr
	resp chan error
}

type provideCmd struct {
	key  string
	resp chan countResult
}

type findProvidersCmd struct {
	key  string
	resp chan contactsResult
}

type closestPeersCmd struct {
	target peers.PeerID
	resp   chan contactsResult
}

type putRecordCmd struct {
	key    string
	value  []byte
	ttl    time.Duration
	quorum int
	resp   chan countResult
}

type getRecordCmd struct {
	key  string
	resp chan recordResult
}

type requestCmd struct {
	peer    peers.PeerID
	payload []byte
	resp    chan payloadResult
}

type respondCmd struct {
	id      string
	payload []byte
	resp    chan error
}

type subscribeCmd struct {
	topic string
	leave bool
	resp  chan error
}

type publishCmd struct {
	topic string
	data  []byte
	resp  chan error
}

type statsCmd struct {
	resp chan map[string]string
}

func (*listenCmd) isCommand()        {}
func (*dialCmd) isCommand()          {}
func (*provideCmd) isCommand()       {}
func (*findProvidersCmd) isCommand() {}
func (*closestPeersCmd) isCommand()  {}
func (*putRecordCmd) isCommand()     {}
func (*getRecordCmd) isCommand()     {}
func (*requestCmd) isCommand()       {}
func (*respondCmd) isCommand()       {}
func (*subscribeCmd) isCommand()     {}
func (*publishCmd) isCommand()       {}
func (*statsCmd) isCommand()         {}

type countResult struct {
	count int
	err   error
}

type contactsResult struct {
	contacts []peers.Contact
	err      error
}

type recordResult struct {
	record *dht.Record
	err    error
}

type payloadResult struct {
	payload []byte
	err     error
}

//==============================================================================
//API

// StartListening binds the transport to addr and reports the outcome. The
// bound address, with the real port when an ephemeral one was requested, is
// also published as a ListeningOn event.
func (c *Client) StartListening(addr multiaddr.Multiaddr) error {
	cmd := &listenCmd{addr: addr, resp: make(chan error, 1)}
	if err := c.node.submit(cmd); err != nil {
		return err
	}
	return <-cmd.resp
}

// Dial establishes and verifies an outbound connection to a peer. When addr
// carries a /p2p identity segment it must agree with peer; a zero peer takes
// the identity from the address, and remains unchecked when there is none.
// A second dial to the same peer while one is in flight returns
// ErrAlreadyDialing.
func (c *Client) Dial(peer peers.PeerID, addr multiaddr.Multiaddr) error {
	bare, idStr := addr.StripPeerID()
	if idStr != "" {
		id, err := peers.ParseID(idStr)
		if err != nil {
			return err
		}
		if !peer.IsZero() && peer != id {
			return fmt.Errorf("address identity %s does not match peer %s",
				id.ShortString(), peer.ShortString())
		}
		peer = id
	}

	if bare.Empty() {
		return fmt.Errorf("dial requires an address")
	}

	cmd := &dialCmd{peer: peer, addr: bare, resp: make(chan error, 1)}
	if err := c.node.submit(cmd); err != nil {
		return err
	}
	return <-cmd.resp
}

// StartProviding registers the local node as a provider for key: a local
// registration plus AddProvider on the closest nodes. It returns the number
// of remote acks. The registration is re-announced periodically until the
// node shuts down.
func (c *Client) StartProviding(key string) (int, error) {
	cmd := &provideCmd{key: key, resp: make(chan countResult, 1)}
	if err := c.node.submit(cmd); err != nil {
		return 0, err
	}
	res := <-cmd.resp
	return res.count, res.err
}

// GetProviders runs an iterative provider lookup and returns the
// deduplicated provider set. An empty set is a successful resolution.
func (c *Client) GetProviders(key string) ([]peers.Contact, error) {
	cmd := &findProvidersCmd{key: key, resp: make(chan contactsResult, 1)}
	if err := c.node.submit(cmd); err != nil {
		return nil, err
	}
	res := <-cmd.resp
	return res.contacts, res.err
}

// GetClosestPeers runs an iterative FindNode lookup towards target.
func (c *Client) GetClosestPeers(target peers.PeerID) ([]peers.Contact, error) {
	cmd := &closestPeersCmd{target: target, resp: make(chan contactsResult, 1)}
	if err := c.node.submit(cmd); err != nil {
		return nil, err
	}
	res := <-cmd.resp
	return res.contacts, res.err
}

// PutRecord replicates a record to the closest nodes and returns the number
// of remote acks. Fewer acks than quorum is dht.ErrInsufficientQuorum; the
// local copy never counts. Zero ttl and quorum take the DHT defaults.
func (c *Client) PutRecord(key string, value []byte, ttl time.Duration, quorum int) (int, error) {
	cmd := &putRecordCmd{key: key, value: value, ttl: ttl, quorum: quorum, resp: make(chan countResult, 1)}
	if err := c.node.submit(cmd); err != nil {
		return 0, err
	}
	res := <-cmd.resp
	return res.count, res.err
}

// GetRecord resolves a record: the local store first, then an iterative
// read where the first live record wins. A missing or everywhere-expired
// record is dht.ErrNotFound.
func (c *Client) GetRecord(key string) (*dht.Record, error) {
	cmd := &getRecordCmd{key: key, resp: make(chan recordResult, 1)}
	if err := c.node.submit(cmd); err != nil {
		return nil, err
	}
	res := <-cmd.resp
	return res.record, res.err
}

// Request performs a one-shot exchange with a peer whose address is already
// known, from a dial or from discovery. The error is ErrPeerUnreachable,
// ErrProtocolMismatch or ErrNoResponse.
func (c *Client) Request(peer peers.PeerID, payload []byte) ([]byte, error) {
	cmd := &requestCmd{peer: peer, payload: payload, resp: make(chan payloadResult, 1)}
	if err := c.node.submit(cmd); err != nil {
		return nil, err
	}
	res := <-cmd.resp
	return res.payload, res.err
}

// Subscribe joins a topic and announces the change to admitted peers.
func (c *Client) Subscribe(topic string) error {
	cmd := &subscribeCmd{topic: topic, resp: make(chan error, 1)}
	if err := c.node.submit(cmd); err != nil {
		return err
	}
	return <-cmd.resp
}

// Unsubscribe leaves a topic and announces the change to admitted peers.
func (c *Client) Unsubscribe(topic string) error {
	cmd := &subscribeCmd{topic: topic, leave: true, resp: make(chan error, 1)}
	if err := c.node.submit(cmd); err != nil {
		return err
	}
	return <-cmd.resp
}

// Publish signs data under topic and floods it to the topic's peers. It
// fails locally, before any send, with gossip.ErrNotSubscribed or
// gossip.ErrNoPeers; flood send failures surface as PublishFailed events.
func (c *Client) Publish(topic string, data []byte) error {
	cmd := &publishCmd{topic: topic, data: data, resp: make(chan error, 1)}
	if err := c.node.submit(cmd); err != nil {
		return err
	}
	return <-cmd.resp
}
