package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/murmur/src/dht"
	"github.com/mosaicnetworks/murmur/src/discovery"
	"github.com/mosaicnetworks/murmur/src/gossip"
	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/peers"
)

var (
	// ErrShuttingDown is returned for commands submitted after Shutdown.
	ErrShuttingDown = errors.New("node is shutting down")

	// ErrAlreadyDialing is returned when a dial to the same peer is already
	// in flight.
	ErrAlreadyDialing = errors.New("dial already in flight")
)

// Node is the single-owner event loop at the heart of a murmur process. The
// pending tables, the address book and the gossip admission set are owned by
// run and touched only from it; anything that blocks on the network executes
// on bounded workers that report back through queryCh.
type Node struct {
	state

	conf   *Config
	logger *logrus.Entry

	self peers.PeerID

	trans net.Transport
	netCh <-chan net.RPC

	dht    *dht.DHT
	gossip *gossip.Gossip

	cmdCh       chan command
	queryCh     chan report
	discoveryCh <-chan discovery.Event

	eventsCh     chan Event
	shutdownCh   chan struct{}
	doneCh       chan struct{}
	shutdownOnce sync.Once

	// Loop-owned state. Nothing below is safe to touch off-loop.
	book             *peers.AddrBook
	pendingQueries   map[uint64]*pendingQuery
	pendingRequests  map[string]*pendingRequest
	pendingDials     map[peers.PeerID]*pendingDial
	inboundExchanges map[string]*inboundExchange
	providedKeys     map[string]time.Time
	nextQueryID      uint64
	pingCursor       int
	lastMessage      time.Time
	lastDiscovery    time.Time

	clk   clock.Clock
	start time.Time
}

// pendingQuery tracks a lookup running on a worker. finish resolves the
// command's promise with the worker's report.
type pendingQuery struct {
	kind   QueryKind
	key    string
	finish func(queryDone)
}

// pendingDial tracks an in-flight outbound dial.
type pendingDial struct {
	resp chan error
}

//==============================================================================
//Worker reports

type report interface {
	isReport()
}

type queryProgress struct {
	id    uint64
	found peers.Contact
}

type queryDone struct {
	id       uint64
	contacts []peers.Contact
	record   *dht.Record
	acks     int
	err      error
}

type dialDone struct {
	peer    peers.PeerID
	contact peers.Contact
	err     error
}

type requestDone struct {
	id      string
	payload []byte
	err     error
}

type exchangeExpired struct {
	id string
}

type pingDone struct {
	peer peers.PeerID
	rtt  time.Duration
	err  error
}

type gossipSendFailed struct {
	topic       string
	peer        peers.PeerID
	err         error
	local       bool
	unsupported bool
}

func (queryProgress) isReport()    {}
func (queryDone) isReport()        {}
func (dialDone) isReport()         {}
func (requestDone) isReport()      {}
func (exchangeExpired) isReport()  {}
func (pingDone) isReport()         {}
func (gossipSendFailed) isReport() {}

//==============================================================================
//Lifecycle

// NewNode assembles a node around an existing transport, DHT and gossip
// engine. discoveryCh may be nil when LAN discovery is disabled. Run starts
// the loop; the node does nothing until then.
func NewNode(
	conf *Config,
	trans net.Transport,
	d *dht.DHT,
	g *gossip.Gossip,
	discoveryCh <-chan discovery.Event,
	clk clock.Clock,
) *Node {

	if conf.Logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		conf.Logger = logrus.NewEntry(log)
	}

	node := &Node{
		conf:             conf,
		logger:           conf.Logger.WithField("this_id", trans.LocalPeer().ShortString()),
		self:             trans.LocalPeer(),
		trans:            trans,
		netCh:            trans.Consumer(),
		dht:              d,
		gossip:           g,
		cmdCh:            make(chan command),
		queryCh:          make(chan report, 64),
		discoveryCh:      discoveryCh,
		eventsCh:         make(chan Event, conf.EventBuffer),
		shutdownCh:       make(chan struct{}),
		doneCh:           make(chan struct{}),
		book:             peers.NewAddrBook(),
		pendingQueries:   make(map[uint64]*pendingQuery),
		pendingRequests:  make(map[string]*pendingRequest),
		pendingDials:     make(map[peers.PeerID]*pendingDial),
		inboundExchanges: make(map[string]*inboundExchange),
		providedKeys:     make(map[string]time.Time),
		clk:              clk,
		start:            clk.Now(),
	}

	node.slots = make(chan struct{}, WGLIMIT)

	return node
}

// ID returns the local peer identifier.
func (n *Node) ID() peers.PeerID {
	return n.self
}

// Client returns the application-facing handle on the node.
func (n *Node) Client() *Client {
	return &Client{node: n}
}

// Events returns the channel of node events. Sends block when the buffer is
// full, so the embedder must drain it; the channel is closed by Shutdown.
func (n *Node) Events() <-chan Event {
	return n.eventsCh
}

// Contacts returns the live entries of the routing table, sorted.
func (n *Node) Contacts() []peers.Contact {
	contacts := n.dht.Routing().Contacts()
	peers.SortContacts(contacts)
	return contacts
}

// Topics returns the locally subscribed topics.
func (n *Node) Topics() []string {
	return n.gossip.Topics()
}

// Run executes the event loop until Shutdown. It blocks.
func (n *Node) Run() {
	heartbeat := n.clk.Ticker(n.conf.HeartbeatInterval)
	defer heartbeat.Stop()

	n.logger.Debug("node running")

	for {
		select {
		case cmd := <-n.cmdCh:
			n.handleCommand(cmd)
		case rpc := <-n.netCh:
			n.processRPC(rpc)
		case r := <-n.queryCh:
			n.handleReport(r)
		case ev, ok := <-n.discoveryCh:
			if !ok {
				n.discoveryCh = nil
				continue
			}
			n.handleDiscovery(ev)
		case <-heartbeat.C:
			n.heartbeat()
		case <-n.shutdownCh:
			n.cleanup()
			close(n.doneCh)
			return
		}
	}
}

// Shutdown stops the loop, resolves outstanding promises with
// ErrShuttingDown, waits for workers, and closes the events channel. It is
// idempotent; concurrent calls all block until the first one finishes.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("node shutdown")

		n.setState(Shutdown)

		close(n.shutdownCh)

		<-n.doneCh

		n.waitRoutines()

		close(n.eventsCh)
	})
}

// cleanup runs on the loop goroutine as its last act: every outstanding
// promise resolves with ErrShuttingDown and the transport closes.
func (n *Node) cleanup() {
	n.logger.Debug("draining pending work")

	for id, q := range n.pendingQueries {
		q.finish(queryDone{id: id, err: ErrShuttingDown})
		delete(n.pendingQueries, id)
	}

	for id, r := range n.pendingRequests {
		r.resp <- payloadResult{err: ErrShuttingDown}
		delete(n.pendingRequests, id)
	}

	for peer, d := range n.pendingDials {
		d.resp <- ErrShuttingDown
		delete(n.pendingDials, peer)
	}

	for id, ex := range n.inboundExchanges {
		ex.timer.Stop()
		ex.respChan <- net.RPCResponse{Error: errors.New("node shutting down")}
		delete(n.inboundExchanges, id)
	}

	n.trans.Close()
}

// submit hands a command to the loop.
func (n *Node) submit(cmd command) error {
	select {
	case n.cmdCh <- cmd:
		return nil
	case <-n.shutdownCh:
		return ErrShuttingDown
	}
}

// report hands a worker's outcome to the loop.
func (n *Node) report(r report) {
	select {
	case n.queryCh <- r:
	case <-n.shutdownCh:
	}
}

// emit publishes an event to the application.
func (n *Node) emit(ev Event) {
	select {
	case n.eventsCh <- ev:
	case <-n.shutdownCh:
	}
}

// selfContact is the local identity with the transport's advertise address,
// when it is bound.
func (n *Node) selfContact() peers.Contact {
	var addrs []multiaddr.Multiaddr
	if a := n.trans.AdvertiseAddr(); a != "" {
		if ma, err := multiaddr.FromHostPort(n.trans.NetworkName(), a); err == nil {
			addrs = append(addrs, ma)
		}
	}
	return peers.NewContact(n.self, addrs...)
}

// contactFor merges the address book's and the routing table's addresses
// for a peer.
func (n *Node) contactFor(peer peers.PeerID) (peers.Contact, bool) {
	booked, okBook := n.book.Contact(peer)
	routed, okRouted := n.dht.Routing().Contact(peer)

	switch {
	case okBook && okRouted:
		seen := make(map[string]bool, len(booked.Addrs))
		for _, a := range booked.Addrs {
			seen[a.String()] = true
		}
		for _, a := range routed.Addrs {
			if !seen[a.String()] {
				booked.Addrs = append(booked.Addrs, a)
			}
		}
		return booked, true
	case okBook:
		return booked, true
	case okRouted:
		return routed, true
	}
	return peers.Contact{}, false
}

// observe feeds a claimed contact to the address book and routing table,
// provided its identity matches the connection it arrived on.
func (n *Node) observe(from peers.PeerID, claimed peers.Contact) {
	if claimed.ID != from {
		return
	}
	n.book.AddContact(claimed)
	n.dht.Observe(claimed)
}

//==============================================================================
//Commands

func (n *Node) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case *listenCmd:
		n.startListening(c)
	case *dialCmd:
		n.startDial(c)
	case *provideCmd:
		id := n.newQuery(QueryProvide, c.key, func(res queryDone) {
			c.resp <- countResult{count: res.acks, err: res.err}
		})
		n.goFunc(func() {
			ctx, cancel := n.queryContext()
			defer cancel()
			acks, err := n.dht.Provide(ctx, c.key, n.progressFn(id))
			n.report(queryDone{id: id, acks: acks, err: err})
		})
	case *findProvidersCmd:
		id := n.newQuery(QueryProviders, c.key, func(res queryDone) {
			c.resp <- contactsResult{contacts: res.contacts, err: res.err}
		})
		n.goFunc(func() {
			ctx, cancel := n.queryContext()
			defer cancel()
			providers, err := n.dht.FindProviders(ctx, c.key, n.progressFn(id))
			n.report(queryDone{id: id, contacts: providers, err: err})
		})
	case *closestPeersCmd:
		id := n.newQuery(QueryClosestPeers, "", func(res queryDone) {
			c.resp <- contactsResult{contacts: res.contacts, err: res.err}
		})
		n.goFunc(func() {
			ctx, cancel := n.queryContext()
			defer cancel()
			closest, err := n.dht.GetClosestPeers(ctx, c.target, n.progressFn(id))
			n.report(queryDone{id: id, contacts: closest, err: err})
		})
	case *putRecordCmd:
		id := n.newQuery(QueryPutRecord, c.key, func(res queryDone) {
			c.resp <- countResult{count: res.acks, err: res.err}
		})
		n.goFunc(func() {
			ctx, cancel := n.queryContext()
			defer cancel()
			acks, err := n.dht.PutRecord(ctx, c.key, c.value, c.ttl, c.quorum, n.progressFn(id))
			n.report(queryDone{id: id, acks: acks, err: err})
		})
	case *getRecordCmd:
		id := n.newQuery(QueryGetRecord, c.key, func(res queryDone) {
			c.resp <- recordResult{record: res.record, err: res.err}
		})
		n.goFunc(func() {
			ctx, cancel := n.queryContext()
			defer cancel()
			rec, err := n.dht.GetRecord(ctx, c.key, n.progressFn(id))
			n.report(queryDone{id: id, record: rec, err: err})
		})
	case *requestCmd:
		n.startRequest(c)
	case *respondCmd:
		n.finishExchange(c)
	case *subscribeCmd:
		n.updateSubscription(c)
	case *publishCmd:
		n.publish(c)
	case *statsCmd:
		c.resp <- n.stats()
	default:
		n.logger.WithField("cmd", fmt.Sprintf("%T", cmd)).Error("Unexpected command")
	}
}

func (n *Node) newQuery(kind QueryKind, key string, finish func(queryDone)) uint64 {
	n.nextQueryID++
	id := n.nextQueryID
	n.pendingQueries[id] = &pendingQuery{kind: kind, key: key, finish: finish}
	return id
}

func (n *Node) queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), n.conf.QueryTimeout)
}

// progressFn relays lookup progress from a worker into the loop, which
// republishes it as QueryProgressed.
func (n *Node) progressFn(id uint64) func(peers.Contact) {
	return func(c peers.Contact) {
		n.report(queryProgress{id: id, found: c})
	}
}

func (n *Node) startListening(c *listenCmd) {
	network, hostPort, err := c.addr.DialTarget()
	if err != nil {
		c.resp <- err
		return
	}
	if network != n.trans.NetworkName() {
		c.resp <- fmt.Errorf("address %s is not a %s address", c.addr, n.trans.NetworkName())
		return
	}

	if err := n.trans.Listen(hostPort); err != nil {
		c.resp <- err
		return
	}

	bound, err := multiaddr.FromHostPort(n.trans.NetworkName(), n.trans.LocalAddr())
	if err != nil {
		c.resp <- err
		return
	}

	n.logger.WithField("addr", bound.String()).Debug("listening")
	n.emit(ListeningOn{Addr: bound})
	c.resp <- nil
}

func (n *Node) startDial(c *dialCmd) {
	if _, ok := n.pendingDials[c.peer]; ok {
		c.resp <- ErrAlreadyDialing
		return
	}

	n.pendingDials[c.peer] = &pendingDial{resp: c.resp}

	contact := peers.NewContact(c.peer, c.addr)
	requested := c.peer

	n.goFunc(func() {
		verified, err := n.dht.Ping(contact)
		n.report(dialDone{peer: requested, contact: verified, err: err})
	})
}

func (n *Node) startRequest(c *requestCmd) {
	contact, ok := n.contactFor(c.peer)
	if !ok {
		c.resp <- payloadResult{err: fmt.Errorf("%w: no known address for %s",
			ErrPeerUnreachable, c.peer.ShortString())}
		return
	}

	id := uuid.New().String()
	n.pendingRequests[id] = &pendingRequest{peer: c.peer, resp: c.resp}

	req := &net.ExchangeRequest{From: n.self, ID: id, Payload: c.payload}

	n.goFunc(func() {
		var resp net.ExchangeResponse
		err := net.TryContact(n.trans, contact, func(addr string) error {
			return n.trans.Exchange(addr, contact.ID, req, &resp)
		})
		n.report(requestDone{id: id, payload: resp.Payload, err: classifyExchangeErr(err)})
	})
}

func (n *Node) finishExchange(c *respondCmd) {
	ex, ok := n.inboundExchanges[c.id]
	if !ok {
		c.resp <- ErrExchangeAlreadyResolved
		return
	}
	delete(n.inboundExchanges, c.id)
	ex.timer.Stop()

	ex.respChan <- net.RPCResponse{Response: &net.ExchangeResponse{From: n.self, Payload: c.payload}}
	c.resp <- nil
}

func (n *Node) updateSubscription(c *subscribeCmd) {
	var changed bool
	if c.leave {
		changed = n.gossip.Unsubscribe(c.topic)
	} else {
		changed = n.gossip.Subscribe(c.topic)
	}
	c.resp <- nil

	if changed {
		n.announceSubscriptions(n.gossip.AnnounceTargets()...)
	}
}

func (n *Node) publish(c *publishCmd) {
	env, targets, err := n.gossip.Publish(c.topic, c.data)
	c.resp <- err
	if err != nil {
		return
	}
	n.floodEnvelope(env, targets, true)
}

// announceSubscriptions pushes the full local topic set to each target.
func (n *Node) announceSubscriptions(targets ...peers.Contact) {
	if len(targets) == 0 {
		return
	}

	req := &net.SubscriptionsRequest{From: n.selfContact(), Topics: n.gossip.Topics()}

	for _, target := range targets {
		target := target
		n.goFunc(func() {
			var resp net.SubscriptionsResponse
			err := net.TryContact(n.trans, target, func(addr string) error {
				return n.trans.Subscriptions(addr, target.ID, req, &resp)
			})
			if err != nil {
				if errors.Is(err, net.ErrUnsupportedCommand) {
					n.report(gossipSendFailed{peer: target.ID, err: err, unsupported: true})
					return
				}
				n.logger.WithFields(logrus.Fields{
					"peer":  target.ID.ShortString(),
					"error": err,
				}).Debug("subscription announce failed")
			}
		})
	}
}

// floodEnvelope sends an envelope to its fan-out set. local marks envelopes
// published by this node, whose send failures surface as PublishFailed.
func (n *Node) floodEnvelope(env gossip.Envelope, targets []peers.Contact, local bool) {
	if len(targets) == 0 {
		return
	}

	// The request is shared across workers; none of them writes to it.
	req := &net.GossipRequest{
		Topic:     env.Topic,
		From:      env.From,
		Seqno:     env.Seqno,
		Data:      env.Data,
		Signature: env.Signature,
	}

	for _, target := range targets {
		target := target
		n.goFunc(func() {
			var resp net.GossipResponse
			err := net.TryContact(n.trans, target, func(addr string) error {
				return n.trans.Gossip(addr, target.ID, req, &resp)
			})
			if err != nil {
				n.report(gossipSendFailed{
					topic:       env.Topic,
					peer:        target.ID,
					err:         err,
					local:       local,
					unsupported: errors.Is(err, net.ErrUnsupportedCommand),
				})
			}
		})
	}
}

// admitGossipPeer admits a peer for gossip and, when it is new, announces
// the local subscriptions to it.
func (n *Node) admitGossipPeer(c peers.Contact) {
	if n.gossip.Admit(c) {
		n.announceSubscriptions(c)
	}
}

//==============================================================================
//Worker reports

func (n *Node) handleReport(r report) {
	switch r := r.(type) {
	case queryProgress:
		if _, ok := n.pendingQueries[r.id]; !ok {
			return
		}
		n.emit(QueryProgressed{ID: r.id, Found: r.found})

	case queryDone:
		q, ok := n.pendingQueries[r.id]
		if !ok {
			n.logger.WithField("query", r.id).Debug("late query resolution")
			return
		}
		delete(n.pendingQueries, r.id)

		q.finish(r)

		if r.err != nil {
			n.emit(QueryFailed{ID: r.id, Err: r.err})
			return
		}
		if q.kind == QueryProvide {
			n.providedKeys[q.key] = n.clk.Now()
		}
		n.emit(QueryCompleted{ID: r.id, Kind: q.kind})

	case dialDone:
		d, ok := n.pendingDials[r.peer]
		if !ok {
			n.logger.WithField("peer", r.peer.ShortString()).Debug("late dial resolution")
			return
		}
		delete(n.pendingDials, r.peer)

		if r.err != nil {
			d.resp <- r.err
			return
		}

		n.book.AddContact(r.contact)
		n.admitGossipPeer(r.contact)
		d.resp <- nil

	case requestDone:
		pr, ok := n.pendingRequests[r.id]
		if !ok {
			n.logger.WithField("exchange", r.id).Debug("late exchange resolution")
			return
		}
		delete(n.pendingRequests, r.id)

		if r.err != nil {
			pr.resp <- payloadResult{err: r.err}
			return
		}
		pr.resp <- payloadResult{payload: r.payload}

	case exchangeExpired:
		ex, ok := n.inboundExchanges[r.id]
		if !ok {
			return
		}
		delete(n.inboundExchanges, r.id)

		n.logger.WithField("exchange", r.id).Debug("exchange reply window expired")
		ex.respChan <- net.RPCResponse{Error: errors.New("exchange timed out")}

	case pingDone:
		if r.err != nil {
			n.dht.Routing().Remove(r.peer)
		}
		n.emit(PingResult{Peer: r.peer, RTT: r.rtt, Err: r.err})

	case gossipSendFailed:
		if r.unsupported {
			if n.gossip.MarkUnsupported(r.peer) {
				n.emit(GossipUnsupported{Peer: r.peer})
			}
			return
		}
		n.logger.WithFields(logrus.Fields{
			"peer":  r.peer.ShortString(),
			"topic": r.topic,
			"error": r.err,
		}).Debug("gossip send failed")
		if r.local {
			n.emit(PublishFailed{Topic: r.topic, Err: r.err})
		}

	default:
		n.logger.WithField("report", fmt.Sprintf("%T", r)).Error("Unexpected report")
	}
}

//==============================================================================
//Inbound RPCs

func (n *Node) processRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.PingRequest:
		n.observe(rpc.From, cmd.From)
		rpc.Respond(&net.PingResponse{From: n.self}, nil)

	case *net.FindNodeRequest:
		n.observe(rpc.From, cmd.From)
		closest := n.dht.HandleFindNode(cmd.Target)
		rpc.Respond(&net.FindNodeResponse{From: n.self, Closest: closest}, nil)

	case *net.GetProvidersRequest:
		n.observe(rpc.From, cmd.From)
		providers, closest := n.dht.HandleGetProviders(cmd.Key)
		rpc.Respond(&net.GetProvidersResponse{From: n.self, Providers: providers, Closest: closest}, nil)

	case *net.AddProviderRequest:
		n.observe(rpc.From, cmd.From)
		stored := false
		// Only the provider itself can register; a relayed registration
		// would let anyone impersonate a provider.
		if cmd.Provider.ID == rpc.From {
			stored = n.dht.HandleAddProvider(cmd.Key, cmd.Provider)
		}
		rpc.Respond(&net.AddProviderResponse{From: n.self, Stored: stored}, nil)

	case *net.PutRecordRequest:
		n.observe(rpc.From, cmd.From)
		stored := n.dht.HandlePutRecord(dht.Record{
			Key:       cmd.Key,
			Value:     cmd.Value,
			Publisher: cmd.Publisher,
			Expires:   time.Unix(cmd.Expires, 0),
		})
		rpc.Respond(&net.PutRecordResponse{From: n.self, Stored: stored}, nil)

	case *net.GetRecordRequest:
		n.observe(rpc.From, cmd.From)
		rec, closest := n.dht.HandleGetRecord(cmd.Key)
		resp := &net.GetRecordResponse{From: n.self, Closest: closest}
		if rec != nil {
			resp.Found = true
			resp.Value = rec.Value
			resp.Publisher = rec.Publisher
			resp.Expires = rec.Expires.Unix()
		}
		rpc.Respond(resp, nil)

	case *net.ExchangeRequest:
		n.processExchange(rpc, cmd)

	case *net.GossipRequest:
		n.processGossip(rpc, cmd)

	case *net.SubscriptionsRequest:
		n.processSubscriptions(rpc, cmd)

	default:
		n.logger.WithField("cmd", fmt.Sprintf("%T", rpc.Command)).Error("Unexpected RPC command")
		rpc.Respond(nil, net.ErrUnsupportedCommand)
	}
}

func (n *Node) processExchange(rpc net.RPC, cmd *net.ExchangeRequest) {
	if cmd.ID == "" {
		rpc.Respond(nil, errors.New("exchange carries no id"))
		return
	}
	if _, ok := n.inboundExchanges[cmd.ID]; ok {
		rpc.Respond(nil, errors.New("duplicate exchange id"))
		return
	}

	id := cmd.ID
	timer := n.clk.AfterFunc(n.conf.ExchangeTimeout, func() {
		n.report(exchangeExpired{id: id})
	})

	n.inboundExchanges[id] = &inboundExchange{
		from:     rpc.From,
		respChan: rpc.RespChan,
		timer:    timer,
	}

	n.emit(InboundRequest{
		From:    rpc.From,
		Payload: cmd.Payload,
		Reply:   n.replyFunc(id),
	})
}

// replyFunc builds the one-shot reply capability handed out with an
// InboundRequest.
func (n *Node) replyFunc(id string) func([]byte) error {
	return func(payload []byte) error {
		cmd := &respondCmd{id: id, payload: payload, resp: make(chan error, 1)}
		if err := n.submit(cmd); err != nil {
			return err
		}
		return <-cmd.resp
	}
}

func (n *Node) processGossip(rpc net.RPC, cmd *net.GossipRequest) {
	// Ack receipt right away; validity is the gossip engine's business and
	// is never reported back to the sender.
	rpc.Respond(&net.GossipResponse{From: n.self}, nil)

	env := gossip.Envelope{
		Topic:     cmd.Topic,
		From:      cmd.From,
		Seqno:     cmd.Seqno,
		Data:      cmd.Data,
		Signature: cmd.Signature,
	}

	msg, targets := n.gossip.HandleEnvelope(env, rpc.From)

	if msg != nil {
		n.lastMessage = n.clk.Now()
		n.emit(MessageReceived{
			Topic: msg.Topic,
			From:  msg.From,
			ID:    msg.ID,
			Data:  msg.Data,
		})
	}

	n.floodEnvelope(env, targets, false)
}

func (n *Node) processSubscriptions(rpc net.RPC, cmd *net.SubscriptionsRequest) {
	n.observe(rpc.From, cmd.From)

	// A peer announcing its subscriptions is explicitly opting into gossip
	// with us.
	if cmd.From.ID == rpc.From {
		n.admitGossipPeer(cmd.From)
		n.gossip.UpdateSubscriptions(rpc.From, cmd.Topics)
	}

	rpc.Respond(&net.SubscriptionsResponse{From: n.self}, nil)
}

//==============================================================================
//Discovery and heartbeat

func (n *Node) handleDiscovery(ev discovery.Event) {
	switch ev.Type {
	case discovery.PeerDiscovered:
		n.lastDiscovery = n.clk.Now()
		n.book.AddContact(ev.Contact)
		n.dht.Observe(ev.Contact)
		n.admitGossipPeer(ev.Contact)
		for _, addr := range ev.Contact.Addrs {
			n.emit(PeerDiscovered{Peer: ev.Contact.ID, Addr: addr})
		}
	case discovery.PeerExpired:
		n.gossip.Expire(ev.Contact.ID)
		n.emit(PeerExpired{Peer: ev.Contact.ID})
	}
}

func (n *Node) heartbeat() {
	n.refreshProviders()
	n.pingNext()
}

// pingNext probes the routing table's entries in rotation. A failed probe
// evicts the contact.
func (n *Node) pingNext() {
	contacts := n.Contacts()
	if len(contacts) == 0 {
		return
	}

	n.pingCursor++
	target := contacts[n.pingCursor%len(contacts)]

	n.goFunc(func() {
		start := n.clk.Now()
		_, err := n.dht.Ping(target)
		n.report(pingDone{peer: target.ID, rtt: n.clk.Since(start), err: err})
	})
}

// refreshProviders re-announces provider registrations that are due.
func (n *Node) refreshProviders() {
	now := n.clk.Now()

	for key, last := range n.providedKeys {
		if now.Sub(last) < n.conf.ProviderRefresh {
			continue
		}
		n.providedKeys[key] = now

		key := key
		n.goFunc(func() {
			ctx, cancel := n.queryContext()
			defer cancel()
			if _, err := n.dht.Provide(ctx, key, nil); err != nil {
				n.logger.WithFields(logrus.Fields{
					"key":   key,
					"error": err,
				}).Debug("provider refresh failed")
			}
		})
	}
}

//==============================================================================
//Stats

// GetStats returns a snapshot of the node's internals, assembled by the
// event loop.
func (n *Node) GetStats() (map[string]string, error) {
	cmd := &statsCmd{resp: make(chan map[string]string, 1)}
	if err := n.submit(cmd); err != nil {
		return nil, err
	}
	return <-cmd.resp, nil
}

func (n *Node) stats() map[string]string {
	records, providers, err := n.dht.StoreCounts()
	if err != nil {
		n.logger.WithField("error", err).Debug("store counts")
	}

	return map[string]string{
		"id":                n.self.String(),
		"state":             n.getState().String(),
		"uptime":            n.clk.Since(n.start).Round(time.Second).String(),
		"listen_addr":       n.trans.LocalAddr(),
		"known_peers":       strconv.Itoa(n.dht.Routing().Len()),
		"admitted_peers":    strconv.Itoa(len(n.gossip.AdmittedPeers())),
		"topics":            strconv.Itoa(len(n.gossip.Topics())),
		"records":           strconv.Itoa(records),
		"providers":         strconv.Itoa(providers),
		"provided_keys":     strconv.Itoa(len(n.providedKeys)),
		"pending_queries":   strconv.Itoa(len(n.pendingQueries)),
		"pending_exchanges": strconv.Itoa(len(n.pendingRequests) + len(n.inboundExchanges)),
		"pending_dials":     strconv.Itoa(len(n.pendingDials)),
		"last_message":      formatTime(n.lastMessage),
		"last_discovery":    formatTime(n.lastDiscovery),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
