package node

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/dht"
	"github.com/mosaicnetworks/murmur/src/discovery"
	"github.com/mosaicnetworks/murmur/src/gossip"
	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/peers"
)

/*
testPeer is a full node wired to an in-memory transport. Nodes are routed
to one another with connect, and addressed with regular tcp multiaddrs so
that contacts flow through the same paths as in production.
*/
type testPeer struct {
	key    *ecdsa.PrivateKey
	id     peers.PeerID
	addr   string
	ma     multiaddr.Multiaddr
	trans  *net.InmemTransport
	node   *Node
	client *Client
}

func newTestPeer(t *testing.T, port int, discoveryCh <-chan discovery.Event) *testPeer {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	id := peers.IDFromPublicKey(&key.PublicKey)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	_, trans := net.NewInmemTransport(id, addr)

	ma, err := multiaddr.FromHostPort("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	conf := TestConfig(t)
	clk := clock.New()

	d := dht.NewDHT(
		func() []multiaddr.Multiaddr { return []multiaddr.Multiaddr{ma} },
		dht.NewInmemStore(clk),
		trans,
		clk,
		conf.Logger,
		dht.Options{K: 4, Alpha: 2},
	)

	g := gossip.NewGossip(key, 0, 0, conf.Logger)

	n := NewNode(conf, trans, d, g, discoveryCh, clk)

	go n.Run()
	t.Cleanup(n.Shutdown)

	return &testPeer{
		key:    key,
		id:     id,
		addr:   addr,
		ma:     ma,
		trans:  trans,
		node:   n,
		client: n.Client(),
	}
}

// connect routes every transport to every other. It does not dial.
func connect(nodes ...*testPeer) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.trans.Connect(b.addr, b.trans)
			}
		}
	}
}

func dial(t *testing.T, from, to *testPeer) {
	t.Helper()
	if err := from.client.Dial(to.id, to.ma); err != nil {
		t.Fatalf("dial %s -> %s: %v", from.id.ShortString(), to.id.ShortString(), err)
	}
}

// waitEvent consumes events until match accepts one.
func waitEvent(t *testing.T, p *testPeer, timeout time.Duration, match func(Event) bool) Event {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-p.node.Events():
			if !ok {
				t.Fatal("events channel closed while waiting")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

// expectNoMessage asserts that no MessageReceived event shows up within the
// window.
func expectNoMessage(t *testing.T, p *testPeer, window time.Duration) {
	t.Helper()

	deadline := time.After(window)
	for {
		select {
		case ev, ok := <-p.node.Events():
			if !ok {
				return
			}
			if m, isMsg := ev.(MessageReceived); isMsg {
				t.Fatalf("unexpected message delivered: %q", m.Data)
			}
		case <-deadline:
			return
		}
	}
}

func TestRequestRespond(t *testing.T) {
	a := newTestPeer(t, 10001, nil)
	b := newTestPeer(t, 10002, nil)
	connect(a, b)
	dial(t, a, b)

	reqCh := make(chan InboundRequest, 1)
	go func() {
		for ev := range b.node.Events() {
			if req, ok := ev.(InboundRequest); ok {
				reqCh <- req
			}
		}
	}()

	go func() {
		req := <-reqCh
		req.Reply(append([]byte("pong:"), req.Payload...))
		reqCh <- req
	}()

	resp, err := a.client.Request(b.id, []byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte("pong:ping")) {
		t.Fatalf("unexpected response %q", resp)
	}

	// The reply capability is one-shot.
	req := <-reqCh
	if err := req.Reply([]byte("again")); !errors.Is(err, ErrExchangeAlreadyResolved) {
		t.Fatalf("second reply returned %v, expected ErrExchangeAlreadyResolved", err)
	}
}

func TestRequestNoResponse(t *testing.T) {
	a := newTestPeer(t, 10011, nil)
	b := newTestPeer(t, 10012, nil)
	connect(a, b)
	dial(t, a, b)

	// b's application never answers; the reply window expires first.
	_, err := a.client.Request(b.id, []byte("anyone home"))
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("got %v, expected ErrNoResponse", err)
	}
}

func TestRequestUnknownPeer(t *testing.T) {
	a := newTestPeer(t, 10021, nil)

	stranger, err := peers.RandomID()
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.client.Request(stranger, []byte("x"))
	if !errors.Is(err, ErrPeerUnreachable) {
		t.Fatalf("got %v, expected ErrPeerUnreachable", err)
	}
}

func TestDialIdentityMismatch(t *testing.T) {
	a := newTestPeer(t, 10031, nil)
	b := newTestPeer(t, 10032, nil)
	c := newTestPeer(t, 10033, nil)
	connect(a, b, c)

	// a dials b's address but expects c's identity.
	if err := a.client.Dial(c.id, b.ma); err == nil {
		t.Fatal("dial with mismatched identity succeeded")
	}
}

func TestDialDuplicate(t *testing.T) {
	a := newTestPeer(t, 10041, nil)

	// A transport nobody services: the ping sits in its consumer queue
	// until the requester times out, leaving a window for the duplicate.
	silentID, err := peers.RandomID()
	if err != nil {
		t.Fatal(err)
	}
	silentAddr := "127.0.0.1:10042"
	_, silent := net.NewInmemTransport(silentID, silentAddr)
	a.trans.Connect(silentAddr, silent)

	silentMA, err := multiaddr.FromHostPort("tcp", silentAddr)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.client.Dial(silentID, silentMA)
	}()

	time.Sleep(50 * time.Millisecond)

	if err := a.client.Dial(silentID, silentMA); !errors.Is(err, ErrAlreadyDialing) {
		t.Fatalf("got %v, expected ErrAlreadyDialing", err)
	}

	if err := <-errCh; err == nil {
		t.Fatal("dial to a dead peer succeeded")
	}
}

func TestProvideAndFindProviders(t *testing.T) {
	a := newTestPeer(t, 10051, nil)
	b := newTestPeer(t, 10052, nil)
	c := newTestPeer(t, 10053, nil)
	connect(a, b, c)
	dial(t, b, a)
	dial(t, c, a)
	dial(t, a, b)
	dial(t, a, c)

	// No registration anywhere: the lookup succeeds with an empty set.
	providers, err := b.client.GetProviders("report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 0 {
		t.Fatalf("expected no providers, got %v", providers)
	}

	acks, err := a.client.StartProviding("report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if acks < 1 {
		t.Fatalf("expected at least one remote ack, got %d", acks)
	}

	providers, err = b.client.GetProviders("report.pdf")
	if err != nil {
		t.Fatal(err)
	}

	count := 0
	for _, p := range providers {
		if p.ID == a.id {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("provider %s appears %d times in %v", a.id.ShortString(), count, providers)
	}
}

func TestProvideThenFetch(t *testing.T) {
	a := newTestPeer(t, 10061, nil)
	b := newTestPeer(t, 10062, nil)
	connect(a, b)
	dial(t, a, b)
	dial(t, b, a)

	content := []byte("the quick brown fox")

	// a serves "report.pdf" the way the provide front end does.
	go func() {
		for ev := range a.node.Events() {
			req, ok := ev.(InboundRequest)
			if !ok {
				continue
			}
			if string(req.Payload) == "report.pdf" {
				req.Reply(content)
			}
		}
	}()

	if _, err := a.client.StartProviding("report.pdf"); err != nil {
		t.Fatal(err)
	}

	providers, err := b.client.GetProviders("report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 1 || providers[0].ID != a.id {
		t.Fatalf("expected providers {%s}, got %v", a.id.ShortString(), providers)
	}

	payload, err := b.client.Request(providers[0].ID, []byte("report.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, content) {
		t.Fatalf("fetched %q, expected %q", payload, content)
	}
}

func TestPutRecordQuorum(t *testing.T) {
	a := newTestPeer(t, 10071, nil)
	b := newTestPeer(t, 10072, nil)
	c := newTestPeer(t, 10073, nil)
	connect(a, b, c)
	dial(t, a, b)
	dial(t, a, c)
	dial(t, b, a)
	dial(t, c, a)

	value := bytes.Repeat([]byte{0xAB}, 32)

	// Two reachable peers cannot satisfy a quorum of three; the local copy
	// does not count.
	_, err := a.client.PutRecord("/pk/test", value, time.Minute, 3)
	if !errors.Is(err, dht.ErrInsufficientQuorum) {
		t.Fatalf("got %v, expected ErrInsufficientQuorum", err)
	}

	acks, err := a.client.PutRecord("/pk/test", value, time.Minute, 2)
	if err != nil {
		t.Fatal(err)
	}
	if acks != 2 {
		t.Fatalf("expected 2 acks, got %d", acks)
	}

	rec, err := b.client.GetRecord("/pk/test")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Value, value) {
		t.Fatalf("record value %x, expected %x", rec.Value, value)
	}
	if rec.Publisher != a.id {
		t.Fatalf("record publisher %s, expected %s", rec.Publisher.ShortString(), a.id.ShortString())
	}
}

func TestGetRecordMissing(t *testing.T) {
	a := newTestPeer(t, 10081, nil)
	b := newTestPeer(t, 10082, nil)
	connect(a, b)
	dial(t, a, b)

	_, err := a.client.GetRecord("/pk/nothing")
	if !errors.Is(err, dht.ErrNotFound) {
		t.Fatalf("got %v, expected ErrNotFound", err)
	}
}

func TestClosestPeersNoPeers(t *testing.T) {
	a := newTestPeer(t, 10091, nil)

	target, err := peers.RandomID()
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.client.GetClosestPeers(target)
	if !errors.Is(err, dht.ErrNoReachablePeers) {
		t.Fatalf("got %v, expected ErrNoReachablePeers", err)
	}
}

func TestPublishDelivery(t *testing.T) {
	a := newTestPeer(t, 10101, nil)
	b := newTestPeer(t, 10102, nil)
	connect(a, b)

	if err := b.client.Subscribe("lobby"); err != nil {
		t.Fatal(err)
	}

	// Publishing without a local subscription fails before any send.
	if err := a.client.Publish("lobby", []byte("early")); !errors.Is(err, gossip.ErrNotSubscribed) {
		t.Fatalf("got %v, expected ErrNotSubscribed", err)
	}

	dial(t, a, b)

	if err := a.client.Subscribe("lobby"); err != nil {
		t.Fatal(err)
	}

	// Subscription announces travel asynchronously; retry until a knows
	// that b listens on the topic.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := a.client.Publish("lobby", []byte("hello there"))
		if err == nil {
			break
		}
		if !errors.Is(err, gossip.ErrNoPeers) {
			t.Fatal(err)
		}
		if time.Now().After(deadline) {
			t.Fatal("peer never learned of the subscription")
		}
		time.Sleep(20 * time.Millisecond)
	}

	ev := waitEvent(t, b, 5*time.Second, func(ev Event) bool {
		_, ok := ev.(MessageReceived)
		return ok
	})

	msg := ev.(MessageReceived)
	if msg.Topic != "lobby" {
		t.Fatalf("message on topic %q, expected lobby", msg.Topic)
	}
	if msg.From != a.id {
		t.Fatalf("message from %s, expected %s", msg.From.ShortString(), a.id.ShortString())
	}
	if !bytes.Equal(msg.Data, []byte("hello there")) {
		t.Fatalf("message data %q", msg.Data)
	}
}

func TestForgedEnvelopeDropped(t *testing.T) {
	a := newTestPeer(t, 10111, nil)
	b := newTestPeer(t, 10112, nil)
	connect(a, b)

	if err := b.client.Subscribe("lobby"); err != nil {
		t.Fatal(err)
	}
	dial(t, a, b)

	// A syntactically plausible envelope with a garbage signature, sent
	// straight through the transport.
	var resp net.GossipResponse
	err := a.trans.Gossip(b.addr, b.id, &net.GossipRequest{
		Topic:     "lobby",
		From:      keys.PublicKeyHex(&a.key.PublicKey),
		Seqno:     7,
		Data:      []byte("forged"),
		Signature: "1f|2e",
	}, &resp)
	if err != nil {
		// Receipt is acked regardless of validity.
		t.Fatal(err)
	}

	expectNoMessage(t, b, 300*time.Millisecond)
}

func TestGossipUnsupportedPeer(t *testing.T) {
	a := newTestPeer(t, 10121, nil)
	b := newTestPeer(t, 10122, nil)
	connect(a, b)

	b.trans.RejectGossip = true

	dial(t, a, b)

	ev := waitEvent(t, a, 5*time.Second, func(ev Event) bool {
		_, ok := ev.(GossipUnsupported)
		return ok
	})

	if ev.(GossipUnsupported).Peer != b.id {
		t.Fatalf("unsupported peer %s, expected %s",
			ev.(GossipUnsupported).Peer.ShortString(), b.id.ShortString())
	}
}

func TestRaceFirstSuccess(t *testing.T) {
	a := newTestPeer(t, 10131, nil)
	holder := newTestPeer(t, 10132, nil)
	empty1 := newTestPeer(t, 10133, nil)
	empty2 := newTestPeer(t, 10134, nil)
	connect(a, holder, empty1, empty2)
	dial(t, a, holder)
	dial(t, a, empty1)
	dial(t, a, empty2)

	content := []byte("only one of us has this")

	// Only holder answers; the others let the request expire.
	go func() {
		for ev := range holder.node.Events() {
			if req, ok := ev.(InboundRequest); ok {
				req.Reply(content)
			}
		}
	}()

	type outcome struct {
		payload []byte
		err     error
	}

	outcomes := make(chan outcome, 3)
	for _, p := range []*testPeer{holder, empty1, empty2} {
		p := p
		go func() {
			payload, err := a.client.Request(p.id, []byte("report.pdf"))
			outcomes <- outcome{payload: payload, err: err}
		}()
	}

	var won []byte
	for i := 0; i < 3; i++ {
		o := <-outcomes
		if o.err == nil && won == nil {
			won = o.payload
		}
	}

	if !bytes.Equal(won, content) {
		t.Fatalf("race yielded %q, expected %q", won, content)
	}
}

func TestDiscoveryAdmitsPeer(t *testing.T) {
	discoveryCh := make(chan discovery.Event, 4)

	a := newTestPeer(t, 10141, discoveryCh)
	b := newTestPeer(t, 10142, nil)
	connect(a, b)

	discoveryCh <- discovery.Event{
		Type:    discovery.PeerDiscovered,
		Contact: peers.NewContact(b.id, b.ma),
	}

	ev := waitEvent(t, a, 5*time.Second, func(ev Event) bool {
		_, ok := ev.(PeerDiscovered)
		return ok
	})

	found := ev.(PeerDiscovered)
	if found.Peer != b.id {
		t.Fatalf("discovered %s, expected %s", found.Peer.ShortString(), b.id.ShortString())
	}

	// Discovery feeds the routing table, so the peer is now reachable by
	// id alone.
	deadline := time.Now().Add(5 * time.Second)
	for {
		contacts := a.node.Contacts()
		if len(contacts) == 1 && contacts[0].ID == b.id {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("routing table never learned of %s", b.id.ShortString())
		}
		time.Sleep(20 * time.Millisecond)
	}

	discoveryCh <- discovery.Event{
		Type:    discovery.PeerExpired,
		Contact: peers.NewContact(b.id),
	}

	waitEvent(t, a, 5*time.Second, func(ev Event) bool {
		expired, ok := ev.(PeerExpired)
		return ok && expired.Peer == b.id
	})
}

func TestCommandsAfterShutdown(t *testing.T) {
	a := newTestPeer(t, 10151, nil)

	a.node.Shutdown()

	if _, err := a.client.GetProviders("x"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("got %v, expected ErrShuttingDown", err)
	}

	if err := a.client.Publish("lobby", nil); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("got %v, expected ErrShuttingDown", err)
	}
}

func TestListeningEvent(t *testing.T) {
	a := newTestPeer(t, 10161, nil)

	if err := a.client.StartListening(a.ma); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, a, 5*time.Second, func(ev Event) bool {
		_, ok := ev.(ListeningOn)
		return ok
	})

	if got := ev.(ListeningOn).Addr.String(); got != a.ma.String() {
		t.Fatalf("listening on %s, expected %s", got, a.ma)
	}
}
