package dht

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/peers"
)

/*
testNode bundles a DHT with the plumbing the node loop provides in
production: an in-memory transport and a dispatcher answering inbound
commands with the Handle methods.
*/
type testNode struct {
	id      peers.PeerID
	addr    string
	contact peers.Contact
	trans   *net.InmemTransport
	dht     *DHT
	clk     *clock.Mock
	stopCh  chan struct{}
}

func newTestNode(port int, t *testing.T) *testNode {
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

	contact := peers.Contact{ID: id, Addrs: []multiaddr.Multiaddr{ma}}

	clk := clock.NewMock()

	d := NewDHT(
		func() []multiaddr.Multiaddr { return contact.Addrs },
		NewInmemStore(clk),
		trans,
		clk,
		common.NewTestEntry(t, common.TestLogLevel),
		Options{K: 4, Alpha: 2},
	)

	n := &testNode{
		id:      id,
		addr:    addr,
		contact: contact,
		trans:   trans,
		dht:     d,
		clk:     clk,
		stopCh:  make(chan struct{}),
	}

	go n.serve()

	return n
}

func (n *testNode) serve() {
	for {
		select {
		case rpc := <-n.trans.Consumer():
			n.dispatch(rpc)
		case <-n.stopCh:
			return
		}
	}
}

func (n *testNode) dispatch(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.PingRequest:
		n.observe(rpc.From, cmd.From)
		rpc.Respond(&net.PingResponse{From: n.id}, nil)

	case *net.FindNodeRequest:
		n.observe(rpc.From, cmd.From)
		rpc.Respond(&net.FindNodeResponse{
			From:    n.id,
			Closest: n.dht.HandleFindNode(cmd.Target),
		}, nil)

	case *net.GetProvidersRequest:
		n.observe(rpc.From, cmd.From)
		providers, closest := n.dht.HandleGetProviders(cmd.Key)
		rpc.Respond(&net.GetProvidersResponse{
			From:      n.id,
			Providers: providers,
			Closest:   closest,
		}, nil)

	case *net.AddProviderRequest:
		n.observe(rpc.From, cmd.From)
		stored := false
		if cmd.Provider.ID == rpc.From {
			stored = n.dht.HandleAddProvider(cmd.Key, cmd.Provider)
		}
		rpc.Respond(&net.AddProviderResponse{From: n.id, Stored: stored}, nil)

	case *net.PutRecordRequest:
		n.observe(rpc.From, cmd.From)
		rec := Record{
			Key:       cmd.Key,
			Value:     cmd.Value,
			Publisher: cmd.Publisher,
			Expires:   unixTime(cmd.Expires),
		}
		rpc.Respond(&net.PutRecordResponse{
			From:   n.id,
			Stored: n.dht.HandlePutRecord(rec),
		}, nil)

	case *net.GetRecordRequest:
		n.observe(rpc.From, cmd.From)
		rec, closest := n.dht.HandleGetRecord(cmd.Key)
		resp := &net.GetRecordResponse{From: n.id, Closest: closest}
		if rec != nil {
			resp.Found = true
			resp.Value = rec.Value
			resp.Publisher = rec.Publisher
			resp.Expires = rec.Expires.Unix()
		}
		rpc.Respond(resp, nil)

	default:
		rpc.Respond(nil, fmt.Errorf("unexpected command %T", rpc.Command))
	}
}

// observe mirrors the node loop: the claimed contact only refreshes the
// routing table when it matches the connection's verified identity.
func (n *testNode) observe(from peers.PeerID, claimed peers.Contact) {
	if claimed.ID == from {
		n.dht.Observe(claimed)
	}
}

func (n *testNode) stop() {
	close(n.stopCh)
	n.trans.Close()
}

// makeTestNodes starts n nodes with fully connected transports. Routing
// tables start empty; tests seed them explicitly.
func makeTestNodes(n int, basePort int, t *testing.T) []*testNode {
	nodes := make([]*testNode, n)
	for i := range nodes {
		nodes[i] = newTestNode(basePort+i, t)
	}
	connectNodes(nodes)
	return nodes
}

func connectNodes(nodes []*testNode) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.trans.Connect(b.addr, b.trans)
			}
		}
	}
}

func observeAll(nodes []*testNode) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.dht.Observe(b.contact)
			}
		}
	}
}

func stopNodes(nodes []*testNode) {
	for _, n := range nodes {
		n.stop()
	}
}

func TestDHTBootstrap(t *testing.T) {
	nodes := makeTestNodes(3, 9100, t)
	defer stopNodes(nodes)

	// nodes[1] knows nodes[2]; bootstrapping against nodes[1] should pull
	// nodes[2] in through the lookup of self.
	nodes[1].dht.Observe(nodes[2].contact)

	err := nodes[0].dht.Bootstrap(context.Background(), []peers.Contact{nodes[1].contact})
	if err != nil {
		t.Fatal(err)
	}

	if !nodes[0].dht.Routing().Contains(nodes[1].id) {
		t.Fatalf("routing table should contain the seed")
	}
	if !nodes[0].dht.Routing().Contains(nodes[2].id) {
		t.Fatalf("routing table should contain the seed's neighbours")
	}

	// The seed learned about us from the inbound traffic.
	if !nodes[1].dht.Routing().Contains(nodes[0].id) {
		t.Fatalf("seed's routing table should contain the new node")
	}
}

func TestDHTBootstrapAnonymousSeed(t *testing.T) {
	nodes := makeTestNodes(2, 9110, t)
	defer stopNodes(nodes)

	// A seed address without an identity is still usable; the identity
	// comes back with the ping.
	seed := peers.Contact{Addrs: nodes[1].contact.Addrs}

	err := nodes[0].dht.Bootstrap(context.Background(), []peers.Contact{seed})
	if err != nil {
		t.Fatal(err)
	}

	if !nodes[0].dht.Routing().Contains(nodes[1].id) {
		t.Fatalf("routing table should contain the resolved seed")
	}
}

func TestDHTBootstrapNoSeeds(t *testing.T) {
	node := newTestNode(9120, t)
	defer node.stop()

	err := node.dht.Bootstrap(context.Background(), nil)
	if !errors.Is(err, ErrNoReachablePeers) {
		t.Fatalf("error should be ErrNoReachablePeers, not %v", err)
	}
}

func TestDHTGetClosestPeers(t *testing.T) {
	nodes := makeTestNodes(5, 9130, t)
	defer stopNodes(nodes)

	// Knowledge chain: nodes[0] only knows nodes[1]; nodes[1] knows the
	// rest. The iterative lookup has to walk the chain.
	nodes[0].dht.Observe(nodes[1].contact)
	for _, n := range nodes[2:] {
		nodes[1].dht.Observe(n.contact)
	}

	target := nodes[4].id

	progressed := 0
	closest, err := nodes[0].dht.GetClosestPeers(context.Background(), target, func(peers.Contact) {
		progressed++
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(closest) == 0 {
		t.Fatalf("lookup should return contacts")
	}
	if closest[0].ID != target {
		t.Fatalf("closest contact should be %s, not %s", target.ShortString(), closest[0].ID.ShortString())
	}
	if progressed == 0 {
		t.Fatalf("progress callback should have fired")
	}

	// The lookup fed everything it learned back into the routing table.
	if !nodes[0].dht.Routing().Contains(nodes[4].id) {
		t.Fatalf("routing table should contain the lookup target")
	}
}

func TestDHTGetClosestPeersEmptyTable(t *testing.T) {
	node := newTestNode(9140, t)
	defer node.stop()

	_, err := node.dht.GetClosestPeers(context.Background(), KeyID("anything"), nil)
	if !errors.Is(err, ErrNoReachablePeers) {
		t.Fatalf("error should be ErrNoReachablePeers, not %v", err)
	}
}

func TestDHTGetClosestPeersAllUnreachable(t *testing.T) {
	// The routing table knows a peer but the transport cannot reach it.
	node := newTestNode(9150, t)
	defer node.stop()

	ghost := newTestNode(9151, t)
	ghost.stop()

	node.dht.Observe(ghost.contact)

	_, err := node.dht.GetClosestPeers(context.Background(), KeyID("anything"), nil)
	if !errors.Is(err, ErrNoReachablePeers) {
		t.Fatalf("error should be ErrNoReachablePeers, not %v", err)
	}

	// The dead peer was evicted along the way.
	if node.dht.Routing().Contains(ghost.id) {
		t.Fatalf("routing table should have dropped the unreachable peer")
	}
}

func TestDHTProvideAndFindProviders(t *testing.T) {
	nodes := makeTestNodes(4, 9160, t)
	defer stopNodes(nodes)
	observeAll(nodes)

	acks, err := nodes[0].dht.Provide(context.Background(), "alpha", nil)
	if err != nil {
		t.Fatal(err)
	}
	if acks != 3 {
		t.Fatalf("provide should gather 3 acks, not %d", acks)
	}

	// Several nodes hold the registration; the result set still names the
	// provider exactly once.
	providers, err := nodes[3].dht.FindProviders(context.Background(), "alpha", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 1 {
		t.Fatalf("providers should have 1 entry, not %d: %v", len(providers), providers)
	}
	if providers[0].ID != nodes[0].id {
		t.Fatalf("provider should be %s, not %s", nodes[0].id.ShortString(), providers[0].ID.ShortString())
	}

	// No providers is a valid result, not an error.
	providers, err = nodes[3].dht.FindProviders(context.Background(), "unprovided", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 0 {
		t.Fatalf("providers should be empty, not %v", providers)
	}
}

func TestDHTProvideIsolated(t *testing.T) {
	node := newTestNode(9170, t)
	defer node.stop()

	// The announcement cannot spread without peers, but it lands locally
	// first, so the node can still resolve its own registration.
	_, err := node.dht.Provide(context.Background(), "beta", nil)
	if !errors.Is(err, ErrNoReachablePeers) {
		t.Fatalf("error should be ErrNoReachablePeers, not %v", err)
	}

	providers, err := node.dht.FindProviders(context.Background(), "beta", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 1 || providers[0].ID != node.id {
		t.Fatalf("providers should contain the local node, not %v", providers)
	}
}

func TestDHTPutGetRecord(t *testing.T) {
	nodes := makeTestNodes(4, 9180, t)
	defer stopNodes(nodes)
	observeAll(nodes)

	acks, err := nodes[0].dht.PutRecord(context.Background(), "greeting", []byte("hola"), time.Minute, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if acks != 3 {
		t.Fatalf("put should gather 3 acks, not %d", acks)
	}

	// A reader that joins after the write has to go through the network.
	reader := newTestNode(9190, t)
	defer reader.stop()

	all := append(nodes, reader)
	connectNodes(all)
	reader.dht.Observe(nodes[1].contact)

	rec, err := reader.dht.GetRecord(context.Background(), "greeting", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Value) != "hola" {
		t.Fatalf("value should be hola, not %s", rec.Value)
	}
	if rec.Publisher != nodes[0].id {
		t.Fatalf("publisher should be %s, not %s", nodes[0].id.ShortString(), rec.Publisher.ShortString())
	}

	// The read cached the record, so a second read works without peers.
	reader.trans.DisconnectAll()

	rec, err = reader.dht.GetRecord(context.Background(), "greeting", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Value) != "hola" {
		t.Fatalf("value should be hola, not %s", rec.Value)
	}
}

func TestDHTGetRecordExpiry(t *testing.T) {
	nodes := makeTestNodes(3, 9200, t)
	defer stopNodes(nodes)
	observeAll(nodes)

	_, err := nodes[0].dht.PutRecord(context.Background(), "greeting", []byte("hola"), time.Minute, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Replicas still hold the record, but from the reader's point of view
	// it is past its expiry; the read must not return it.
	nodes[2].clk.Add(2 * time.Minute)

	_, err = nodes[2].dht.GetRecord(context.Background(), "greeting", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error should be ErrNotFound, not %v", err)
	}
}

func TestDHTPutRecordQuorum(t *testing.T) {
	nodes := makeTestNodes(2, 9210, t)
	defer stopNodes(nodes)
	observeAll(nodes)

	// One remote ack cannot satisfy a quorum of 3; the local copy does not
	// count.
	acks, err := nodes[0].dht.PutRecord(context.Background(), "greeting", []byte("hola"), time.Minute, 3, nil)
	if !errors.Is(err, ErrInsufficientQuorum) {
		t.Fatalf("error should be ErrInsufficientQuorum, not %v", err)
	}
	if acks != 1 {
		t.Fatalf("put should gather 1 ack, not %d", acks)
	}

	// The copies that landed stay readable.
	rec, err := nodes[1].dht.GetRecord(context.Background(), "greeting", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Value) != "hola" {
		t.Fatalf("value should be hola, not %s", rec.Value)
	}
}

func TestDHTGetRecordNotFound(t *testing.T) {
	nodes := makeTestNodes(3, 9220, t)
	defer stopNodes(nodes)
	observeAll(nodes)

	_, err := nodes[0].dht.GetRecord(context.Background(), "missing", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error should be ErrNotFound, not %v", err)
	}
}
