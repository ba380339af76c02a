package dht

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/peers"
)

// makeID builds a deterministic PeerID from leading bytes.
func makeID(bs ...byte) peers.PeerID {
	var id peers.PeerID
	copy(id[:], bs)
	return id
}

func makeContact(t *testing.T, id peers.PeerID, port int) peers.Contact {
	t.Helper()
	ma, err := multiaddr.Parse(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port))
	if err != nil {
		t.Fatal(err)
	}
	return peers.Contact{ID: id, Addrs: []multiaddr.Multiaddr{ma}}
}

func TestKeyID(t *testing.T) {
	a := KeyID("alpha")
	b := KeyID("alpha")
	c := KeyID("beta")

	if a != b {
		t.Fatalf("same key should map to the same position, %s != %s", a, b)
	}
	if a == c {
		t.Fatalf("different keys should map to different positions")
	}
	if a.IsZero() {
		t.Fatalf("key position should not be zero")
	}
}

func TestBucketIndex(t *testing.T) {
	self := makeID(0x00)

	if idx := BucketIndex(self, self); idx != -1 {
		t.Fatalf("index of self should be -1, not %d", idx)
	}

	// Highest bit of the first byte is the furthest bucket.
	if idx := BucketIndex(self, makeID(0x80)); idx != 255 {
		t.Fatalf("index should be 255, not %d", idx)
	}

	if idx := BucketIndex(self, makeID(0x01)); idx != 248 {
		t.Fatalf("index should be 248, not %d", idx)
	}

	// Lowest bit of the last byte is bucket zero.
	var near peers.PeerID
	near[peers.IDLength-1] = 0x01
	if idx := BucketIndex(self, near); idx != 0 {
		t.Fatalf("index should be 0, not %d", idx)
	}
}

func TestBucketUpdate(t *testing.T) {
	b := newBucket(2)

	ca := makeContact(t, makeID(0x01), 9001)
	cb := makeContact(t, makeID(0x02), 9002)
	cc := makeContact(t, makeID(0x03), 9003)

	b.update(ca)
	b.update(cb)

	if want := []peers.Contact{cb, ca}; !reflect.DeepEqual(b.contacts(), want) {
		t.Fatalf("contacts should be %v, not %v", want, b.contacts())
	}

	// Refreshing a known contact moves it to the front and takes the new
	// address set.
	ca2 := makeContact(t, ca.ID, 9011)
	b.update(ca2)

	if want := []peers.Contact{ca2, cb}; !reflect.DeepEqual(b.contacts(), want) {
		t.Fatalf("contacts should be %v, not %v", want, b.contacts())
	}

	// A full bucket parks newcomers in the replacement cache.
	if b.update(cc) {
		t.Fatalf("update on a full bucket should report false")
	}
	if b.contains(cc.ID) {
		t.Fatalf("newcomer should not displace a live entry")
	}

	// Removing a live entry promotes the freshest replacement.
	b.remove(cb.ID)

	if want := []peers.Contact{cc, ca2}; !reflect.DeepEqual(b.contacts(), want) {
		t.Fatalf("contacts should be %v, not %v", want, b.contacts())
	}
}

func TestRoutingTableUpdate(t *testing.T) {
	self := makeID(0x0F)
	rt := NewRoutingTable(self, 4)

	if rt.Update(peers.Contact{ID: self}) {
		t.Fatalf("the table should ignore self")
	}
	if rt.Update(peers.Contact{}) {
		t.Fatalf("the table should ignore zero identifiers")
	}
	if rt.Len() != 0 {
		t.Fatalf("table length should be 0, not %d", rt.Len())
	}

	c1 := makeContact(t, makeID(0x01), 9001)
	if !rt.Update(c1) {
		t.Fatalf("update should report a live entry")
	}
	if !rt.Contains(c1.ID) {
		t.Fatalf("table should contain %s", c1.ID)
	}
	if rt.Len() != 1 {
		t.Fatalf("table length should be 1, not %d", rt.Len())
	}
}

func TestRoutingTableRemove(t *testing.T) {
	self := makeID(0x0F)
	rt := NewRoutingTable(self, 4)

	c1 := makeContact(t, makeID(0x01), 9001)
	c2 := makeContact(t, makeID(0x02), 9002)

	rt.Update(c1)
	rt.Update(c2)

	rt.Remove(c1.ID)

	if rt.Contains(c1.ID) {
		t.Fatalf("table should not contain %s", c1.ID)
	}
	if rt.Len() != 1 {
		t.Fatalf("table length should be 1, not %d", rt.Len())
	}
}

func TestRoutingTableClosest(t *testing.T) {
	self := makeID(0xF0)

	// The test identifiers all share a first byte range, so they land in the
	// same bucket; k must be large enough to hold them all.
	rt := NewRoutingTable(self, 20)

	var all []peers.Contact
	for i := 1; i <= 10; i++ {
		c := makeContact(t, makeID(byte(i*7)), 9000+i)
		all = append(all, c)
		rt.Update(c)
	}

	target := KeyID("target")

	expected := make([]peers.Contact, len(all))
	copy(expected, all)
	sortByDistance(target, expected)
	expected = expected[:3]

	closest := rt.Closest(target, 3)

	if !reflect.DeepEqual(closest, expected) {
		t.Fatalf("closest should be %v, not %v", expected, closest)
	}

	// Asking for more than the table holds returns everything.
	if got := rt.Closest(target, 100); len(got) != 10 {
		t.Fatalf("closest should return 10 contacts, not %d", len(got))
	}
}
