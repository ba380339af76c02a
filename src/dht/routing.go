package dht

import (
	"sync"

	"github.com/mosaicnetworks/murmur/src/peers"
)

// RoutingTable indexes known contacts into 256 k-buckets by XOR distance
// from the local peer. It is read-heavy (every lookup round calls Closest)
// and guarded by a RWMutex.
type RoutingTable struct {
	mtx     sync.RWMutex
	self    peers.PeerID
	k       int
	buckets [8 * peers.IDLength]*bucket
}

// NewRoutingTable creates an empty table centered on self.
func NewRoutingTable(self peers.PeerID, k int) *RoutingTable {
	rt := &RoutingTable{
		self: self,
		k:    k,
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(k)
	}
	return rt
}

// Update refreshes or inserts a contact, and reports whether the contact is
// now a live entry. Self and zero-ID contacts are ignored.
func (rt *RoutingTable) Update(c peers.Contact) bool {
	if c.ID.IsZero() || c.ID == rt.self {
		return false
	}

	rt.mtx.Lock()
	defer rt.mtx.Unlock()

	return rt.buckets[BucketIndex(rt.self, c.ID)].update(c)
}

// Remove drops a contact, promoting a cached replacement when one exists.
func (rt *RoutingTable) Remove(id peers.PeerID) {
	if id.IsZero() || id == rt.self {
		return
	}

	rt.mtx.Lock()
	defer rt.mtx.Unlock()

	rt.buckets[BucketIndex(rt.self, id)].remove(id)
}

// Contact returns the live entry for id when there is one.
func (rt *RoutingTable) Contact(id peers.PeerID) (peers.Contact, bool) {
	if id.IsZero() || id == rt.self {
		return peers.Contact{}, false
	}

	rt.mtx.RLock()
	defer rt.mtx.RUnlock()

	b := rt.buckets[BucketIndex(rt.self, id)]
	if i := indexOf(b.entries, id); i >= 0 {
		return b.entries[i], true
	}
	return peers.Contact{}, false
}

// Contains reports whether id is a live entry.
func (rt *RoutingTable) Contains(id peers.PeerID) bool {
	if id.IsZero() || id == rt.self {
		return false
	}

	rt.mtx.RLock()
	defer rt.mtx.RUnlock()

	return rt.buckets[BucketIndex(rt.self, id)].contains(id)
}

// Closest returns up to count live contacts ordered by XOR distance to
// target, closest first.
func (rt *RoutingTable) Closest(target peers.PeerID, count int) []peers.Contact {
	all := rt.Contacts()

	sortByDistance(target, all)

	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Contacts returns every live entry in the table.
func (rt *RoutingTable) Contacts() []peers.Contact {
	rt.mtx.RLock()
	defer rt.mtx.RUnlock()

	var out []peers.Contact
	for _, b := range rt.buckets {
		out = append(out, b.entries...)
	}
	return out
}

// Len returns the number of live entries.
func (rt *RoutingTable) Len() int {
	rt.mtx.RLock()
	defer rt.mtx.RUnlock()

	n := 0
	for _, b := range rt.buckets {
		n += len(b.entries)
	}
	return n
}
