package dht

import (
	"github.com/mosaicnetworks/murmur/src/peers"
)

// bucket is one k-bucket: at most k contacts ordered most-recently-seen
// first, plus a bounded replacement cache of contacts that arrived while the
// bucket was full. Buckets are not safe for concurrent use; the routing
// table's lock covers them.
type bucket struct {
	k           int
	entries     []peers.Contact
	replacement []peers.Contact
}

func newBucket(k int) *bucket {
	return &bucket{k: k}
}

// update refreshes or inserts a contact. A known contact moves to the front
// and takes the new address set. When the bucket is full the newcomer parks
// in the replacement cache instead of evicting a live entry.
func (b *bucket) update(c peers.Contact) bool {
	if i := indexOf(b.entries, c.ID); i >= 0 {
		b.entries = moveToFront(b.entries, i, c)
		return true
	}

	if len(b.entries) < b.k {
		b.entries = prepend(b.entries, c)
		return true
	}

	if i := indexOf(b.replacement, c.ID); i >= 0 {
		b.replacement = moveToFront(b.replacement, i, c)
	} else {
		b.replacement = prepend(b.replacement, c)
		if len(b.replacement) > b.k {
			b.replacement = b.replacement[:b.k]
		}
	}

	return false
}

// remove drops a contact and, when available, promotes the freshest
// replacement into the vacated slot.
func (b *bucket) remove(id peers.PeerID) bool {
	i := indexOf(b.entries, id)
	if i < 0 {
		if j := indexOf(b.replacement, id); j >= 0 {
			b.replacement = append(b.replacement[:j], b.replacement[j+1:]...)
		}
		return false
	}

	b.entries = append(b.entries[:i], b.entries[i+1:]...)

	if len(b.replacement) > 0 {
		b.entries = prepend(b.entries, b.replacement[0])
		b.replacement = b.replacement[1:]
	}

	return true
}

func (b *bucket) contains(id peers.PeerID) bool {
	return indexOf(b.entries, id) >= 0
}

func (b *bucket) contacts() []peers.Contact {
	out := make([]peers.Contact, len(b.entries))
	copy(out, b.entries)
	return out
}

func indexOf(cs []peers.Contact, id peers.PeerID) int {
	for i, c := range cs {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func prepend(cs []peers.Contact, c peers.Contact) []peers.Contact {
	cs = append(cs, peers.Contact{})
	copy(cs[1:], cs)
	cs[0] = c
	return cs
}

func moveToFront(cs []peers.Contact, i int, c peers.Contact) []peers.Contact {
	copy(cs[1:], cs[:i])
	cs[0] = c
	return cs
}
