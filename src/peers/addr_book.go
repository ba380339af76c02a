package peers

import (
	"sort"

	"github.com/mosaicnetworks/murmur/src/multiaddr"
)

// AddrBook tracks the last known dialable addresses of every peer the node
// has heard about. It is not safe for concurrent use; the node's event loop
// owns it.
type AddrBook struct {
	addrs map[PeerID]map[string]multiaddr.Multiaddr
}

// NewAddrBook returns an empty address book.
func NewAddrBook() *AddrBook {
	return &AddrBook{
		addrs: make(map[PeerID]map[string]multiaddr.Multiaddr),
	}
}

// Add records addresses for a peer, ignoring duplicates and identity
// segments.
func (b *AddrBook) Add(id PeerID, addrs ...multiaddr.Multiaddr) {
	if id.IsZero() {
		return
	}

	set, ok := b.addrs[id]
	if !ok {
		set = make(map[string]multiaddr.Multiaddr)
		b.addrs[id] = set
	}

	for _, a := range addrs {
		bare, _ := a.StripPeerID()
		if bare.Empty() {
			continue
		}
		set[bare.String()] = bare
	}
}

// AddContact records a contact's addresses.
func (b *AddrBook) AddContact(c Contact) {
	b.Add(c.ID, c.Addrs...)
}

// Addrs returns the known addresses of a peer in stable order.
func (b *AddrBook) Addrs(id PeerID) []multiaddr.Multiaddr {
	set, ok := b.addrs[id]
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]multiaddr.Multiaddr, len(keys))
	for i, k := range keys {
		out[i] = set[k]
	}
	return out
}

// Contact returns the peer as a Contact, and whether it is known.
func (b *AddrBook) Contact(id PeerID) (Contact, bool) {
	if _, ok := b.addrs[id]; !ok {
		return Contact{}, false
	}
	return NewContact(id, b.Addrs(id)...), true
}

// Remove forgets a peer entirely.
func (b *AddrBook) Remove(id PeerID) {
	delete(b.addrs, id)
}

// Len returns the number of known peers.
func (b *AddrBook) Len() int {
	return len(b.addrs)
}

// Contacts returns every known peer as a Contact, ordered by identifier.
func (b *AddrBook) Contacts() []Contact {
	out := make([]Contact, 0, len(b.addrs))
	for id := range b.addrs {
		out = append(out, NewContact(id, b.Addrs(id)...))
	}
	SortContacts(out)
	return out
}
