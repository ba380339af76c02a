package peers

import (
	"fmt"
	"sort"

	"github.com/mosaicnetworks/murmur/src/multiaddr"
)

// Contact couples a peer identifier with its known dialable addresses. It is
// the currency of routing tables, lookups and bootstrap files.
type Contact struct {
	ID    PeerID                `json:"id"`
	Addrs []multiaddr.Multiaddr `json:"addrs,omitempty"`
}

// NewContact bundles an identifier and addresses into a Contact.
func NewContact(id PeerID, addrs ...multiaddr.Multiaddr) Contact {
	return Contact{
		ID:    id,
		Addrs: addrs,
	}
}

// ContactFromString parses a multiaddress that carries a trailing /p2p
// identity segment into a Contact.
func ContactFromString(s string) (Contact, error) {
	m, err := multiaddr.Parse(s)
	if err != nil {
		return Contact{}, err
	}

	bare, idStr := m.StripPeerID()
	if idStr == "" {
		return Contact{}, fmt.Errorf("address %q carries no /p2p identity", s)
	}

	id, err := ParseID(idStr)
	if err != nil {
		return Contact{}, err
	}

	return NewContact(id, bare), nil
}

func (c Contact) String() string {
	if len(c.Addrs) == 0 {
		return c.ID.String()
	}
	return c.Addrs[0].WithPeerID(c.ID.String()).String()
}

// ExcludeContact is used to exclude a single peer from a list of contacts.
func ExcludeContact(contacts []Contact, id PeerID) []Contact {
	others := make([]Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.ID != id {
			others = append(others, c)
		}
	}
	return others
}

// SortContacts orders contacts by identifier for stable output.
func SortContacts(contacts []Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		return contacts[i].ID.String() < contacts[j].ID.String()
	})
}
