package dht

import (
	"bytes"
	"math/bits"
	"sort"

	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/peers"
)

/*
The keyspace is the 256-bit space of SHA-256 digests. PeerIDs already live in
it; content keys are mapped into it by hashing. Proximity is XOR distance
compared big-endian.
*/

// KeyID maps a content key onto the keyspace.
func KeyID(key string) peers.PeerID {
	var id peers.PeerID
	copy(id[:], crypto.SHA256([]byte(key)))
	return id
}

// Distance returns the XOR distance between two keyspace positions.
func Distance(a, b peers.PeerID) []byte {
	d := make([]byte, peers.IDLength)
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CloserTo reports whether a is strictly closer to target than b.
func CloserTo(target, a, b peers.PeerID) bool {
	return bytes.Compare(Distance(a, target), Distance(b, target)) < 0
}

// BucketIndex returns the index of the bucket, on a table owned by a, in
// which b belongs: the position of the highest bit set in their distance.
// It returns -1 when the two positions are equal.
func BucketIndex(a, b peers.PeerID) int {
	for i := 0; i < peers.IDLength; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return (peers.IDLength-1-i)*8 + bits.Len8(x) - 1
		}
	}
	return -1
}

// sortByDistance orders contacts by XOR distance to target, closest first.
func sortByDistance(target peers.PeerID, contacts []peers.Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		return CloserTo(target, contacts[i].ID, contacts[j].ID)
	})
}
