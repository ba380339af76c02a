package peers

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
)

// IDLength is the size of a peer identifier in bytes.
const IDLength = 32

// PeerID identifies a peer on the overlay. It is the SHA256 digest of the
// peer's uncompressed public key, which also places the peer in the DHT's
// keyspace. The text form is base58.
type PeerID [IDLength]byte

// ZeroID is the empty identifier.
var ZeroID PeerID

// IDFromPublicKey derives the peer identifier from a public key.
func IDFromPublicKey(pub *ecdsa.PublicKey) PeerID {
	var id PeerID
	copy(id[:], crypto.SHA256(keys.FromPublicKey(pub)))
	return id
}

// IDFromPubKeyHex derives the peer identifier from the hexadecimal form of a
// public key, as carried in signed envelopes.
func IDFromPubKeyHex(pubHex string) (PeerID, error) {
	pub := keys.PublicKeyFromHex(pubHex)
	if pub == nil {
		return ZeroID, fmt.Errorf("public key %q does not parse", pubHex)
	}
	return IDFromPublicKey(pub), nil
}

// ParseID decodes the base58 text form of a peer identifier.
func ParseID(s string) (PeerID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return ZeroID, fmt.Errorf("peer id %q does not decode: %w", s, err)
	}

	if len(raw) != IDLength {
		return ZeroID, fmt.Errorf("peer id %q decodes to %d bytes, want %d", s, len(raw), IDLength)
	}

	var id PeerID
	copy(id[:], raw)
	return id, nil
}

// RandomID returns a uniformly random identifier. It is used as a lookup
// target when walking the DHT without a specific destination.
func RandomID() (PeerID, error) {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return ZeroID, err
	}
	return id, nil
}

// IsZero reports whether the identifier is unset.
func (id PeerID) IsZero() bool {
	return id == ZeroID
}

// Bytes returns the raw digest.
func (id PeerID) Bytes() []byte {
	return id[:]
}

// String returns the base58 text form.
func (id PeerID) String() string {
	return base58.Encode(id[:])
}

// ShortString returns a truncated base58 form for logs.
func (id PeerID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *PeerID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
