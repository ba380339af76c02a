// Package gossip implements signed flood pub/sub over the overlay. Envelopes
// are signed by their origin and validated by every hop. The engine tracks
// local subscriptions, the topic membership of admitted peers, and seen
// messages; it computes flood fan-out sets but performs no network IO itself.
package gossip

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/ugorji/go/codec"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/peers"
)

var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	return h
}()

// Envelope is the wire unit of the pub/sub layer. From is the hexadecimal
// public key of the signer, which is the origin of the message, not
// necessarily the peer it arrived from.
type Envelope struct {
	Topic     string
	From      string
	Seqno     uint64
	Data      []byte
	Signature string
}

// digest is the SHA-256 of the canonical JSON encoding of the envelope minus
// the signature field.
func (e *Envelope) digest() ([]byte, error) {
	body := struct {
		Topic string
		From  string
		Seqno uint64
		Data  []byte
	}{e.Topic, e.From, e.Seqno, e.Data}

	var raw []byte
	if err := codec.NewEncoderBytes(&raw, jsonHandle).Encode(body); err != nil {
		return nil, err
	}

	return crypto.SHA256(raw), nil
}

// Sign fills From and Signature.
func (e *Envelope) Sign(key *ecdsa.PrivateKey) error {
	e.From = keys.PublicKeyHex(&key.PublicKey)

	digest, err := e.digest()
	if err != nil {
		return err
	}

	r, s, err := keys.Sign(key, digest)
	if err != nil {
		return err
	}

	e.Signature = keys.EncodeSignature(r, s)

	return nil
}

// Verify checks the signature against From and returns the signer's
// identity.
func (e *Envelope) Verify() (peers.PeerID, error) {
	pub := keys.PublicKeyFromHex(e.From)
	if pub == nil {
		return peers.ZeroID, fmt.Errorf("signer key %q does not parse", e.From)
	}

	digest, err := e.digest()
	if err != nil {
		return peers.ZeroID, err
	}

	r, s, err := keys.DecodeSignature(e.Signature)
	if err != nil {
		return peers.ZeroID, err
	}

	if !keys.Verify(pub, digest, r, s) {
		return peers.ZeroID, fmt.Errorf("signature does not verify")
	}

	return peers.IDFromPublicKey(pub), nil
}

// ID returns the deterministic message identifier: the base58 encoding of
// sha256(signer key bytes || big-endian seqno). It does not depend on the
// payload, so a signer reusing a sequence number does not produce a second
// deliverable message.
func (e *Envelope) ID() (string, error) {
	raw, err := common.DecodeFromString(e.From)
	if err != nil {
		return "", fmt.Errorf("signer key %q does not decode: %w", e.From, err)
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Seqno)

	return base58.Encode(crypto.SHA256(append(raw, seq[:]...))), nil
}
