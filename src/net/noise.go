package net

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"net"

	"github.com/flynn/noise"
	"github.com/ugorji/go/codec"

	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/peers"
)

var (
	// ErrHandshakeFailed is returned when the security handshake with a
	// remote peer cannot be completed.
	ErrHandshakeFailed = errors.New("security handshake failed")

	// ErrIdentityMismatch is returned when a dialed peer authenticates
	// with a different identity than the one we expected.
	ErrIdentityMismatch = errors.New("remote identity mismatch")
)

// noiseStaticKeyPrefix domain-separates the signature that binds a session's
// ephemeral Noise static key to the node's long-lived identity key.
const noiseStaticKeyPrefix = "murmur-noise-static-key:"

var noiseCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// identityPayload travels inside the encrypted handshake messages. It proves
// that whoever controls the Noise static key also controls the identity key.
type identityPayload struct {
	PubKeyHex string `json:"pub_key"`
	Signature string `json:"sig"`
}

func signStaticKey(key *ecdsa.PrivateKey, staticPub []byte) ([]byte, error) {
	digest := crypto.SHA256(append([]byte(noiseStaticKeyPrefix), staticPub...))

	r, s, err := keys.Sign(key, digest)
	if err != nil {
		return nil, err
	}

	payload := identityPayload{
		PubKeyHex: keys.PublicKeyHex(&key.PublicKey),
		Signature: keys.EncodeSignature(r, s),
	}

	var raw []byte
	if err := codec.NewEncoderBytes(&raw, jsonHandle).Encode(payload); err != nil {
		return nil, err
	}

	return raw, nil
}

func verifyStaticKey(raw, staticPub []byte) (peers.PeerID, error) {
	var payload identityPayload
	if err := codec.NewDecoderBytes(raw, jsonHandle).Decode(&payload); err != nil {
		return peers.ZeroID, fmt.Errorf("decoding identity payload: %v", err)
	}

	pubKey := keys.PublicKeyFromHex(payload.PubKeyHex)
	if pubKey == nil {
		return peers.ZeroID, fmt.Errorf("invalid public key in identity payload")
	}

	r, s, err := keys.DecodeSignature(payload.Signature)
	if err != nil {
		return peers.ZeroID, fmt.Errorf("decoding identity signature: %v", err)
	}

	digest := crypto.SHA256(append([]byte(noiseStaticKeyPrefix), staticPub...))

	if !keys.Verify(pubKey, digest, r, s) {
		return peers.ZeroID, fmt.Errorf("identity signature does not match static key")
	}

	return peers.IDFromPublicKey(pubKey), nil
}

func newHandshakeState(key *ecdsa.PrivateKey, initiator bool) (*noise.HandshakeState, noise.DHKey, error) {
	static, err := noiseCipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, noise.DHKey{}, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseCipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, noise.DHKey{}, err
	}

	return hs, static, nil
}

// secureOutbound runs the initiator side of the XX handshake. When expect is
// non-zero the remote must authenticate as exactly that peer.
func secureOutbound(conn net.Conn, key *ecdsa.PrivateKey, expect peers.PeerID) (*secureConn, error) {
	hs, static, err := newHandshakeState(key, true)
	if err != nil {
		return nil, err
	}

	// -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, msg1); err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}

	// <- e, ee, s, es
	msg2, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}

	peer, err := verifyStaticKey(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}

	if !expect.IsZero() && peer != expect {
		return nil, fmt.Errorf("%w: dialed %s, got %s", ErrIdentityMismatch, expect.ShortString(), peer.ShortString())
	}

	// -> s, se
	localPayload, err := signStaticKey(key, static.Public)
	if err != nil {
		return nil, err
	}
	msg3, cs0, cs1, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, msg3); err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}

	return &secureConn{Conn: conn, peer: peer, enc: cs0, dec: cs1}, nil
}

// secureInbound runs the responder side of the XX handshake and returns the
// connection tagged with the initiator's verified identity.
func secureInbound(conn net.Conn, key *ecdsa.PrivateKey) (*secureConn, error) {
	hs, static, err := newHandshakeState(key, false)
	if err != nil {
		return nil, err
	}

	// -> e
	msg1, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}

	// <- e, ee, s, es
	localPayload, err := signStaticKey(key, static.Public)
	if err != nil {
		return nil, err
	}
	msg2, _, _, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, msg2); err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}

	// -> s, se
	msg3, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}
	remotePayload, cs0, cs1, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}

	peer, err := verifyStaticKey(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, fmt.Errorf("%v: %v", ErrHandshakeFailed, err)
	}

	return &secureConn{Conn: conn, peer: peer, enc: cs1, dec: cs0}, nil
}
