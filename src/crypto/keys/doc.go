// Package keys implements the public key cryptography used throughout Murmur.
//
// Every node owns a cryptographic key-pair that it uses to sign and verify
// messages. The private key is secret but the public key is shared with other
// nodes, which use it to verify signatures and to derive the node's peer
// identifier.
//
// Murmur uses elliptic curve cryptography (ECDSA) with the secp256k1 curve. We
// chose the secp256k1 curve because it is also used by Bitcoin and Ethereum
// which means that Bitcoin and Ethereum keys can be used to operate a Murmur
// node.
package keys
