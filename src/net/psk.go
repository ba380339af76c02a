package net

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/davidlazar/go-crypto/salsa20"
)

// ErrPrivateNetworkMismatch is returned when the remote side of a connection
// does not hold the same pre-shared key as the local node.
var ErrPrivateNetworkMismatch = errors.New("private network key mismatch")

const (
	pskHeader   = "/key/swarm/psk/1.0.0/"
	pskEncoding = "/base16/"

	pskNonceLength = 24
)

// pskMagic is written through the cipher as soon as the streams are keyed.
// A remote with a different key decrypts it to garbage, which lets us fail
// with a typed error instead of a corrupt handshake further up.
var pskMagic = []byte("mur1")

// DecodePSK parses a pre-shared key in the textual swarm key format:
//
//	/key/swarm/psk/1.0.0/
//	/base16/
//	<64 hex characters>
func DecodePSK(in io.Reader) ([32]byte, error) {
	var psk [32]byte

	reader := bufio.NewReader(in)

	header, err := readPSKLine(reader)
	if err != nil {
		return psk, err
	}
	if header != pskHeader {
		return psk, fmt.Errorf("unsupported swarm key header %q", header)
	}

	encoding, err := readPSKLine(reader)
	if err != nil {
		return psk, err
	}
	if encoding != pskEncoding {
		return psk, fmt.Errorf("unsupported swarm key encoding %q", encoding)
	}

	keyLine, err := readPSKLine(reader)
	if err != nil {
		return psk, err
	}

	raw, err := hex.DecodeString(keyLine)
	if err != nil {
		return psk, fmt.Errorf("decoding swarm key: %v", err)
	}
	if len(raw) != len(psk) {
		return psk, fmt.Errorf("swarm key is %d bytes, expected %d", len(raw), len(psk))
	}

	copy(psk[:], raw)

	return psk, nil
}

func readPSKLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("reading swarm key: %v", err)
	}
	return string(bytes.TrimSpace([]byte(line))), nil
}

// EncodePSK writes a pre-shared key in the textual swarm key format.
func EncodePSK(psk [32]byte, out io.Writer) error {
	_, err := fmt.Fprintf(out, "%s\n%s\n%s\n", pskHeader, pskEncoding, hex.EncodeToString(psk[:]))
	return err
}

// GeneratePSK creates a random pre-shared key.
func GeneratePSK() ([32]byte, error) {
	var psk [32]byte
	if _, err := rand.Read(psk[:]); err != nil {
		return psk, err
	}
	return psk, nil
}

// LoadPSK reads a swarm key file from disk.
func LoadPSK(path string) ([32]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return [32]byte{}, err
	}
	defer file.Close()

	return DecodePSK(file)
}

// pskConn applies XSalsa20 to everything crossing the wrapped connection.
// Each direction runs its own stream, keyed by a nonce chosen by the writer.
type pskConn struct {
	net.Conn

	readStream  cipher.Stream
	writeStream cipher.Stream
}

func (c *pskConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.readStream.XORKeyStream(b[:n], b[:n])
	}
	return n, err
}

func (c *pskConn) Write(b []byte) (int, error) {
	enc := make([]byte, len(b))
	c.writeStream.XORKeyStream(enc, b)
	return c.Conn.Write(enc)
}

// wrapPSK runs the private network gate over conn. Both sides send a fresh
// nonce, key a stream per direction, and exchange a fixed magic through the
// cipher. A key mismatch surfaces as ErrPrivateNetworkMismatch.
func wrapPSK(conn net.Conn, psk [32]byte) (net.Conn, error) {
	localNonce := make([]byte, pskNonceLength)
	if _, err := rand.Read(localNonce); err != nil {
		return nil, err
	}

	if _, err := conn.Write(localNonce); err != nil {
		return nil, fmt.Errorf("writing psk nonce: %v", err)
	}

	remoteNonce := make([]byte, pskNonceLength)
	if _, err := io.ReadFull(conn, remoteNonce); err != nil {
		return nil, fmt.Errorf("reading psk nonce: %v", err)
	}

	wrapped := &pskConn{
		Conn:        conn,
		readStream:  salsa20.New(&psk, remoteNonce),
		writeStream: salsa20.New(&psk, localNonce),
	}

	if _, err := wrapped.Write(pskMagic); err != nil {
		return nil, fmt.Errorf("writing psk magic: %v", err)
	}

	remoteMagic := make([]byte, len(pskMagic))
	if _, err := io.ReadFull(wrapped, remoteMagic); err != nil {
		return nil, fmt.Errorf("reading psk magic: %v", err)
	}

	if !bytes.Equal(remoteMagic, pskMagic) {
		return nil, ErrPrivateNetworkMismatch
	}

	return wrapped, nil
}
