package net

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/mosaicnetworks/murmur/src/peers"
)

const (
	// maxFrameSize bounds a single encrypted frame. Frames are length
	// prefixed with two bytes, so this is as large as the prefix can say.
	maxFrameSize = math.MaxUint16

	// maxPlaintextSize leaves room for the AEAD tag inside a frame.
	maxPlaintextSize = maxFrameSize - 16
)

// writeFrame writes a length-prefixed frame to w.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds maximum %d", len(payload), maxFrameSize)
	}

	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(payload)))

	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}

	_, err := w.Write(payload)

	return err
}

// readFrame reads a length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

// secureConn is an established Noise session. Reads and writes are framed
// and encrypted; peer carries the identity verified during the handshake.
type secureConn struct {
	net.Conn

	peer peers.PeerID

	writeMtx sync.Mutex
	enc      *noise.CipherState

	readMtx sync.Mutex
	dec     *noise.CipherState
	readBuf bytes.Buffer
}

// Peer returns the verified identity of the remote side.
func (c *secureConn) Peer() peers.PeerID {
	return c.peer
}

func (c *secureConn) Write(b []byte) (int, error) {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	written := 0

	for written < len(b) {
		chunk := b[written:]
		if len(chunk) > maxPlaintextSize {
			chunk = chunk[:maxPlaintextSize]
		}

		ciphertext, err := c.enc.Encrypt(nil, nil, chunk)
		if err != nil {
			return written, err
		}

		if err := writeFrame(c.Conn, ciphertext); err != nil {
			return written, err
		}

		written += len(chunk)
	}

	return written, nil
}

func (c *secureConn) Read(b []byte) (int, error) {
	c.readMtx.Lock()
	defer c.readMtx.Unlock()

	if c.readBuf.Len() == 0 {
		ciphertext, err := readFrame(c.Conn)
		if err != nil {
			return 0, err
		}

		plaintext, err := c.dec.Decrypt(nil, nil, ciphertext)
		if err != nil {
			return 0, err
		}

		c.readBuf.Write(plaintext)
	}

	return c.readBuf.Read(b)
}
