package net

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/mosaicnetworks/murmur/src/peers"
)

/*******************************************************************************
MOST OF THIS IS TAKEN FROM HASHICORP RAFT
*******************************************************************************/

const (
	rpcPing uint8 = iota
	rpcFindNode
	rpcGetProviders
	rpcAddProvider
	rpcPutRecord
	rpcGetRecord
	rpcExchange
	rpcGossip
	rpcSubscriptions
)

const (
	// we need this high buffer size for compatibility with QUIC streams
	bufSize = math.MaxUint16

	// unsupportedCommandMessage is the error string sent in response to a
	// command tag the receiving node does not understand. The connection
	// stays alive so the two sides can keep using the commands they share.
	unsupportedCommandMessage = "unsupported command"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrUnsupportedCommand is returned when the remote node responded to
	// a command it does not implement.
	ErrUnsupportedCommand = errors.New(unsupportedCommandMessage)
)

// jsonHandle is the codec for everything crossing the wire. Canonical
// ordering keeps encodings byte-stable, which signatures rely on.
var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	return h
}()

/*
NetworkTransport provides a network based transport that can be used to
communicate with murmur nodes on remote machines. It requires an underlying
stream layer to provide a stream abstraction, which can be TCP, QUIC, etc.

Every connection is upgraded before use: an optional pre-shared-key gate
followed by a Noise XX handshake that authenticates the remote's identity
key. RPC requests are framed by sending a byte that indicates the message
type, followed by the json encoded request.

The response is an error string followed by the response object.
*/
type NetworkTransport struct {
	logger *logrus.Entry

	key       *ecdsa.PrivateKey
	localPeer peers.PeerID
	psk       *[32]byte

	connPool     map[string][]*netConn
	connPoolLock sync.Mutex
	maxPool      int

	consumeCh chan RPC

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	timeout         time.Duration
	exchangeTimeout time.Duration
}

type netConn struct {
	target string
	peer   peers.PeerID
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder
}

// Release closes the underlying connection
func (n *netConn) Release() error {
	return n.conn.Close()
}

// NewNetworkTransport creates a new network transport with the given stream
// layer. The node's identity key authenticates every connection; psk, when
// not nil, additionally gates connections on knowledge of a shared secret.
// The maxPool controls how many connections we will pool (per target). The
// timeout is used to apply I/O deadlines; exchanges get their own, longer
// timeout because remote applications answer them.
func NewNetworkTransport(
	stream StreamLayer,
	key *ecdsa.PrivateKey,
	psk *[32]byte,
	maxPool int,
	timeout time.Duration,
	exchangeTimeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	trans := &NetworkTransport{
		connPool:        make(map[string][]*netConn),
		consumeCh:       make(chan RPC),
		key:             key,
		localPeer:       peers.IDFromPublicKey(&key.PublicKey),
		psk:             psk,
		logger:          logger,
		maxPool:         maxPool,
		shutdownCh:      make(chan struct{}),
		stream:          stream,
		timeout:         timeout,
		exchangeTimeout: exchangeTimeout,
	}

	return trans
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()

		n.shutdown = true
	}
	return nil
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan RPC {
	return n.consumeCh
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	addr := n.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// AdvertiseAddr implements the Transport interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// NetworkName implements the Transport interface.
func (n *NetworkTransport) NetworkName() string {
	return n.stream.NetworkName()
}

// LocalPeer implements the Transport interface.
func (n *NetworkTransport) LocalPeer() peers.PeerID {
	return n.localPeer
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// getPooledConn is used to grab a pooled connection.
func (n *NetworkTransport) getPooledConn(target string) *netConn {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	conns, ok := n.connPool[target]
	if !ok || len(conns) == 0 {
		return nil
	}

	var conn *netConn
	num := len(conns)
	conn, conns[num-1] = conns[num-1], nil
	n.connPool[target] = conns[:num-1]
	return conn
}

// getConn is used to get a secured connection from the pool, dialing and
// upgrading a new one when the pool is empty. When expect is non-zero the
// remote must authenticate as exactly that peer.
func (n *NetworkTransport) getConn(target string, expect peers.PeerID, timeout time.Duration) (*netConn, error) {
	// Check for a pooled conn
	if conn := n.getPooledConn(target); conn != nil {
		if expect.IsZero() || conn.peer == expect {
			return conn, nil
		}
		conn.Release()
	}

	// Dial a new connection
	conn, err := n.stream.Dial(target, timeout)
	if err != nil {
		return nil, err
	}

	// Upgrade it
	sec, err := n.upgradeOutbound(conn, expect)
	if err != nil {
		return nil, err
	}

	// Wrap the conn
	netConn := &netConn{
		target: target,
		peer:   sec.Peer(),
		conn:   sec,
		r:      bufio.NewReaderSize(sec, bufSize),
		w:      bufio.NewWriterSize(sec, bufSize),
	}
	// Setup encoder/decoders
	netConn.dec = codec.NewDecoder(netConn.r, jsonHandle)
	netConn.enc = codec.NewEncoder(netConn.w, jsonHandle)

	// Done
	return netConn, nil
}

// upgradeOutbound runs the initiator side of the connection upgrade.
func (n *NetworkTransport) upgradeOutbound(conn net.Conn, expect peers.PeerID) (*secureConn, error) {
	if n.timeout > 0 {
		conn.SetDeadline(time.Now().Add(n.timeout))
	}

	if n.psk != nil {
		wrapped, err := wrapPSK(conn, *n.psk)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = wrapped
	}

	sec, err := secureOutbound(conn, n.key, expect)
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})

	return sec, nil
}

// upgradeInbound runs the responder side of the connection upgrade.
func (n *NetworkTransport) upgradeInbound(conn net.Conn) (*secureConn, error) {
	if n.timeout > 0 {
		conn.SetDeadline(time.Now().Add(n.timeout))
	}

	if n.psk != nil {
		wrapped, err := wrapPSK(conn, *n.psk)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = wrapped
	}

	sec, err := secureInbound(conn, n.key)
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})

	return sec, nil
}

// returnConn returns a connection back to the pool.
func (n *NetworkTransport) returnConn(conn *netConn) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := conn.target
	conns := n.connPool[key]

	if !n.IsShutdown() && len(conns) < n.maxPool {
		n.connPool[key] = append(conns, conn)
	} else {
		conn.Release()
	}
}

// Ping implements the Transport interface.
func (n *NetworkTransport) Ping(target string, expect peers.PeerID, args *PingRequest, resp *PingResponse) error {
	return n.genericRPC(target, expect, rpcPing, n.timeout, args, resp)
}

// FindNode implements the Transport interface.
func (n *NetworkTransport) FindNode(target string, expect peers.PeerID, args *FindNodeRequest, resp *FindNodeResponse) error {
	return n.genericRPC(target, expect, rpcFindNode, n.timeout, args, resp)
}

// GetProviders implements the Transport interface.
func (n *NetworkTransport) GetProviders(target string, expect peers.PeerID, args *GetProvidersRequest, resp *GetProvidersResponse) error {
	return n.genericRPC(target, expect, rpcGetProviders, n.timeout, args, resp)
}

// AddProvider implements the Transport interface.
func (n *NetworkTransport) AddProvider(target string, expect peers.PeerID, args *AddProviderRequest, resp *AddProviderResponse) error {
	return n.genericRPC(target, expect, rpcAddProvider, n.timeout, args, resp)
}

// PutRecord implements the Transport interface.
func (n *NetworkTransport) PutRecord(target string, expect peers.PeerID, args *PutRecordRequest, resp *PutRecordResponse) error {
	return n.genericRPC(target, expect, rpcPutRecord, n.timeout, args, resp)
}

// GetRecord implements the Transport interface.
func (n *NetworkTransport) GetRecord(target string, expect peers.PeerID, args *GetRecordRequest, resp *GetRecordResponse) error {
	return n.genericRPC(target, expect, rpcGetRecord, n.timeout, args, resp)
}

// Exchange implements the Transport interface.
func (n *NetworkTransport) Exchange(target string, expect peers.PeerID, args *ExchangeRequest, resp *ExchangeResponse) error {
	return n.genericRPC(target, expect, rpcExchange, n.exchangeTimeout, args, resp)
}

// Gossip implements the Transport interface.
func (n *NetworkTransport) Gossip(target string, expect peers.PeerID, args *GossipRequest, resp *GossipResponse) error {
	return n.genericRPC(target, expect, rpcGossip, n.timeout, args, resp)
}

// Subscriptions implements the Transport interface.
func (n *NetworkTransport) Subscriptions(target string, expect peers.PeerID, args *SubscriptionsRequest, resp *SubscriptionsResponse) error {
	return n.genericRPC(target, expect, rpcSubscriptions, n.timeout, args, resp)
}

// genericRPC handles a simple request/response RPC.
func (n *NetworkTransport) genericRPC(target string, expect peers.PeerID, rpcType uint8, timeout time.Duration, args interface{}, resp interface{}) error {
	// Get a conn
	conn, err := n.getConn(target, expect, timeout)
	if err != nil {
		return err
	}

	// Set a deadline
	if timeout > 0 {
		conn.conn.SetDeadline(time.Now().Add(timeout))
	}

	// Send the RPC
	if err = sendRPC(conn, rpcType, args); err != nil {
		return err
	}

	// Decode the response
	canReturn, err := decodeResponse(conn, resp)
	if canReturn {
		n.returnConn(conn)
	}

	return err
}

// sendRPC is used to encode and send the RPC.
func sendRPC(conn *netConn, rpcType uint8, args interface{}) error {
	// Write the request type
	if err := conn.w.WriteByte(rpcType); err != nil {
		conn.Release()
		return err
	}

	// Send the request
	if err := conn.enc.Encode(args); err != nil {
		conn.Release()
		return err
	}

	// Flush
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}

// decodeResponse is used to decode an RPC response and reports whether
// the connection can be reused.
func decodeResponse(conn *netConn, resp interface{}) (bool, error) {
	// Decode the error if any
	var rpcError string
	if err := conn.dec.Decode(&rpcError); err != nil {
		conn.Release()
		return false, err
	}

	// Decode the response
	if err := conn.dec.Decode(resp); err != nil {
		conn.Release()
		return false, err
	}

	// Format an error if any
	if rpcError != "" {
		if rpcError == unsupportedCommandMessage {
			return true, ErrUnsupportedCommand
		}
		return true, RemoteError{rpcError}
	}
	return true, nil
}

// Listen binds the stream layer to address and handles incoming connections.
func (n *NetworkTransport) Listen(address string) error {
	if n.IsShutdown() {
		return ErrTransportShutdown
	}

	if err := n.stream.Open(address); err != nil {
		return err
	}

	go n.listenLoop()

	return nil
}

// listenLoop accepts incoming connections until the transport shuts down.
func (n *NetworkTransport) listenLoop() {
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		// Handle the connection in dedicated routine
		go n.handleConn(conn)
	}
}

// handleConn upgrades an inbound connection and serves it for its lifespan.
func (n *NetworkTransport) handleConn(raw net.Conn) {
	sec, err := n.upgradeInbound(raw)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"from":  raw.RemoteAddr(),
			"error": err,
		}).Debug("Failed to secure inbound connection")
		return
	}

	defer sec.Close()

	r := bufio.NewReaderSize(sec, bufSize)
	w := bufio.NewWriterSize(sec, bufSize)
	dec := codec.NewDecoder(r, jsonHandle)
	enc := codec.NewEncoder(w, jsonHandle)

	for {
		if err := n.handleCommand(sec.Peer(), r, dec, enc); err != nil {

			if err == ErrTransportShutdown {
				n.logger.WithField("error", err).Warn("Failed to decode incoming command")
			} else {
				if err != io.EOF {
					n.logger.WithField("error", err).Error("Failed to decode incoming command")
				}
			}
			return
		}
		if err := w.Flush(); err != nil {
			n.logger.WithField("error", err).Error("Failed to flush response")
			return
		}
	}
}

// handleCommand is used to decode and dispatch a single command.
func (n *NetworkTransport) handleCommand(peer peers.PeerID, r *bufio.Reader, dec *codec.Decoder, enc *codec.Encoder) error {
	// Get the rpc type
	rpcType, err := r.ReadByte()
	if err != nil {
		return err
	}

	// Create the RPC object
	respCh := make(chan RPCResponse, 1)
	rpc := RPC{
		From:     peer,
		RespChan: respCh,
	}

	// Decode the command
	switch rpcType {
	case rpcPing:
		var req PingRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
	case rpcFindNode:
		var req FindNodeRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
	case rpcGetProviders:
		var req GetProvidersRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
	case rpcAddProvider:
		var req AddProviderRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
	case rpcPutRecord:
		var req PutRecordRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
	case rpcGetRecord:
		var req GetRecordRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
	case rpcExchange:
		var req ExchangeRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
	case rpcGossip:
		var req GossipRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
	case rpcSubscriptions:
		var req SubscriptionsRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
	default:
		// Future protocol versions may speak commands we do not know.
		// Drain the request and answer with a recognizable error string
		// instead of dropping the connection.
		var discard interface{}
		if err := dec.Decode(&discard); err != nil {
			return err
		}
		if err := enc.Encode(unsupportedCommandMessage); err != nil {
			return err
		}
		return enc.Encode(nil)
	}

	// Dispatch the RPC
	select {
	case n.consumeCh <- rpc:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	// Wait for response
	select {
	case resp := <-respCh:
		// Send the error first
		respErr := ""
		if resp.Error != nil {
			respErr = resp.Error.Error()
		}
		if err := enc.Encode(respErr); err != nil {
			return err
		}

		// Send the response
		if err := enc.Encode(resp.Response); err != nil {
			return err
		}
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	return nil
}
