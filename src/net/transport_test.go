package net

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/peers"
)

const (
	INMEM = iota
	TCP
	QUIC
	numTestTransports // NOTE: must be last
)

func NewTestTransport(ttype int, addr string, t *testing.T) Transport {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	switch ttype {
	case INMEM:
		_, it := NewInmemTransport(peers.IDFromPublicKey(&key.PublicKey), "")
		return it
	case TCP:
		tt := NewTCPTransport("", key, nil, 2, time.Second, 2*time.Second, common.NewTestEntry(t, common.TestLogLevel))
		if err := tt.Listen(addr); err != nil {
			t.Fatal(err)
		}
		return tt
	case QUIC:
		qt, err := NewQUICTransport("", key, nil, 2, time.Second, 2*time.Second, common.NewTestEntry(t, common.TestLogLevel))
		if err != nil {
			t.Fatal(err)
		}
		if err := qt.Listen(addr); err != nil {
			t.Fatal(err)
		}
		return qt
	default:
		panic("Unknown transport type")
	}
}

// connectInmem wires two in-memory transports both ways.
func connectInmem(trans1, trans2 Transport) {
	itrans1 := trans1.(*InmemTransport)
	itrans2 := trans2.(*InmemTransport)
	itrans1.Connect(trans2.LocalAddr(), trans2)
	itrans2.Connect(trans1.LocalAddr(), trans1)
}

func TestTransport_StartStop(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans := NewTestTransport(ttype, "127.0.0.1:0", t)
		if err := trans.Close(); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
}

func TestTransport_Ping(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		trans2 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans2.Close()

		if ttype == INMEM {
			connectInmem(trans1, trans2)
		}

		// Make the RPC request
		args := PingRequest{
			From: peers.NewContact(
				trans2.LocalPeer(),
				[]multiaddr.Multiaddr{multiaddr.MustParse("/ip4/127.0.0.1/tcp/4001")}...,
			),
		}
		resp := PingResponse{
			From: trans1.LocalPeer(),
		}

		// Listen for a request
		go func() {
			select {
			case rpc := <-rpcCh:
				// The connection upgrade must have verified the caller
				if rpc.From != trans2.LocalPeer() {
					t.Errorf("rpc.From = %v, want %v", rpc.From, trans2.LocalPeer())
				}

				// Verify the command
				req := rpc.Command.(*PingRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
				}
				rpc.Respond(&resp, nil)

			case <-time.After(2 * time.Second):
				t.Errorf("timeout")
			}
		}()

		var out PingResponse
		if err := trans2.Ping(trans1.LocalAddr(), trans1.LocalPeer(), &args, &out); err != nil {
			t.Fatalf("ttype %d, err: %v", ttype, err)
		}

		// Verify the response
		if !reflect.DeepEqual(resp, out) {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
	}
}

func TestTransport_FindNode(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		trans2 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans2.Close()

		if ttype == INMEM {
			connectInmem(trans1, trans2)
		}

		target, err := peers.RandomID()
		if err != nil {
			t.Fatal(err)
		}
		closest1, err := peers.RandomID()
		if err != nil {
			t.Fatal(err)
		}
		closest2, err := peers.RandomID()
		if err != nil {
			t.Fatal(err)
		}

		// Make the RPC request
		args := FindNodeRequest{
			From: peers.NewContact(
				trans2.LocalPeer(),
				[]multiaddr.Multiaddr{multiaddr.MustParse("/ip4/127.0.0.1/tcp/4001")}...,
			),
			Target: target,
		}
		resp := FindNodeResponse{
			From: trans1.LocalPeer(),
			Closest: []peers.Contact{
				peers.NewContact(
					closest1,
					[]multiaddr.Multiaddr{multiaddr.MustParse("/ip4/10.0.0.1/tcp/1337")}...,
				),
				peers.NewContact(
					closest2,
					[]multiaddr.Multiaddr{
						multiaddr.MustParse("/ip4/10.0.0.2/udp/1337/quic-v1"),
						multiaddr.MustParse("/dns4/node.example.com/tcp/1337"),
					}...,
				),
			},
		}

		// Listen for a request
		go func() {
			select {
			case rpc := <-rpcCh:
				// Verify the command
				req := rpc.Command.(*FindNodeRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
				}
				rpc.Respond(&resp, nil)

			case <-time.After(2 * time.Second):
				t.Errorf("timeout")
			}
		}()

		var out FindNodeResponse
		if err := trans2.FindNode(trans1.LocalAddr(), trans1.LocalPeer(), &args, &out); err != nil {
			t.Fatalf("ttype %d, err: %v", ttype, err)
		}

		// Verify the response
		if !reflect.DeepEqual(resp, out) {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
	}
}

func TestTransport_Exchange(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		trans2 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans2.Close()

		if ttype == INMEM {
			connectInmem(trans1, trans2)
		}

		// Make the RPC request
		args := ExchangeRequest{
			From:    trans2.LocalPeer(),
			ID:      uuid.New().String(),
			Payload: []byte("what is the capital of Assyria?"),
		}
		resp := ExchangeResponse{
			From:    trans1.LocalPeer(),
			Payload: []byte("Assur"),
		}

		// Listen for a request
		go func() {
			select {
			case rpc := <-rpcCh:
				// Verify the command
				req := rpc.Command.(*ExchangeRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
				}
				rpc.Respond(&resp, nil)

			case <-time.After(2 * time.Second):
				t.Errorf("timeout")
			}
		}()

		var out ExchangeResponse
		if err := trans2.Exchange(trans1.LocalAddr(), trans1.LocalPeer(), &args, &out); err != nil {
			t.Fatalf("ttype %d, err: %v", ttype, err)
		}

		// Verify the response
		if !reflect.DeepEqual(resp, out) {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
	}
}

// TestTransport_IdentityMismatch checks that dialing a peer while expecting a
// different identity fails with a typed error on every transport.
func TestTransport_IdentityMismatch(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans1.Close()

		trans2 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans2.Close()

		if ttype == INMEM {
			connectInmem(trans1, trans2)
		}

		wrong, err := peers.RandomID()
		if err != nil {
			t.Fatal(err)
		}

		var out PingResponse
		err = trans2.Ping(trans1.LocalAddr(), wrong, &PingRequest{}, &out)
		if !errors.Is(err, ErrIdentityMismatch) {
			t.Fatalf("ttype %d: expected ErrIdentityMismatch, got %v", ttype, err)
		}
	}
}

// TestTransport_UnsupportedCommand checks that a node answers an unknown
// command tag with a recognizable error and keeps the connection usable.
func TestTransport_UnsupportedCommand(t *testing.T) {
	for _, ttype := range []int{TCP, QUIC} {
		trans1 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		trans2 := NewTestTransport(ttype, "127.0.0.1:0", t).(*NetworkTransport)
		defer trans2.Close()

		var out GossipResponse
		err := trans2.genericRPC(trans1.LocalAddr(), trans1.LocalPeer(), 99, trans2.timeout, &GossipRequest{Topic: "chat"}, &out)
		if !errors.Is(err, ErrUnsupportedCommand) {
			t.Fatalf("ttype %d: expected ErrUnsupportedCommand, got %v", ttype, err)
		}

		// The same connection must still carry the commands both sides know.
		go func() {
			select {
			case rpc := <-rpcCh:
				rpc.Respond(&PingResponse{From: trans1.LocalPeer()}, nil)
			case <-time.After(2 * time.Second):
				t.Errorf("timeout")
			}
		}()

		var pong PingResponse
		if err := trans2.Ping(trans1.LocalAddr(), trans1.LocalPeer(), &PingRequest{}, &pong); err != nil {
			t.Fatalf("ttype %d, err: %v", ttype, err)
		}
	}
}
