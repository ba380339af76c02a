package net

import (
	"github.com/mosaicnetworks/murmur/src/peers"
)

// RPCResponse captures both a response and a potential error.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// RemoteError is an error the remote node sent back after receiving and
// processing a command. It distinguishes "the peer answered with a failure"
// from "the peer could not be reached".
type RemoteError struct {
	Msg string
}

func (e RemoteError) Error() string {
	return e.Msg
}

// RPC encapsulates an inbound request and provides a response mechanism. From
// is the verified identity of the connection the request arrived on.
type RPC struct {
	From     peers.PeerID
	Command  interface{}
	RespChan chan<- RPCResponse
}

// Respond is used to respond with a response, error or both.
func (r *RPC) Respond(resp interface{}, err error) {
	r.RespChan <- RPCResponse{resp, err}
}
