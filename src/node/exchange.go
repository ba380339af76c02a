package node

import (
	"errors"
	"fmt"
	gonet "net"
	"os"

	"github.com/benbjohnson/clock"

	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/peers"
)

var (
	// ErrPeerUnreachable means no transport connection could carry the
	// request to the peer.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrProtocolMismatch means the peer was reached but answered that it
	// does not implement the exchange command.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrNoResponse means the peer was reached but produced no response
	// within the exchange window.
	ErrNoResponse = errors.New("no response")

	// ErrExchangeAlreadyResolved is returned by Reply when the exchange was
	// already answered, or its reply window expired.
	ErrExchangeAlreadyResolved = errors.New("exchange already resolved")
)

// pendingRequest is an outbound exchange awaiting its response.
type pendingRequest struct {
	peer peers.PeerID
	resp chan payloadResult
}

// inboundExchange is a remote peer's exchange awaiting the application's
// one-shot reply. The timer expires the capability when the application
// never answers.
type inboundExchange struct {
	from     peers.PeerID
	respChan chan<- net.RPCResponse
	timer    *clock.Timer
}

// classifyExchangeErr maps transport failures onto the exchange taxonomy.
// A remote error reply counts as no response: the peer was reached but did
// not produce a payload.
func classifyExchangeErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, net.ErrUnsupportedCommand) {
		return fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}

	var nerr gonet.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNoResponse, err)
	}

	var remote net.RemoteError
	if errors.As(err, &remote) {
		return fmt.Errorf("%w: %v", ErrNoResponse, err)
	}

	return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
}
