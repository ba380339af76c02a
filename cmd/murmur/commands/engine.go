package commands

import (
	"fmt"

	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/murmur"
	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/mosaicnetworks/murmur/src/peers"
)

// startEngine builds, initializes and starts a node from _config, then
// dials the --peer addresses. Dial failures are fatal here: a command that
// named a bootstrap peer expects to reach it.
func startEngine() (*murmur.Murmur, error) {
	engine := murmur.NewMurmur(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return nil, err
	}

	if err := engine.Run(); err != nil {
		_config.Logger().Error("Cannot start engine:", err)
		return nil, err
	}

	if err := dialPeers(engine.Client()); err != nil {
		engine.Shutdown()
		return nil, err
	}

	return engine, nil
}

func dialPeers(client *node.Client) error {
	for _, p := range _config.BootstrapPeers {
		ma, err := multiaddr.Parse(p)
		if err != nil {
			return fmt.Errorf("peer %s: %w", p, err)
		}

		// A trailing identity segment pins the expected peer.
		bare, idStr := ma.StripPeerID()
		var expect peers.PeerID
		if idStr != "" {
			expect, err = peers.ParseID(idStr)
			if err != nil {
				return fmt.Errorf("peer %s: %w", p, err)
			}
		}

		if err := client.Dial(expect, bare); err != nil {
			return fmt.Errorf("dialing %s: %w", p, err)
		}
	}

	return nil
}
