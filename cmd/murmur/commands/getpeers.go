package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mosaicnetworks/murmur/src/peers"
)

var getPeersTarget string

// NewGetPeersCmd returns the command that walks the DHT towards a target
// identifier and prints the closest peers found.
func NewGetPeersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "get-peers",
		Short:   "Find the peers closest to a target id",
		PreRunE: loadConfig,
		RunE:    getPeers,
	}

	cmd.Flags().StringVar(&getPeersTarget, "target", "", "Target peer id; random when omitted")

	return cmd
}

func getPeers(cmd *cobra.Command, args []string) error {
	var target peers.PeerID
	var err error

	if getPeersTarget != "" {
		target, err = peers.ParseID(getPeersTarget)
	} else {
		target, err = peers.RandomID()
	}
	if err != nil {
		return err
	}

	engine, err := startEngine()
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	go func() {
		for range engine.Events() {
		}
	}()

	contacts, err := engine.Client().GetClosestPeers(target)
	if err != nil {
		return err
	}

	fmt.Printf("peers closest to %s:\n", target)
	for _, c := range contacts {
		fmt.Println(c.String())
	}

	return nil
}
