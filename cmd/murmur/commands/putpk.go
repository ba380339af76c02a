package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/dht"
)

// NewPutPKCmd returns the command that publishes the node's public key as a
// DHT record under the conventional /pk/<peerid> key.
func NewPutPKCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "put-pk-record",
		Short:   "Publish this node's public key on the DHT",
		PreRunE: loadConfig,
		RunE:    putPK,
	}
}

func putPK(cmd *cobra.Command, args []string) error {
	engine, err := startEngine()
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	go func() {
		for range engine.Events() {
		}
	}()

	key := dht.PublicKeyKey(engine.ID())
	value := keys.FromPublicKey(&_config.Key.PublicKey)

	acks, err := engine.Client().PutRecord(key, value, dht.PublicKeyRecordTTL, dht.PublicKeyPutQuorum)
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}

	fmt.Printf("stored %s on %d peers\n", key, acks)

	return nil
}
