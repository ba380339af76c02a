package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mosaicnetworks/murmur/src/peers"
)

var getName string

// NewGetCmd returns the command that fetches a file by name: it resolves the
// providers, races one exchange per provider, and writes the first
// successful payload to stdout verbatim.
func NewGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "get",
		Short:   "Fetch a file from whoever provides it",
		PreRunE: loadConfig,
		RunE:    get,
	}

	cmd.Flags().StringVar(&getName, "name", "", "Key of the file to fetch")
	cmd.MarkFlagRequired("name")

	return cmd
}

func get(cmd *cobra.Command, args []string) error {
	engine, err := startEngine()
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	// Nothing here reacts to events, but the loop must not block on a full
	// buffer.
	go func() {
		for range engine.Events() {
		}
	}()

	client := engine.Client()

	providers, err := client.GetProviders(getName)
	if err != nil {
		return err
	}

	providers = peers.ExcludeContact(providers, engine.ID())

	if len(providers) == 0 {
		return fmt.Errorf("no providers for %q", getName)
	}

	// Race one request per provider and take the first success. The losers
	// run to completion in the background; their results are discarded.
	type outcome struct {
		provider peers.PeerID
		payload  []byte
		err      error
	}

	outcomes := make(chan outcome, len(providers))
	for _, p := range providers {
		p := p
		go func() {
			payload, err := client.Request(p.ID, []byte(getName))
			outcomes <- outcome{provider: p.ID, payload: payload, err: err}
		}()
	}

	var failures []string
	for range providers {
		o := <-outcomes
		if o.err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", o.provider.ShortString(), o.err))
			continue
		}

		_, err := os.Stdout.Write(o.payload)
		return err
	}

	return fmt.Errorf("every provider of %q failed: %s", getName, strings.Join(failures, "; "))
}
