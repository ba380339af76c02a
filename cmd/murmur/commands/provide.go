package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mosaicnetworks/murmur/src/node"
)

var (
	provideName string
	providePath string
)

// NewProvideCmd returns the command that serves a file: it advertises
// provideName on the DHT and answers any exchange naming it with the file
// bytes, until interrupted.
func NewProvideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "provide",
		Short:   "Serve a file to peers requesting it by name",
		PreRunE: loadConfig,
		RunE:    provide,
	}

	cmd.Flags().StringVar(&provideName, "name", "", "Key under which the file is advertised")
	cmd.Flags().StringVar(&providePath, "path", "", "File to serve")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("path")

	return cmd
}

func provide(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(providePath)
	if err != nil {
		return err
	}

	engine, err := startEngine()
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	acks, err := engine.Client().StartProviding(provideName)
	if err != nil {
		// The registration is held locally even when the announce round
		// finds no peers; lookups reaching this node still see it.
		_config.Logger().WithError(err).Warn("provider announce")
	} else {
		_config.Logger().WithFields(logrus.Fields{
			"name": provideName,
			"acks": acks,
		}).Info("providing")
	}

	fmt.Printf("serving %s as %q\n", providePath, provideName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-engine.Events():
			if !ok {
				return nil
			}

			req, ok := ev.(node.InboundRequest)
			if !ok {
				continue
			}

			if string(req.Payload) != provideName {
				_config.Logger().WithField("key", string(req.Payload)).
					Debug("request for a key this node does not provide")
				continue
			}

			if err := req.Reply(data); err != nil {
				_config.Logger().WithError(err).Warn("reply")
			}
		case <-sigCh:
			return nil
		}
	}
}
