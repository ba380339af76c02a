package commands

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mosaicnetworks/murmur/src/node"
)

// NewRunCmd returns the command that runs a chat node: it joins the topic,
// publishes every stdin line, and prints what the others say.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a chat node",
		PreRunE: loadConfig,
		RunE:    runMurmur,
	}

	cmd.Flags().String("topic", _config.Topic, "Pub/sub topic to join")

	return cmd
}

func runMurmur(cmd *cobra.Command, args []string) error {
	engine, err := startEngine()
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	client := engine.Client()

	if err := client.Subscribe(_config.Topic); err != nil {
		return err
	}

	fmt.Printf("%s joined %q; type messages, one per line\n",
		engine.ID().ShortString(), _config.Topic)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-engine.Events():
			if !ok {
				return nil
			}
			printEvent(ev)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if err := client.Publish(_config.Topic, []byte(line)); err != nil {
				_config.Logger().WithError(err).Warn("publish")
			}
		case <-sigCh:
			return nil
		}
	}
}

func printEvent(ev node.Event) {
	switch e := ev.(type) {
	case node.MessageReceived:
		fmt.Printf("%s> %s\n", e.From.ShortString(), e.Data)
	case node.ListeningOn:
		fmt.Printf("listening on %s\n", e.Addr)
	case node.PeerDiscovered:
		fmt.Printf("discovered %s at %s\n", e.Peer.ShortString(), e.Addr)
	case node.PeerExpired:
		fmt.Printf("lost %s\n", e.Peer.ShortString())
	case node.GossipUnsupported:
		fmt.Printf("%s does not speak gossip\n", e.Peer.ShortString())
	case node.PublishFailed:
		fmt.Printf("publish to %q failed: %v\n", e.Topic, e.Err)
	default:
		// chat nodes do not serve content and do not run queries; anything
		// else is log material at most
	}
}
