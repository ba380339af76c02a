package main

import (
	"os"

	cmd "github.com/mosaicnetworks/murmur/cmd/murmur/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.NewRunCmd(),
		cmd.NewProvideCmd(),
		cmd.NewGetCmd(),
		cmd.NewGetPeersCmd(),
		cmd.NewPutPKCmd(),
		cmd.NewKeygenCmd(),
		cmd.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
