package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Real-time chat client that keeps a local chat cache in sync",
		Long:          "chatsync holds a STOMP-over-WebSocket session to a chat server, applies pushed chat events to a local cache, and sends chat intents.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newListenCmd(),
		newSendCmd(),
		newDeleteCmd(),
		newSeenCmd(),
		newMCPCmd(),
	)

	return root
}
