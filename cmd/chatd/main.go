package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// 构建时通过 -ldflags 注入
var (
	commit = "none"
	date   = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatd",
		Short: "Realtime chat session and fanout server",
		Long: `chatd accepts WebSocket connections whose user identity has already been
verified by an upstream proxy, keeps one live connection per user and
broadcasts every chat message to the other online users.

With a fanout driver configured (redis, kafka or amqp), messages are also
relayed to the users connected to the other chatd nodes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}
