// voice-relay answers phone calls through Twilio, thinks with Grok and speaks
// with ElevenLabs.
//
// Usage:
//
//	voice-relay                 # same as "serve"
//	voice-relay serve
//	voice-relay check-config [--probe]
//
// All settings come from the environment; see internal/config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "voice-relay",
		Short: "Telephony voice assistant relay",
		Long: `voice-relay bridges Twilio voice calls to a chat completion model and a
text-to-speech provider. Without a subcommand it starts the HTTP server.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.AddCommand(newServeCmd(), newCheckConfigCmd())
	return root
}
