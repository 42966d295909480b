// Command hubauthd runs the hub's authentication service as a standalone
// daemon: the OAuth 2.0 authorization server plus the request-authentication
// chain, in front of whatever the hub proxies.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is injected at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "hubauthd",
	Short: "Authentication service for the hub",
	Long: `hubauthd serves the hub's OAuth 2.0 authorization server (authorization-code
flow with PKCE, refresh-token rotation, dynamic client registration) and
authenticates incoming requests through the bearer-key / OAuth-token /
session-JWT precedence chain.

Configuration is read from environment variables; a .env file in the working
directory is loaded when present.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hubauthd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hubauthd version %s\n", version)
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
