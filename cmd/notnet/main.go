package main

import (
	"fmt"
	"os"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notnet",
		Short: "Chat with everyone on your local network",
		Long: `NotNet runs a small chat room over TCP on a LAN.

One machine hosts, everyone else joins with the host's address.

Examples:
  notnet host
  notnet host --addr 0.0.0.0:6000 --name "Office"
  notnet join --addr 192.168.1.20:55555 --name alice`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		hostCmd(),
		joinCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.Red.Sprint("Error:"), err)
		os.Exit(1)
	}
}

func success(format string, args ...any) {
	fmt.Printf("%s %s\n", color.Green.Sprint("✓"), fmt.Sprintf(format, args...))
}

func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
