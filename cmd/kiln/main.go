package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/ipc"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	socketPath   string
	outputFormat string
	noHeaders    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "kiln - manage kilnd virtual machines",
	Long: `kiln is the command line client of kilnd.

It creates VMs from VirtualMachineConfig YAML files, streams their
lifecycle events, and exposes the daemon's debugging and disk image
helpers.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", ipc.DefaultSocketPath, "Path to the kilnd management socket")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(holdCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(partitionCmd)
	rootCmd.AddCommand(signatureCmd)
}

// dial opens a session with kilnd.
func dial() (*ipc.Client, error) {
	c, err := ipc.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("is kilnd running? %w", err)
	}
	return c, nil
}

// closeClient ends a session, reporting failures on stderr.
func closeClient(c *ipc.Client) {
	if err := c.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close session: %v\n", err)
	}
}
