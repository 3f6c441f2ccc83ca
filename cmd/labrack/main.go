// labrack — operator CLI for the lab supervisor.
//
// Talks to a running labrackd over its HTTP API.
//
//	labrack devices                  # slot table
//	labrack log --since 5m           # recent activity
//	labrack reset esp32-a            # serial reset pulse
//	labrack monitor esp32-a -p READY # read until pattern
//	labrack recover esp32-a          # operator-triggered recovery
//	labrack release esp32-a          # leave download mode
//	labrack human done               # answer a pending prompt
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/labrack/labrack/pkg/util"
	"github.com/labrack/labrack/pkg/version"
)

var (
	serverURL string
	verbose   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "labrack",
	Short:         "Operator CLI for the lab supervisor",
	Version:       version.Info(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		util.InitLogging(verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:8080", "supervisor base URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newDevicesCmd(),
		newInfoCmd(),
		newLogCmd(),
		newStartCmd(),
		newStopCmd(),
		newResetCmd(),
		newMonitorCmd(),
		newRecoverCmd(),
		newReleaseCmd(),
		newHumanCmd(),
	)
}
