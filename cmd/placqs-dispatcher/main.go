package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigPath string
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "placqs-dispatcher",
		Short:         "Message-driven command dispatcher for lab reader nodes",
		Long:          "placqs-dispatcher consumes command envelopes for one node from RabbitMQ, invokes the matching reader capability, and records every outcome in the durable log.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file or directory (default $PLACQS_CONFIG, then ./config.yaml)")

	cmd.AddCommand(newStartCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newLogCommand(opts))
	cmd.AddCommand(newSendCommand(opts))
	cmd.AddCommand(newPluginCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}
