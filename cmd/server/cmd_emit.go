package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/telemetry"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/config"
)

var emitCmd = &cobra.Command{
	Use:   "emit <session-id> <level> <message...>",
	Short: "Publish one log entry to a session",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runEmit,
}

func init() {
	emitCmd.Flags().String("server", "", "Broker base URL (defaults to TELEMETRY_ENDPOINT)")
	rootCmd.AddCommand(emitCmd)
}

func runEmit(cmd *cobra.Command, args []string) error {
	level, ok := telemetry.ParseLevel(args[1])
	if !ok {
		return fmt.Errorf("unknown level %q", args[1])
	}

	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = config.LoadOrDefault().Telemetry.Endpoint
	}

	ctx := cmd.Context()
	remote := telemetry.NewRemote(ctx, server, nil)
	if !remote.Available() {
		return fmt.Errorf("%w at %s", telemetry.ErrTelemetryUnavailable, server)
	}

	seq, err := remote.Send(ctx, args[0], telemetry.Entry{
		Level:   level,
		Message: strings.Join(args[2:], " "),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published #%d\n", seq)
	return nil
}
