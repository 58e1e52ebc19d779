package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/placqs/internal/protocol"
	"github.com/mattjoyce/placqs/internal/transport"
)

func newSendCommand(opts *rootOptions) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "send <node> <method> [json-payload]",
		Short: "Publish a command envelope to a node",
		Long: `Publish a command envelope to a node through the configured exchange.
The payload, if given, must be a JSON object; its fields are merged with "method".
With --raw the second argument is sent verbatim as the message body.

Example:
  placqs-dispatcher send sensor-01 ping
  placqs-dispatcher send sensor-01 read_temp '{"channel": 2}'
  placqs-dispatcher send --raw sensor-01 'not json'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if raw {
				if len(args) != 2 {
					return fmt.Errorf("--raw takes exactly <node> <body>")
				}
				body = []byte(args[1])
			} else {
				payload := ""
				if len(args) == 3 {
					payload = args[2]
				}
				b, err := buildEnvelope(args[1], payload)
				if err != nil {
					return err
				}
				body = b
			}

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			pub, err := transport.Dial(cfg.TransportOptions())
			if err != nil {
				return err
			}
			defer pub.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Publish(ctx, args[0], body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s: %s\n", args[0], body)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "send the body verbatim")
	return cmd
}

// buildEnvelope encodes method plus an optional JSON object payload.
func buildEnvelope(method, payload string) ([]byte, error) {
	fields := map[string]any{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	return protocol.EncodeEnvelope(method, fields)
}
