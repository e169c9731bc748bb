// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/luxfi/iorequest"
)

// peerDialOptions builds the options used to dial the configured peer.
func peerDialOptions(v *viper.Viper, log *zap.Logger) []iorequest.DialOption {
	opts := []iorequest.DialOption{
		iorequest.WithTransport(v.GetString("transport")),
		iorequest.WithClientOptions(clientOptions(v, iorequest.WithLogger(log))...),
	}
	if needsTLS(v) {
		opts = append(opts, iorequest.WithTLSConfig(dialTLS(v)))
	}
	return opts
}

func newRequestCmd() *cobra.Command {
	var (
		addr string
		data string
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send one request to a peer and print the response",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.v.GetString("addr")
			}

			var payload iorequest.Data
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}

			ctx := cmd.Context()
			c, err := iorequest.Dial(ctx, addr, peerDialOptions(a.v, a.log)...)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Request(ctx, payload)
			if err != nil {
				return err
			}
			out, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "peer address (overrides config)")
	cmd.Flags().StringVar(&data, "data", "{}", "request data as a JSON object")
	return cmd
}
