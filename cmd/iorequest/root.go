// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type ctxKey string

const appKey ctxKey = "app"

// app carries the resolved configuration and logger to subcommands.
type app struct {
	v   *viper.Viper
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "iorequest",
		Short:         "Duplex request/response messaging over a byte stream",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if cfgPath != "" {
				v.SetConfigFile(cfgPath)
			}
			if err := loadConfig(v); err != nil {
				return err
			}
			log, err := newLogger(v)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, &app{v: v, log: log}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a, err := getApp(cmd); err == nil {
				_ = a.log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (yaml|toml|json)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRequestCmd())
	cmd.AddCommand(newGatewayCmd())
	cmd.AddCommand(newConfigCmd())

	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Help() }
	return cmd
}

func getApp(cmd *cobra.Command) (*app, error) {
	a, ok := cmd.Context().Value(appKey).(*app)
	if !ok {
		return nil, errors.New("internal error: app not initialized")
	}
	return a, nil
}
