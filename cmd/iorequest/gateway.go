// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/iorequest"
)

func newGatewayCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Expose a peer as a JSON-RPC 2.0 endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.v.GetString("addr")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, a, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "peer address (overrides config)")
	return cmd
}

func runGateway(ctx context.Context, a *app, addr string) error {
	c, err := iorequest.Dial(ctx, addr, peerDialOptions(a.v, a.log)...)
	if err != nil {
		return err
	}
	defer c.Close()

	handler, err := iorequest.NewGateway(c)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", handler)
	httpSrv := &http.Server{
		Addr:              a.v.GetString("http_addr"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("serving gateway",
			zap.String("http_addr", httpSrv.Addr),
			zap.String("peer", addr),
		)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.Done():
			a.log.Warn("peer connection closed")
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
