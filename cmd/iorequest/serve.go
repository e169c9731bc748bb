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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/iorequest"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections, answer pings and echo every other request",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				a.v.Set("listen", listen)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

// pong answers {"ping": true}.
func pong(context.Context, iorequest.Data) (iorequest.Data, error) {
	return iorequest.Data{"pong": true}, nil
}

func echo(_ context.Context, data iorequest.Data) (iorequest.Data, error) {
	return data, nil
}

func runServe(ctx context.Context, a *app) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := iorequest.NewMetrics(reg)

	opts := []iorequest.DialOption{
		iorequest.WithTransport(a.v.GetString("transport")),
		iorequest.WithClientOptions(clientOptions(a.v,
			iorequest.WithLogger(a.log),
			iorequest.WithMetrics(metrics),
		)...),
	}
	if needsTLS(a.v) {
		cfg, err := serverTLS(a.v)
		if err != nil {
			return err
		}
		opts = append(opts, iorequest.WithTLSConfig(cfg))
	}

	srv, err := iorequest.Listen(a.v.GetString("listen"), opts...)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.Respond(iorequest.Subset(iorequest.Data{"ping": true}), pong)
	srv.RespondDefault(echo)
	srv.OnOpen(func(c *iorequest.Client) {
		a.log.Info("client connected", zap.String("conn", c.Name()))
	})
	a.log.Info("listening",
		zap.String("addr", srv.Addr()),
		zap.String("transport", a.v.GetString("transport")),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })

	if addr := a.v.GetString("metrics_addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			a.log.Info("serving metrics", zap.String("addr", addr))
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	a.log.Info("server stopped")
	return err
}
