// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/luxfi/iorequest"
)

type configOption struct {
	Key     string
	Default any
	Comment string
}

// configOptions lists every key with its default and meaning.
func configOptions() []configOption {
	return []configOption{
		{Key: "listen", Default: ":9000", Comment: "Address serve listens on"},
		{Key: "addr", Default: "127.0.0.1:9000", Comment: "Peer address dialed by request and gateway"},
		{Key: "transport", Default: iorequest.DefaultTransport, Comment: "Transport: tcp, tls, quic or grpc"},
		{Key: "secret", Default: "", Comment: "Shared secret checked during the handshake; empty disables it"},
		{Key: "request_timeout", Default: "30s", Comment: "Timeout of requests without a deadline"},
		{Key: "handshake_timeout", Default: "10s", Comment: "Bound on the authorization handshake"},

		{Key: "tls.cert", Default: "", Comment: "PEM certificate for serve; empty uses a self-signed one"},
		{Key: "tls.key", Default: "", Comment: "PEM key matching tls.cert"},
		{Key: "tls.insecure", Default: false, Comment: "Skip peer certificate verification when dialing"},
		{Key: "tls.server_name", Default: "", Comment: "Expected server name when dialing"},

		{Key: "metrics_addr", Default: "", Comment: "Prometheus /metrics listen address for serve; empty disables it"},
		{Key: "http_addr", Default: ":8080", Comment: "JSON-RPC listen address for gateway"},

		{Key: "log.level", Default: "info", Comment: "Log level: debug, info, warn or error"},
		{Key: "log.format", Default: "json", Comment: "Log encoding: json or console"},
		{Key: "log.file", Default: "", Comment: "Log file; empty logs to stderr"},
		{Key: "log.max_size", Default: 100, Comment: "Megabytes before the log file is rotated"},
		{Key: "log.max_backups", Default: 3, Comment: "Rotated log files kept"},
		{Key: "log.max_age", Default: 28, Comment: "Days rotated log files are kept"},
		{Key: "log.compress", Default: false, Comment: "Compress rotated log files"},
	}
}

// loadConfig resolves configuration with precedence: defaults < file < env.
func loadConfig(v *viper.Viper) error {
	for _, o := range configOptions() {
		v.SetDefault(o.Key, o.Default)
	}

	if v.ConfigFileUsed() == "" {
		v.SetConfigName("iorequest")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "iorequest"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "iorequest"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
	} else if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
	}

	// IOREQUEST_LOG_LEVEL overrides log.level and so on.
	v.SetEnvPrefix("iorequest")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return checkConfig(v)
}

// checkConfig reports every invalid value at once.
func checkConfig(v *viper.Viper) error {
	var errs []error

	transport := v.GetString("transport")
	if !iorequest.HasTransport(transport) {
		errs = append(errs, fmt.Errorf("transport %q is not one of %s",
			transport, strings.Join(iorequest.AvailableTransports(), ", ")))
	}
	for _, key := range []string{"request_timeout", "handshake_timeout"} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be a duration: %w", key, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
		}
	}
	if (v.GetString("tls.cert") == "") != (v.GetString("tls.key") == "") {
		errs = append(errs, errors.New("tls.cert and tls.key must be set together"))
	}
	if _, err := zapcore.ParseLevel(v.GetString("log.level")); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := v.GetString("log.format"); !slices.Contains([]string{"json", "console"}, f) {
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", f))
	}
	if v.GetInt("log.max_size") <= 0 {
		errs = append(errs, errors.New("log.max_size must be greater than 0"))
	}
	return errors.Join(errs...)
}

// clientOptions builds the per-connection options shared by every command.
func clientOptions(v *viper.Viper, extra ...iorequest.Option) []iorequest.Option {
	opts := []iorequest.Option{
		iorequest.WithRequestTimeout(v.GetDuration("request_timeout")),
		iorequest.WithHandshakeTimeout(v.GetDuration("handshake_timeout")),
	}
	if secret := v.GetString("secret"); secret != "" {
		opts = append(opts, iorequest.WithAuthorizer(iorequest.SharedSecret([]byte(secret))))
	}
	return append(opts, extra...)
}

// needsTLS reports whether the configured transport runs over TLS.
func needsTLS(v *viper.Viper) bool {
	switch v.GetString("transport") {
	case iorequest.TransportTLS, iorequest.TransportQUIC:
		return true
	}
	return false
}

// serverTLS returns the certificate serve presents.
func serverTLS(v *viper.Viper) (*tls.Config, error) {
	if cert := v.GetString("tls.cert"); cert != "" {
		return iorequest.LoadTLS(cert, v.GetString("tls.key"))
	}
	return iorequest.SelfSignedTLS()
}

// dialTLS returns the configuration used to verify a peer.
func dialTLS(v *viper.Viper) *tls.Config {
	return &tls.Config{
		ServerName:         v.GetString("tls.server_name"),
		InsecureSkipVerify: v.GetBool("tls.insecure"), //nolint:gosec // opt-in for self-signed peers
		MinVersion:         tls.VersionTLS13,
	}
}
