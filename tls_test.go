// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"crypto/tls"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelfSignedTLS(t *testing.T) {
	cfg, err := SelfSignedTLS()
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	require.Equal(t, []string{ALPN}, cfg.NextProtos)
	require.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}

func TestWithALPN(t *testing.T) {
	base := &tls.Config{NextProtos: []string{"h2"}}
	got := withALPN(base)
	require.Equal(t, []string{"h2", ALPN}, got.NextProtos)
	require.Equal(t, []string{"h2"}, base.NextProtos)
	require.Equal(t, []string{"h2", ALPN}, withALPN(got).NextProtos)
}

func TestLoadTLS(t *testing.T) {
	_, err := LoadTLS("", "")
	require.Error(t, err)

	cfg, err := SelfSignedTLS()
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cfg.Certificates[0].Certificate[0]})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))

	_, err = LoadTLS(certFile, keyFile)
	require.ErrorContains(t, err, "load keypair")
}
