// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyring.
//
// go-keyring is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package client

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyring/internal/rpc"
	"github.com/jeremyhahn/go-keyring/internal/testutil"
	"github.com/jeremyhahn/go-keyring/internal/unix"
	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/emulator"
	"github.com/jeremyhahn/go-keyring/pkg/keyring"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
	"github.com/jeremyhahn/go-keyring/pkg/transport"
)

// newDaemon serves an emulator-backed session over JSON-RPC.
func newDaemon(t *testing.T, opts ...emulator.Option) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(newHandler(t, nil, opts...).Handler())
	t.Cleanup(ts.Close)
	return ts
}

// newHandler builds the JSON-RPC handler of an emulator-backed session.
func newHandler(t *testing.T, tlsConfig *tls.Config, opts ...emulator.Option) *rpc.Server {
	t.Helper()

	dev, err := emulator.New(opts...)
	require.NoError(t, err)

	host, device := transport.Pipe(protocol.PacketSize)
	dev.Attach(device)
	t.Cleanup(func() { _ = device.Close() })

	session, err := keyring.New(host, keyring.WithLogger(logger.Discard()), keyring.WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	srv, err := rpc.NewServer(&rpc.Config{Device: session, Logger: logger.Discard(), TLSConfig: tlsConfig})
	require.NoError(t, err)
	return srv
}

func newClient(t *testing.T, address string) *Client {
	t.Helper()
	c, err := New(&Config{Address: address, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_Address(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{"nil config", nil, "http://127.0.0.1:8080/"},
		{"bare host", &Config{Address: "localhost:9000"}, "http://localhost:9000/"},
		{"bare host with tls", &Config{Address: "localhost:9000", TLSEnabled: true}, "https://localhost:9000/"},
		{"trailing slash", &Config{Address: "http://localhost:9000/"}, "http://localhost:9000/"},
		{"unix socket", &Config{Address: "unix:///run/keyringd.sock"}, "http://unix/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.baseURL)
		})
	}
}

func TestNew_TLSErrors(t *testing.T) {
	_, err := New(&Config{Address: "https://localhost:1", TLSCAFile: "/nonexistent/ca.pem"})
	assert.ErrorContains(t, err, "failed to read CA certificate")

	_, err = New(&Config{Address: "https://localhost:1", TLSCertFile: "/nonexistent.crt", TLSKeyFile: "/nonexistent.key"})
	assert.ErrorContains(t, err, "failed to load client certificate")
}

func TestClient_EndToEnd(t *testing.T) {
	ts := newDaemon(t)
	c := newClient(t, ts.URL)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	address, err := c.CreateKey(ctx, 11)
	require.NoError(t, err)

	accounts, err := c.DumpKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Account{{Index: 11, Address: address}}, accounts)

	digest := sha256.Sum256([]byte("payload"))
	sig, err := c.Sign(ctx, 11, digest[:])
	require.NoError(t, err)

	pub, err := protocol.ParseAddress(address)
	require.NoError(t, err)
	assert.True(t, sig.Verify(pub, digest[:]))

	require.NoError(t, c.DeleteKey(ctx, 11))
	require.NoError(t, c.Reset(ctx))

	accounts, err = c.DumpKeys(ctx)
	require.NoError(t, err)
	assert.NotNil(t, accounts)
	assert.Empty(t, accounts)
}

func TestClient_ErrorMapping(t *testing.T) {
	ts := newDaemon(t)
	c := newClient(t, ts.URL)
	ctx := context.Background()

	_, err := c.CreateKey(ctx, 256)
	assert.ErrorIs(t, err, keyring.ErrCaller)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeInvalidParams, rpcErr.Code)

	_, err = c.Sign(ctx, 1, make([]byte, protocol.PacketSize))
	assert.ErrorIs(t, err, keyring.ErrCaller)

	_, err = c.Sign(ctx, 99, make([]byte, 32))
	assert.ErrorIs(t, err, keyring.ErrProtocolViolation, "signing an empty slot yields no chunks")

	err = c.Call(ctx, "export_key", nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeMethodNotFound, rpcErr.Code)
	assert.False(t, errors.Is(err, keyring.ErrCaller))
}

func TestClient_DeviceTimeout(t *testing.T) {
	ts := newDaemon(t, emulator.WithResponseDelay(time.Second))
	c := newClient(t, ts.URL)

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, keyring.ErrDeviceTimeout)
}

func TestClient_HeadersAndCorrelation(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":true}`))
	}))
	defer ts.Close()

	c, err := New(&Config{Address: ts.URL, Headers: map[string]string{"X-Team": "wallets"}})
	require.NoError(t, err)

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "wallets", got.Get("X-Team"))
	assert.NotEmpty(t, got.Get("X-Correlation-ID"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestClient_InvalidResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	c := newClient(t, ts.URL)
	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.ErrorContains(t, err, "502")
}

func TestClient_ConnectionFailed(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := newClient(t, url)
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestRPCError_Is(t *testing.T) {
	tests := []struct {
		code   int
		target error
	}{
		{rpc.CodeInvalidParams, keyring.ErrCaller},
		{rpc.CodeDeviceTimeout, keyring.ErrDeviceTimeout},
		{rpc.CodeProtocolViolation, keyring.ErrProtocolViolation},
		{rpc.CodeChannelClosed, keyring.ErrChannelClosed},
		{rpc.CodeCanceled, context.Canceled},
	}

	for _, tt := range tests {
		err := error(&RPCError{Code: tt.code, Message: "x"})
		assert.ErrorIs(t, err, tt.target, "code %d", tt.code)
	}
	assert.Contains(t, (&RPCError{Code: -32001, Message: "protocol violation", Data: "short key"}).Error(), "short key")
}

func TestClient_UnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyringd.sock")
	local, err := unix.NewServer(&unix.Config{SocketPath: path, Handler: newHandler(t, nil).Handler()})
	require.NoError(t, err)
	require.NoError(t, local.Listen())
	go func() { _ = local.Serve() }()
	t.Cleanup(func() { _ = local.Stop(context.Background()) })

	c := newClient(t, UnixScheme+path)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	address, err := c.CreateKey(ctx, 2)
	require.NoError(t, err)

	accounts, err := c.DumpKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Account{{Index: 2, Address: address}}, accounts)

	_, err = New(&Config{Address: UnixScheme})
	assert.Error(t, err)
}

func TestClient_MutualTLS(t *testing.T) {
	ca, err := testutil.GenerateTestCA()
	require.NoError(t, err)
	serverCert, err := testutil.GenerateTestServerCert(ca)
	require.NoError(t, err)
	clientCert, err := testutil.GenerateTestClientCert(ca, "")
	require.NoError(t, err)

	dir := t.TempDir()
	caFile, err := ca.WriteFile(dir)
	require.NoError(t, err)
	certFile, keyFile, err := clientCert.WriteFiles(dir, "client")
	require.NoError(t, err)

	srv := newHandler(t, &tls.Config{
		Certificates: []tls.Certificate{serverCert.TLSCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    ca.Pool(),
		MinVersion:   tls.VersionTLS12,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	address := "https://" + ln.Addr().String()
	ctx := context.Background()

	c, err := New(&Config{
		Address:     address,
		Timeout:     5 * time.Second,
		TLSCAFile:   caFile,
		TLSCertFile: certFile,
		TLSKeyFile:  keyFile,
	})
	require.NoError(t, err)
	require.NoError(t, c.Ping(ctx))

	noCert, err := New(&Config{Address: address, Timeout: 5 * time.Second, TLSCAFile: caFile})
	require.NoError(t, err)
	assert.ErrorIs(t, noCert.Ping(ctx), ErrConnectionFailed)

	untrusted, err := New(&Config{Address: address, Timeout: 5 * time.Second, TLSCertFile: certFile, TLSKeyFile: keyFile})
	require.NoError(t, err)
	assert.ErrorIs(t, untrusted.Ping(ctx), ErrConnectionFailed)
}
