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

// Package client talks to a keyringd daemon over its JSON-RPC interface.
//
//	c, err := client.New(&client.Config{Address: "http://127.0.0.1:8080"})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	address, err := c.CreateKey(ctx, 5)
//
// Device failures come back as *RPCError values that match the keyring
// sentinel errors with errors.Is.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-keyring/internal/rpc"
	"github.com/jeremyhahn/go-keyring/pkg/correlation"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

const (
	// DefaultAddress is the default keyringd JSON-RPC endpoint
	DefaultAddress = "http://127.0.0.1:8080"

	// UnixScheme prefixes addresses of a keyringd local socket,
	// e.g. unix:///run/keyringd.sock
	UnixScheme = "unix://"
)

var (
	// ErrConnectionFailed is returned when the daemon cannot be reached
	ErrConnectionFailed = errors.New("connection failed")
	// ErrInvalidResponse is returned when the daemon answers with something
	// other than a JSON-RPC response
	ErrInvalidResponse = errors.New("invalid response")
)

// Config configures the client.
type Config struct {
	// Address is the daemon URL: http://host:port, https://host:port or
	// unix:///path/to/socket. A bare host:port gets http:// (or https://
	// with TLSEnabled).
	Address string

	// Timeout bounds each call, including time spent queued for the device
	// (default: 60s)
	Timeout time.Duration

	// TLSEnabled enables TLS for bare addresses
	TLSEnabled bool

	// TLSInsecureSkipVerify skips TLS certificate verification (not recommended)
	TLSInsecureSkipVerify bool

	// TLSCAFile is the path to the CA certificate file
	TLSCAFile string

	// TLSCertFile and TLSKeyFile hold a client certificate (mTLS)
	TLSCertFile string
	TLSKeyFile  string

	// Headers are additional HTTP headers to include in requests
	Headers map[string]string
}

// Client is a JSON-RPC client for keyringd. It is safe for concurrent use.
type Client struct {
	config     *Config
	baseURL    string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// New creates a client. It does not contact the daemon; use Connect for that.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	var dial func(ctx context.Context, network, addr string) (net.Conn, error)
	baseURL := cfg.Address
	if baseURL == "" {
		baseURL = DefaultAddress
	}
	if path, ok := strings.CutPrefix(baseURL, UnixScheme); ok {
		if path == "" {
			return nil, fmt.Errorf("unix address requires a socket path")
		}
		dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
		baseURL = "http://unix"
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		if cfg.TLSEnabled {
			baseURL = "https://" + baseURL
		} else {
			baseURL = "http://" + baseURL
		}
	}
	baseURL = strings.TrimSuffix(baseURL, "/") + "/"

	tlsConfig, err := clientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		config:  cfg,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig, DialContext: dial},
		},
	}, nil
}

func clientTLSConfig(cfg *Config) (*tls.Config, error) {
	if !cfg.TLSEnabled && !strings.HasPrefix(cfg.Address, "https://") {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		// #nosec G402 - opt-in for development daemons with self-signed certificates
		InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.TLSCAFile != "" {
		// #nosec G304 - CA file path from user configuration
		caCert, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Connect checks that the daemon answers and its device responds to Ping.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// DumpKeys lists the occupied slots (get_keys).
func (c *Client) DumpKeys(ctx context.Context) ([]protocol.Account, error) {
	var accounts []protocol.Account
	if err := c.Call(ctx, rpc.MethodGetKeys, &accounts); err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []protocol.Account{}
	}
	return accounts, nil
}

// CreateKey creates a key in the slot and returns its address.
func (c *Client) CreateKey(ctx context.Context, index int) (string, error) {
	var address string
	if err := c.Call(ctx, rpc.MethodCreateKey, &address, index); err != nil {
		return "", err
	}
	return address, nil
}

// DeleteKey clears the slot.
func (c *Client) DeleteKey(ctx context.Context, index int) error {
	return c.Call(ctx, rpc.MethodDeleteKey, nil, index)
}

// Sign signs payload with the slot's key.
func (c *Client) Sign(ctx context.Context, index int, payload []byte) (protocol.Signature, error) {
	var sig protocol.Signature
	err := c.Call(ctx, rpc.MethodSign, &sig, index, "0x"+hex.EncodeToString(payload))
	return sig, err
}

// Ping checks that the device responds.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, rpc.MethodPing, nil)
}

// Reset wipes every slot on the device.
func (c *Client) Reset(ctx context.Context) error {
	return c.Call(ctx, rpc.MethodReset, nil)
}

// Call invokes method with positional params and decodes the result into
// result, which may be nil.
func (c *Client) Call(ctx context.Context, method string, result any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	body, err := json.Marshal(map[string]any{
		"jsonrpc": rpc.Version,
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(correlation.CorrelationIDHeader, correlation.GetOrGenerate(ctx))
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil || envelope.JSONRPC != rpc.Version {
		return fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if result == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("%w: %s result: %w", ErrInvalidResponse, method, err)
	}
	return nil
}
