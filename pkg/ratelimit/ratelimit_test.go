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

package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 120})
	defer l.Stop()

	stats := l.Stats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, 120, stats.Burst)
	assert.InDelta(t, 120.0, stats.RatePerMinute, 0.001)
	assert.Equal(t, 10*time.Minute, l.cleanupInterval)
	assert.Equal(t, 30*time.Minute, l.maxIdle)
}

func TestNew_NilAndZeroRateDisabled(t *testing.T) {
	assert.False(t, New(nil).IsEnabled())
	assert.False(t, New(&Config{Enabled: true}).IsEnabled())
}

func TestAllow_Burst(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 3})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "clients have separate buckets")
	assert.Equal(t, 2, l.Stats().ActiveClients)
}

func TestAllow_Disabled(t *testing.T) {
	l := New(&Config{Enabled: false, RequestsPerMinute: 1, Burst: 1})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("client"))
	}
	assert.NoError(t, l.Wait(context.Background(), "client"))
	l.Stop()
	l.Stop()
}

func TestWait_ContextCanceled(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	defer l.Stop()

	require.NoError(t, l.Wait(context.Background(), "client"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "client"))
}

func TestCleanup(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 60, MaxIdle: time.Minute})
	defer l.Stop()

	l.Allow("old")
	l.Allow("new")
	l.mu.Lock()
	l.lastSeen["old"] = time.Now().Add(-2 * time.Minute)
	l.mu.Unlock()

	l.cleanup(time.Now())
	assert.Equal(t, 1, l.Stats().ActiveClients)
}

func TestMiddleware(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	defer l.Stop()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("default rejection", func(t *testing.T) {
		h := Middleware(l, nil, nil)(next)

		req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
		req.RemoteAddr = "192.0.2.1:4000"

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("custom rejection", func(t *testing.T) {
		reject := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
		h := Middleware(l, nil, reject)(next)

		req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
		req.RemoteAddr = "192.0.2.9:4000"

		h.ServeHTTP(httptest.NewRecorder(), req)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})
}

func TestMiddleware_IgnoresSpoofedHeaders(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	defer l.Stop()

	h := Middleware(l, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
		req.RemoteAddr = "192.0.2.50:4000"
		req.Header.Set("X-Forwarded-For", netip.AddrFrom4([4]byte{203, 0, 113, byte(i + 1)}).String())
		req.Header.Set("X-Real-IP", "198.51.100.77")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "request %d", i)
	}
}

func TestParseTrustedProxies(t *testing.T) {
	prefixes, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.1 ", "::1", "172.16.5.9/12"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.1/32"),
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("172.16.0.0/12"),
	}, prefixes)

	_, err = ParseTrustedProxies([]string{"proxy.local"})
	assert.Error(t, err)

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)

	prefixes, err = ParseTrustedProxies(nil)
	require.NoError(t, err)
	assert.Empty(t, prefixes)
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name    string
		trusted []netip.Prefix
		headers map[string]string
		remote  string
		want    string
	}{
		{"untrusted peer ignores forwarded", nil, map[string]string{"X-Forwarded-For": "203.0.113.5"}, "198.51.100.2:5555", "198.51.100.2"},
		{"untrusted peer ignores real ip", nil, map[string]string{"X-Real-IP": "203.0.113.7"}, "198.51.100.2:5555", "198.51.100.2"},
		{"peer outside trusted range", trusted, map[string]string{"X-Forwarded-For": "203.0.113.5"}, "192.0.2.9:80", "192.0.2.9"},
		{"forwarded single", trusted, map[string]string{"X-Forwarded-For": "203.0.113.6"}, "10.0.0.1:80", "203.0.113.6"},
		{"forwarded skips trusted hops", trusted, map[string]string{"X-Forwarded-For": "198.51.100.9, 203.0.113.5, 10.1.1.1"}, "10.0.0.1:80", "203.0.113.5"},
		{"forwarded all trusted falls back", trusted, map[string]string{"X-Forwarded-For": "10.2.2.2"}, "10.0.0.1:80", "10.0.0.1"},
		{"forwarded garbage stops", trusted, map[string]string{"X-Forwarded-For": "203.0.113.5, bogus"}, "10.0.0.1:80", "10.0.0.1"},
		{"real ip", trusted, map[string]string{"X-Real-IP": "203.0.113.7"}, "10.0.0.1:80", "203.0.113.7"},
		{"remote addr", nil, nil, "198.51.100.2:5555", "198.51.100.2"},
		{"remote without port", trusted, nil, "@", "@"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req, tt.trusted))
		})
	}
}
