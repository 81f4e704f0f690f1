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

package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/health"
	"github.com/jeremyhahn/go-keyring/pkg/metrics"
	"github.com/jeremyhahn/go-keyring/pkg/ratelimit"
	"github.com/jeremyhahn/go-keyring/pkg/validation"
)

// Config holds the JSON-RPC server configuration.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:8080)
	Addr string

	// Device serves the methods
	Device Device

	// Health backs the /health endpoints (optional)
	Health *health.Checker

	// HealthPath prefixes the health endpoints; empty disables them
	HealthPath string

	// MetricsPath serves Prometheus metrics; empty disables it
	MetricsPath string

	// Audit records key operations (optional)
	Audit audit.AuditAdapter

	// AuditPath serves the retained audit events; empty or a nil Audit
	// disables it
	AuditPath string

	// RateLimiter throttles RPC calls per client IP (optional)
	RateLimiter *ratelimit.Limiter

	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers name the client; empty trusts no one
	TrustedProxies []netip.Prefix

	// TLSConfig enables HTTPS (optional)
	TLSConfig *tls.Config

	// Logger is the logging adapter (optional)
	Logger logger.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxBodyBytes limits request bodies (default: 1 MiB)
	MaxBodyBytes int64
}

// Server is the JSON-RPC HTTP server.
type Server struct {
	server    *http.Server
	router    chi.Router
	methods   map[string]MethodFunc
	health    *health.Checker
	audit     audit.AuditAdapter
	limiter   *ratelimit.Limiter
	trusted   []netip.Prefix
	tlsConfig *tls.Config
	maxBody   int64
	logger    logger.Logger
}

// NewServer creates a JSON-RPC server for cfg.Device.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Device == nil {
		return nil, fmt.Errorf("device is required")
	}

	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 60 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{Level: logger.LevelInfo})
	}

	device := cfg.Device
	if cfg.Audit != nil {
		device = &auditedDevice{Device: device, trail: cfg.Audit}
	}

	s := &Server{
		methods:   deviceMethods(device),
		health:    cfg.Health,
		audit:     cfg.Audit,
		limiter:   cfg.RateLimiter,
		trusted:   cfg.TrustedProxies,
		tlsConfig: cfg.TLSConfig,
		maxBody:   maxBody,
		logger:    log.With(logger.String("component", "rpc")),
	}
	s.router = s.setupRouter(cfg.HealthPath, cfg.MetricsPath, cfg.AuditPath)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		TLSConfig:         cfg.TLSConfig,
	}
	return s, nil
}

func (s *Server) setupRouter(healthPath, metricsPath, auditPath string) chi.Router {
	r := chi.NewRouter()

	r.Use(s.RecoveryMiddleware())
	r.Use(s.CorrelationMiddleware())
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)

	r.Group(func(r chi.Router) {
		r.Use(CORSMiddleware)
		r.Options("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		if s.limiter != nil {
			r.With(ratelimit.Middleware(s.limiter, s.trusted, http.HandlerFunc(rateLimited))).Post("/", s.handleRPC)
		} else {
			r.Post("/", s.handleRPC)
		}
	})

	if healthPath != "" {
		r.Get(healthPath+"/live", s.LivenessHandler)
		r.Get(healthPath+"/ready", s.ReadinessHandler)
		r.Get(healthPath+"/startup", s.StartupHandler)
	}
	if metricsPath != "" {
		r.Method(http.MethodGet, metricsPath, metrics.Handler())
	}
	if auditPath != "" && s.audit != nil {
		r.Get(auditPath, s.AuditHandler)
	}
	return r
}

// Register adds or replaces a method.
func (s *Server) Register(name string, fn MethodFunc) {
	s.methods[name] = fn
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// ListenAndServe listens on the configured address and serves until
// Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	if s.tlsConfig != nil {
		s.logger.Info("Starting HTTPS server", logger.String("addr", ln.Addr().String()))
		err = s.server.ServeTLS(ln, "", "")
	} else {
		s.logger.Info("Starting HTTP server", logger.String("addr", ln.Addr().String()))
		err = s.server.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown server", logger.Error(err))
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeResponse(w, http.StatusRequestEntityTooLarge, errorResponse(nil, newError(CodeInvalidRequest, "request too large")))
			return
		}
		writeResponse(w, http.StatusBadRequest, errorResponse(nil, newError(CodeParseError, "Parse error")))
		return
	}

	ctx := withSourceIP(r.Context(), ratelimit.ClientIP(r, s.trusted))
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		writeResponse(w, http.StatusOK, errorResponse(nil, newError(CodeParseError, "Parse error")))
		return
	}

	if body[0] != '[' {
		resp := s.call(ctx, body)
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeResponse(w, http.StatusOK, resp)
		return
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil || len(batch) == 0 {
		writeResponse(w, http.StatusOK, errorResponse(nil, newError(CodeInvalidRequest, "Invalid Request")))
		return
	}
	responses := make([]*Response, 0, len(batch))
	for _, raw := range batch {
		if resp := s.call(ctx, raw); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeResponse(w, http.StatusOK, responses)
}

// call runs one request object. It returns nil for notifications.
func (s *Server) call(ctx context.Context, raw json.RawMessage) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, newError(CodeInvalidRequest, "Invalid Request"))
	}
	if !validID(req.ID) || (req.JSONRPC != "" && req.JSONRPC != Version) || req.Method == "" {
		return errorResponse(req.ID, newError(CodeInvalidRequest, "Invalid Request"))
	}

	fn, ok := s.methods[req.Method]
	if !ok {
		metrics.RecordRPCRequest("unknown", strconv.Itoa(CodeMethodNotFound), 0)
		if req.isNotification() {
			return nil
		}
		return errorResponse(req.ID, newError(CodeMethodNotFound, "Method not found"))
	}

	start := time.Now()
	result, err := s.invoke(ctx, fn, req.Params)
	elapsed := time.Since(start)

	rpcErr := MapError(err)
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
	}
	metrics.RecordRPCRequest(req.Method, strconv.Itoa(code), elapsed)
	s.logCall(ctx, req.Method, code, elapsed, err)

	if req.isNotification() {
		return nil
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return resultResponse(req.ID, result)
}

func (s *Server) invoke(ctx context.Context, fn MethodFunc, raw json.RawMessage) (any, error) {
	params, perr := parseParams(raw)
	if perr != nil {
		return nil, perr
	}
	return fn(ctx, params)
}

func (s *Server) logCall(ctx context.Context, method string, code int, elapsed time.Duration, err error) {
	fields := []logger.Field{
		logger.String("method", validation.SanitizeForLog(method)),
		logger.Int("code", code),
		logger.Duration("duration", elapsed),
	}
	slogAdapter, hasContext := s.logger.(*logger.SlogAdapter)
	switch {
	case err == nil && hasContext:
		slogAdapter.DebugContext(ctx, "RPC call completed", fields...)
	case err == nil:
		s.logger.Debug("RPC call completed", fields...)
	case hasContext:
		slogAdapter.WarnContext(ctx, "RPC call failed", append(fields, logger.Error(err))...)
	default:
		s.logger.Warn("RPC call failed", append(fields, logger.Error(err))...)
	}
}

func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return true
	}
	switch id[0] {
	case '{', '[', 't', 'f':
		return false
	}
	return true
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusTooManyRequests, errorResponse(nil, newError(CodeRateLimited, "rate limit exceeded")))
}

func writeResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
