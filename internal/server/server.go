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

// Package server wires keyringd together: the device channel, the session,
// the JSON-RPC listener, health checks and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jeremyhahn/go-keyring/internal/config"
	"github.com/jeremyhahn/go-keyring/internal/rpc"
	"github.com/jeremyhahn/go-keyring/internal/unix"
	"github.com/jeremyhahn/go-keyring/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/health"
	"github.com/jeremyhahn/go-keyring/pkg/keyring"
	"github.com/jeremyhahn/go-keyring/pkg/metrics"
	"github.com/jeremyhahn/go-keyring/pkg/ratelimit"
)

// Server is the keyring daemon.
type Server struct {
	mu       sync.Mutex
	config   *config.Config
	logger   *logger.SlogAdapter
	levelVar *slog.LevelVar

	device    *device
	session   *keyring.Session
	rpc       *rpc.Server
	local     *unix.Server
	health    *health.Checker
	audit     *audit.MemoryAuditAdapter
	limiter   *ratelimit.Limiter
	collector *metrics.ResourceCollector
	listener  net.Listener

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Server.
type Option func(*options)

type options struct {
	listener  net.Listener
	logOutput io.Writer
}

// WithListener serves JSON-RPC on ln instead of listening on the configured
// address.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		o.listener = ln
	}
}

// WithLogOutput sends logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		o.logOutput = w
	}
}

// New opens the device channel and builds every component. Nothing is
// served until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := &options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}

	levelVar := new(slog.LevelVar)
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	levelVar.Set(logger.SlogLevel(level))
	log := logger.NewSlogAdapter(&logger.SlogConfig{
		LevelVar: levelVar,
		Format:   cfg.Logging.Format,
		Output:   o.logOutput,
	})

	s := &Server{
		config:   cfg,
		logger:   log,
		levelVar: levelVar,
	}

	log.Info("Starting keyring daemon",
		logger.String("version", BuildVersion()),
		logger.String("transport", cfg.Device.Transport),
		logger.String("device", cfg.Device.Name))

	if cfg.Metrics.Enabled {
		metrics.Enable()
		s.collector = metrics.NewResourceCollector(cfg.Metrics.CollectInterval.Std())
	} else {
		metrics.Disable()
	}

	s.device, err = openDevice(ctx, cfg.Device, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	s.session, err = keyring.New(s.device.channel,
		keyring.WithTimeout(cfg.Device.Timeout.Std()),
		keyring.WithPacketSize(cfg.Device.PacketSize),
		keyring.WithDeviceName(cfg.Device.Name),
		keyring.WithLogger(log),
		keyring.WithRecorder(metrics.DeviceRecorder{}),
	)
	if err != nil {
		_ = s.device.close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if err := s.initialize(cfg, o.listener); err != nil {
		_ = s.session.Close()
		_ = s.device.close()
		return nil, err
	}
	return s, nil
}

func (s *Server) initialize(cfg *config.Config, ln net.Listener) error {
	s.health = health.NewChecker()
	name := cfg.Device.Name
	check := health.DeviceCheck("device", s.session, cfg.Health.PingTimeout.Std(), func(up bool) {
		metrics.SetDeviceUp(name, up)
	})
	s.health.RegisterCheck("device", health.Cached(check, cfg.Health.CacheTTL.Std()))

	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(&ratelimit.Config{
			Enabled:           true,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMin,
			Burst:             cfg.RateLimit.Burst,
		})
	}

	trusted, err := ratelimit.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	tlsConfig, err := cfg.TLS.Load()
	if err != nil {
		return fmt.Errorf("failed to load TLS configuration: %w", err)
	}

	rpcConfig := &rpc.Config{
		Addr:           cfg.Server.Addr(),
		Device:         s.session,
		Health:         s.health,
		RateLimiter:    s.limiter,
		TrustedProxies: trusted,
		TLSConfig:      tlsConfig,
		Logger:         s.logger,
		ReadTimeout:    cfg.Server.ReadTimeout.Std(),
		WriteTimeout:   cfg.Server.WriteTimeout.Std(),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}
	if cfg.Health.Enabled {
		rpcConfig.HealthPath = cfg.Health.Path
	}
	if cfg.Metrics.Enabled {
		rpcConfig.MetricsPath = cfg.Metrics.Path
	}
	if cfg.Audit.Enabled {
		s.audit = audit.NewMemoryAuditAdapter(cfg.Audit.Capacity, s.logger)
		rpcConfig.Audit = s.audit
		rpcConfig.AuditPath = cfg.Audit.Path
	}
	s.rpc, err = rpc.NewServer(rpcConfig)
	if err != nil {
		return fmt.Errorf("failed to create RPC server: %w", err)
	}

	if ln == nil {
		ln, err = net.Listen("tcp", cfg.Server.Addr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr(), err)
		}
	}
	s.listener = ln

	if cfg.Server.Socket != "" {
		s.local, err = unix.NewServer(&unix.Config{
			SocketPath:   cfg.Server.Socket,
			SocketMode:   os.FileMode(cfg.Server.SocketMode),
			Handler:      s.rpc.Handler(),
			Logger:       s.logger,
			ReadTimeout:  cfg.Server.ReadTimeout.Std(),
			WriteTimeout: cfg.Server.WriteTimeout.Std(),
		})
		if err == nil {
			err = s.local.Listen()
		}
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to create local socket: %w", err)
		}
	}
	return nil
}

// Run serves until ctx is cancelled or a component fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.rpc.Serve(s.listener)
	})
	if s.local != nil {
		g.Go(s.local.Serve)
	}
	if s.collector != nil {
		g.Go(func() error {
			return s.collector.Run(ctx)
		})
	}
	if done := s.device.done(); done != nil {
		g.Go(func() error {
			select {
			case <-done:
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("Device channel closed", logger.String("device", s.config.Device.Name))
				metrics.SetDeviceUp(s.config.Device.Name, false)
			case <-ctx.Done():
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown()
	})

	s.health.MarkStarted()
	s.logger.Info("Keyring daemon started", logger.String("addr", s.listener.Addr().String()))

	return g.Wait()
}

// Shutdown stops the listener, fails any queued device operations and
// closes the channel. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down keyring daemon")
		s.health.MarkNotStarted()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout.Std())
		defer cancel()

		var errs []error
		if err := s.rpc.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.local != nil {
			if err := s.local.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session: %w", err))
		}
		if err := s.device.close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close device: %w", err))
		}
		if s.limiter != nil {
			s.limiter.Stop()
		}
		metrics.SetDeviceUp(s.config.Device.Name, false)

		s.shutdownErr = errors.Join(errs...)
		s.logger.Info("Keyring daemon stopped")
	})
	return s.shutdownErr
}

// Session returns the device session.
func (s *Server) Session() *keyring.Session {
	return s.session
}

// Addr returns the JSON-RPC listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// BuildVersion returns the module version or VCS revision of the binary.
func BuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			if len(setting.Value) >= 7 {
				return setting.Value[:7]
			}
			return setting.Value
		}
	}

	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
