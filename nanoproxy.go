// Copyright 2017 The NanoProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nanoproxy assembles the intercepting proxy: a certificate
// authority signing leaves on demand, a dynamic SNI-multiplexed TLS
// server that terminates intercepted tunnels, and the HTTP engines that
// consult the patcher pipeline and forward traffic to the real origin.
package nanoproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NanoAdblockerLab/NanoProxy/violenthttp"
	"github.com/NanoAdblockerLab/NanoProxy/violenttls"
)

// Config is everything the proxy takes at start.
type Config struct {
	// ListenAddr is the main proxy listener, HTTP or HTTPS depending on
	// UseTLS. Defaults to :12345.
	ListenAddr string

	// DynamicAddr is where the dynamic TLS server accepts intercepted
	// tunnels. Defaults to 127.0.0.1:12346.
	DynamicAddr string

	// UseTLS makes the main listener serve TLS with the proxy's own
	// leaf certificate. ProxyDomains must then name the listener.
	UseTLS bool

	// ProxyDomains and ProxyIPs become the SANs of the proxy's own
	// certificate. Some clients ignore IP SANs.
	ProxyDomains []string
	ProxyIPs     []string

	// CertRoot is the directory holding CA and leaf material. Defaults
	// to ./Violentcert.
	CertRoot string

	// LogLevel runs 0..4: silent, error, +warning, +notice, +info.
	LogLevel int

	// MetricsAddr, when set, serves prometheus metrics on /metrics.
	MetricsAddr string
}

// DefaultListenAddr is the main listener's default.
const DefaultListenAddr = ":12345"

func (cfg *Config) fillDefaults() {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.DynamicAddr == "" {
		cfg.DynamicAddr = violenttls.DefaultDynamicAddr
	}
	if cfg.CertRoot == "" {
		cfg.CertRoot = violenttls.DefaultStorageRoot
	}
}

// Proxy owns every moving part: configuration, the certificate
// authority, the dynamic TLS server, agent pools, and the engine. All
// shared caches live behind it rather than in package globals, so two
// proxies in one process stay independent.
type Proxy struct {
	cfg       Config
	logger    *zap.Logger
	authority *violenttls.Authority
	dynamic   *violenttls.DynamicServer
	engine    *violenthttp.Engine
	patchers  *violenthttp.Patchers
	ln        net.Listener
}

// New builds a proxy and initialises its certificate authority, which
// may generate and persist a CA on first run.
func New(cfg Config) (*Proxy, error) {
	cfg.fillDefaults()
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	p := &Proxy{cfg: cfg, logger: logger}

	p.authority = &violenttls.Authority{
		Domains: cfg.ProxyDomains,
		IPs:     cfg.ProxyIPs,
		Storage: &violenttls.Storage{Root: cfg.CertRoot},
		Logger:  logger.Named("tls"),
		Fatal:   func(err error) { crash(logger, err) },
	}
	if err := p.authority.Init(); err != nil {
		return nil, err
	}

	p.patchers = violenthttp.DefaultPatchers()
	p.engine = violenthttp.NewEngine(
		violenthttp.NewAgentPool(), p.patchers, nil, logger.Named("http"))
	p.engine.Crash = func(v any) { crash(logger, v) }

	p.dynamic = violenttls.NewDynamicServer(
		cfg.DynamicAddr, p.authority, p.engine.TLSHandler(), logger.Named("tls"))
	p.engine.Tunnel = p.dynamic

	return p, nil
}

// Patchers exposes the patcher surface for callers to replace before or
// while the proxy runs.
func (p *Proxy) Patchers() *violenthttp.Patchers { return p.patchers }

// Authority exposes the certificate authority, mainly for trust-store
// installation.
func (p *Proxy) Authority() *violenttls.Authority { return p.authority }

// Logger returns the process logger.
func (p *Proxy) Logger() *zap.Logger { return p.logger }

// Run listens and serves until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.Listen(); err != nil {
		return err
	}
	return p.Serve(ctx)
}

// Listen binds the main listener and the dynamic TLS server.
func (p *Proxy) Listen() error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return err
	}
	if p.cfg.UseTLS {
		cert, err := p.authority.SelfCertificate()
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS10,
		})
	}
	if err := p.dynamic.Listen(); err != nil {
		ln.Close()
		return err
	}
	p.ln = ln
	return nil
}

// Addr returns the main listener's address; Listen must have succeeded.
func (p *Proxy) Addr() string {
	return p.ln.Addr().String()
}

// Serve accepts on the bound listeners until ctx is cancelled, then
// shuts everything down.
func (p *Proxy) Serve(ctx context.Context) error {
	ln := p.ln
	main := &http.Server{Handler: p.engine}
	metrics := p.metricsServer()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.logger.Info("proxy listening", zap.String("addr", ln.Addr().String()),
			zap.Bool("tls", p.cfg.UseTLS))
		if err := main.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		p.logger.Info("dynamic TLS server listening", zap.String("addr", p.dynamic.Addr()))
		return p.dynamic.Serve()
	})
	if metrics != nil {
		g.Go(func() error {
			if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		main.Shutdown(shutdownCtx)
		p.dynamic.Shutdown(shutdownCtx)
		if metrics != nil {
			metrics.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

func (p *Proxy) metricsServer() *http.Server {
	if p.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: p.cfg.MetricsAddr, Handler: mux}
}
