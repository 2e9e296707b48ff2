// SPDX-License-Identifier: AGPL-3.0-only

// Package proxy exposes a Scheduler over HTTP. Clients send their brokerage API calls to
// the proxy, which classifies each call, queues it and forwards it upstream once the
// rate limit allows.
package proxy

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/ordergate/ordergate/pkg/priority"
	"github.com/ordergate/ordergate/pkg/scheduler"
)

var errMissingUpstream = errors.New("the upstream URL is required")

type Config struct {
	ListenAddress         string                     `yaml:"listen_address"`
	ListenPort            int                        `yaml:"listen_port"`
	GRPCListenPort        int                        `yaml:"grpc_listen_port" category:"advanced"`
	UpstreamURL           string                     `yaml:"upstream_url"`
	RulesFile             string                     `yaml:"rules_file"`
	MaxBodySize           int64                      `yaml:"max_body_size" category:"advanced"`
	ServerShutdownTimeout time.Duration              `yaml:"server_shutdown_timeout" category:"advanced"`
	MarketHours           priority.MarketHoursConfig `yaml:"market_hours"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, "server.http-listen-address", "", "Bind address for the proxy HTTP server.")
	f.IntVar(&cfg.ListenPort, "server.http-listen-port", 8080, "The port where the proxy listens for HTTP requests.")
	f.IntVar(&cfg.GRPCListenPort, "server.grpc-listen-port", 9095, "The port of the gRPC listener opened by the server. Nothing is served over gRPC.")
	f.StringVar(&cfg.UpstreamURL, "upstream.url", "", "Base URL of the rate limited API, e.g. https://api.kite.trade.")
	f.StringVar(&cfg.RulesFile, "proxy.rules-file", "", "YAML file with the priority classification rules. The built-in rules are used if empty.")
	f.Int64Var(&cfg.MaxBodySize, "proxy.max-body-size", 10*1024*1024, "Maximum size in bytes of a proxied request body.")
	f.DurationVar(&cfg.ServerShutdownTimeout, "server.shutdown-timeout", 30*time.Second, "Time to wait for in-progress requests when shutting down.")
	cfg.MarketHours.RegisterFlagsWithPrefix("market-hours.", f)
}

func (cfg *Config) Validate() error {
	if cfg.UpstreamURL == "" {
		return errMissingUpstream
	}
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return errors.Wrap(err, "invalid upstream URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream URL %q: scheme and host are required", cfg.UpstreamURL)
	}
	if cfg.MaxBodySize <= 0 {
		return errors.New("max body size must be greater than 0")
	}
	return nil
}

// Scheduler is the part of scheduler.Scheduler used by the proxy.
type Scheduler interface {
	Do(ctx context.Context, p priority.Priority, endpoint scheduler.Endpoint, work scheduler.WorkFunc, opts ...scheduler.EnqueueOption) (any, error)
	CancelRequest(id string) bool
	QueueStatus() scheduler.QueueStatus
}

type Proxy struct {
	services.Service

	cfg        Config
	logger     log.Logger
	scheduler  Scheduler
	classifier *priority.Classifier
	market     priority.SignalsProvider
	upstream   *upstream
	metrics    *Metrics
	inProgress *atomic.Int64

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	router     *mux.Router

	// The HTTP server used to run the proxy service.
	server     *server.Server
	serverDone chan error
}

// New builds the proxy. Requests served through Handler or the HTTP server started with the
// service go through sched.
func New(cfg Config, sched Scheduler, logger log.Logger, registerer prometheus.Registerer, gatherer prometheus.Gatherer) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rules := priority.DefaultRules
	if cfg.RulesFile != "" {
		f, err := os.Open(cfg.RulesFile)
		if err != nil {
			return nil, errors.Wrap(err, "opening rules file")
		}
		rules, err = priority.LoadRules(f)
		_ = f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "loading rules file %s", cfg.RulesFile)
		}
	}
	classifier, err := priority.NewClassifier(rules)
	if err != nil {
		return nil, err
	}

	hours, err := priority.NewMarketHours(cfg.MarketHours)
	if err != nil {
		return nil, errors.Wrap(err, "invalid market hours")
	}

	endpoint, _ := url.Parse(cfg.UpstreamURL)
	inProgress := atomic.NewInt64(0)
	p := &Proxy{
		cfg:        cfg,
		logger:     logger,
		scheduler:  sched,
		classifier: classifier,
		market:     marketSignals{hours: hours, clock: clock.New()},
		upstream:   newUpstream(endpoint),
		metrics:    NewMetrics(registerer, inProgress),
		inProgress: inProgress,
		registerer: registerer,
		gatherer:   gatherer,
	}
	if p.gatherer == nil {
		p.gatherer = prometheus.DefaultGatherer
	}
	p.router = mux.NewRouter()
	p.registerRoutes(p.router)
	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)
	return p, nil
}

func (p *Proxy) registerRoutes(router *mux.Router) {
	router.Path("/status").Methods(http.MethodGet).HandlerFunc(p.statusHandler)
	router.Path("/requests/{id}").Methods(http.MethodDelete).HandlerFunc(p.cancelHandler)
	router.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
	router.PathPrefix("/").Handler(http.HandlerFunc(p.forwardHandler))
}

// Handler returns an HTTP handler serving both the proxied API and the admin endpoints,
// without the server middlewares.
func (p *Proxy) Handler() http.Handler {
	return p.router
}

// Addr is the address the HTTP server listens on. Only valid once the service is running.
func (p *Proxy) Addr() net.Addr {
	return p.server.HTTPListenAddr()
}

func (p *Proxy) starting(_ context.Context) error {
	// Setup server first, so we can fail early if the ports are in use.
	serv, err := server.New(server.Config{
		HTTPListenNetwork:             server.DefaultNetwork,
		HTTPListenAddress:             p.cfg.ListenAddress,
		HTTPListenPort:                p.cfg.ListenPort,
		HTTPServerReadTimeout:         30 * time.Second,
		HTTPServerWriteTimeout:        2 * time.Minute,
		HTTPServerIdleTimeout:         2 * time.Minute,
		ServerGracefulShutdownTimeout: p.cfg.ServerShutdownTimeout,

		GRPCListenNetwork: server.DefaultNetwork,
		GRPCListenAddress: p.cfg.ListenAddress,
		GRPCListenPort:    p.cfg.GRPCListenPort,

		// Allow reporting HTTP 4xx codes in status_code label of request duration metrics
		ReportHTTP4XXCodesInInstrumentationLabel: true,

		// Metrics are exposed by the proxy's own /metrics route.
		MetricsNamespace:        "ordergate",
		Registerer:              p.registerer,
		RegisterInstrumentation: false,

		// Signals are handled by the process.
		SignalHandler: &ignoreSignalHandler{quit: make(chan struct{})},

		Log: p.logger,
	})
	if err != nil {
		return errors.Wrap(err, "creating HTTP server")
	}

	p.registerRoutes(serv.HTTP)
	p.server = serv
	level.Info(p.logger).Log("msg", "proxy listening", "addr", serv.HTTPListenAddr(), "upstream", p.cfg.UpstreamURL)
	return nil
}

func (p *Proxy) running(ctx context.Context) error {
	p.serverDone = make(chan error, 1)
	go func() {
		defer close(p.serverDone)
		p.serverDone <- p.server.Run()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-p.serverDone:
		if err != nil {
			return err
		}
		return errors.New("proxy server stopped unexpectedly")
	}
}

func (p *Proxy) stopping(_ error) error {
	// Shutdown drains in-progress requests and unblocks Run.
	p.server.Shutdown()
	if p.serverDone != nil {
		<-p.serverDone
	}
	p.server.Stop()
	level.Info(p.logger).Log("msg", "proxy server stopped")
	return nil
}

// ignoreSignalHandler replaces the server's own signal handling, which would stop the
// server without stopping the scheduler.
type ignoreSignalHandler struct {
	quit chan struct{}
	once sync.Once
}

func (h *ignoreSignalHandler) Loop() { <-h.quit }

func (h *ignoreSignalHandler) Stop() {
	h.once.Do(func() { close(h.quit) })
}

// marketSignals reports whether the market is open right now.
type marketSignals struct {
	hours *priority.MarketHours
	clock clock.Clock
}

func (m marketSignals) Signals() priority.Signals {
	return priority.Signals{MarketOpen: m.hours.IsOpen(m.clock.Now())}
}
