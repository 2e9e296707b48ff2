// SPDX-License-Identifier: AGPL-3.0-only

// Package ordergate wires the scheduler and the HTTP proxy into a single process.
package ordergate

import (
	"context"
	"flag"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ordergate/ordergate/pkg/proxy"
	"github.com/ordergate/ordergate/pkg/scheduler"
)

// Config is the root config of the ordergate process.
type Config struct {
	LogLevel  dslog.Level      `yaml:"log_level"`
	LogFormat string           `yaml:"log_format"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Proxy     proxy.Config     `yaml:"proxy"`
}

// RegisterFlags registers flags and sets the defaults of every config field.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", dslog.LogfmtFormat, "Output log messages in the given format. Valid formats: [logfmt, json]")
	c.Scheduler.RegisterFlags(f)
	c.Proxy.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if c.LogFormat != dslog.LogfmtFormat && c.LogFormat != dslog.JSONFormat {
		return errors.Errorf("unsupported log format %q", c.LogFormat)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return errors.Wrap(err, "invalid scheduler config")
	}
	if err := c.Proxy.Validate(); err != nil {
		return errors.Wrap(err, "invalid proxy config")
	}
	return nil
}

// Ordergate is the running process: a scheduler and the proxy in front of it.
type Ordergate struct {
	Cfg       Config
	Scheduler *scheduler.Scheduler
	Proxy     *proxy.Proxy

	logger log.Logger
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Ordergate, error) {
	sched, err := scheduler.New(cfg.Scheduler, logger, reg)
	if err != nil {
		return nil, err
	}

	p, err := proxy.New(cfg.Proxy, sched, logger, reg, gatherer)
	if err != nil {
		return nil, errors.Wrap(err, "initializing proxy")
	}

	return &Ordergate{Cfg: cfg, Scheduler: sched, Proxy: p, logger: logger}, nil
}

// Run starts all services and blocks until ctx is done or one of them fails, then stops
// everything.
func (o *Ordergate) Run(ctx context.Context) error {
	sm, err := services.NewManager(o.Scheduler, o.Proxy)
	if err != nil {
		return err
	}

	failed := make(chan error, 1)
	sm.AddListener(services.NewManagerListener(func() {}, func() {}, func(s services.Service) {
		select {
		case failed <- s.FailureCase():
		default:
		}
	}))

	if err := services.StartManagerAndAwaitHealthy(ctx, sm); err != nil {
		_ = services.StopManagerAndAwaitStopped(context.Background(), sm)
		return errors.Wrap(err, "starting services")
	}
	level.Info(o.logger).Log("msg", "ordergate started", "addr", o.Proxy.Addr(), "upstream", o.Cfg.Proxy.UpstreamURL)

	var runErr error
	select {
	case <-ctx.Done():
		level.Info(o.logger).Log("msg", "shutting down")
	case runErr = <-failed:
		level.Error(o.logger).Log("msg", "service failed, shutting down", "err", runErr)
	}

	if err := services.StopManagerAndAwaitStopped(context.Background(), sm); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
