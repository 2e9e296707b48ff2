// SPDX-License-Identifier: AGPL-3.0-only

package scheduler

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Config is the rate limit configuration of a Scheduler. Each upstream with its own quota
// gets its own Scheduler and Config.
type Config struct {
	RequestsPerSecond int           `yaml:"requests_per_second"`
	BurstLimit        int           `yaml:"burst_limit"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay" category:"advanced"`
	MaxRetries        int           `yaml:"max_retries"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetryRate      float64       `yaml:"max_retry_rate" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("scheduler.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.RequestsPerSecond, prefix+"requests-per-second", 3, "Maximum number of requests per second sent upstream. Consecutive requests are spaced at least 1s divided by this value apart.")
	f.IntVar(&cfg.BurstLimit, prefix+"burst-limit", 3, "Maximum number of requests sent upstream within a single 1s window.")
	f.DurationVar(&cfg.RetryDelay, prefix+"retry-delay", 1200*time.Millisecond, "Base delay before retrying a failed request. Upstream rate limit rejections wait twice this value, other retryable failures back off exponentially from it.")
	f.DurationVar(&cfg.MaxRetryDelay, prefix+"max-retry-delay", 0, "Upper bound of the delay between retries. 0 to disable.")
	f.IntVar(&cfg.MaxRetries, prefix+"max-retries", 3, "Default number of retries of a request failing with a retryable error. Can be overridden per request.")
	f.DurationVar(&cfg.Timeout, prefix+"timeout", 10*time.Second, "Maximum time a single attempt may take. Timed out requests are not retried.")
	f.Float64Var(&cfg.MaxRetryRate, prefix+"max-retry-rate", 0, "Maximum number of retries per second across all requests. 0 to disable.")
}

func (cfg *Config) Validate() error {
	if cfg.RequestsPerSecond <= 0 {
		return errors.New("requests per second must be greater than 0")
	}
	if cfg.BurstLimit <= 0 {
		return errors.New("burst limit must be greater than 0")
	}
	if cfg.RetryDelay < 0 {
		return errors.New("retry delay must not be negative")
	}
	if cfg.MaxRetryDelay < 0 {
		return errors.New("max retry delay must not be negative")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be greater than 0")
	}
	if cfg.MaxRetryRate < 0 {
		return errors.New("max retry rate must not be negative")
	}
	return nil
}

// DefaultConfig returns a Config populated with the flag defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}

// SerialConfig returns a configuration admitting a single dispatch per one second window,
// so that consecutive requests are at least a second apart. Used with a single priority
// it behaves as a plain FIFO spacing queue.
func SerialConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 1
	cfg.BurstLimit = 1
	return cfg
}
