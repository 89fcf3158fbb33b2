package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
)

// Duration is a time.Duration wrapper that can be decoded from TOML strings
// like "60s" or "5m".
type Duration struct {
	time.Duration
}

// NewDuration creates a Duration from time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText implements encoding.TextUnmarshaler, used by toml.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds the tunables of the transaction core.
type Config struct {
	// Directory holding the data engine and the record log engine.
	DBPath string `toml:"db-path"`

	LogLevel string `toml:"log-level"`

	// TransactionLifetime is how long an in-progress transaction may stay
	// open before the expiry sweeper is allowed to abort it.
	TransactionLifetime Duration `toml:"transaction-lifetime"`

	// MaxTransactionBytes bounds the cumulative size of operations buffered
	// by one transaction.
	MaxTransactionBytes uint64 `toml:"max-transaction-bytes"`

	// CoordinatorDeadline is how long a created coordinator waits for its
	// participant list before it is canceled.
	CoordinatorDeadline Duration `toml:"coordinator-deadline"`

	// RetryInitialInterval and RetryMaxInterval shape the exponential
	// backoff used when re-sending two-phase commit commands to a shard.
	RetryInitialInterval Duration `toml:"retry-initial-interval"`
	RetryMaxInterval     Duration `toml:"retry-max-interval"`
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

// NewDefaultConfig returns a Config with the defaults used in production.
func NewDefaultConfig() *Config {
	return &Config{
		DBPath:               "/tmp/docshard",
		LogLevel:             getLogLevel(),
		TransactionLifetime:  NewDuration(60 * time.Second),
		MaxTransactionBytes:  16 * MB,
		CoordinatorDeadline:  NewDuration(60 * time.Second),
		RetryInitialInterval: NewDuration(time.Second),
		RetryMaxInterval:     NewDuration(30 * time.Second),
	}
}

// NewTestConfig returns a Config with small limits and fast retries, suitable
// for unit tests.
func NewTestConfig() *Config {
	c := NewDefaultConfig()
	c.TransactionLifetime = NewDuration(5 * time.Second)
	c.MaxTransactionBytes = 64 * KB
	c.CoordinatorDeadline = NewDuration(2 * time.Second)
	c.RetryInitialInterval = NewDuration(time.Millisecond)
	c.RetryMaxInterval = NewDuration(10 * time.Millisecond)
	return c
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path must not be empty")
	}
	if c.TransactionLifetime.Duration <= 0 {
		return fmt.Errorf("transaction-lifetime must be positive")
	}
	if c.MaxTransactionBytes == 0 {
		return fmt.Errorf("max-transaction-bytes must be positive")
	}
	if c.CoordinatorDeadline.Duration <= 0 {
		return fmt.Errorf("coordinator-deadline must be positive")
	}
	if c.RetryInitialInterval.Duration <= 0 {
		return fmt.Errorf("retry-initial-interval must be positive")
	}
	if c.RetryMaxInterval.Duration < c.RetryInitialInterval.Duration {
		log.Warn("retry-max-interval is below retry-initial-interval, backoff will not grow")
	}
	return nil
}
