// Package config holds the locator and session factory settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/risa-org/hacore/logger"
)

const (
	DefaultRetryInterval            = 2 * time.Second
	DefaultClientFailureCheckPeriod = 30 * time.Second
	DefaultConnectionTTL            = 60 * time.Second
	DefaultCallTimeout              = 30 * time.Second
	DefaultProducerWindowSize       = 64 * 1024
	DefaultHealthPeriod             = 5 * time.Second
	DefaultHealthTimeout            = time.Second
	DefaultFailureThreshold         = 3

	// Unbounded disables a window or attempt limit.
	Unbounded = -1
)

// Discovery strategies for the initial connect.
const (
	DiscoveryStatic  = "static"
	DiscoveryDynamic = "dynamic"
)

// Duration is a time.Duration that reads "250ms" style strings from TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Size is a byte count that reads "64KiB", "1MB" or a plain number, and -1
// for unbounded.
type Size int64

func (s *Size) UnmarshalText(text []byte) error {
	str := strings.TrimSpace(string(text))
	if str == "-1" {
		*s = Unbounded
		return nil
	}
	v, err := humanize.ParseBytes(str)
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	if s < 0 {
		return []byte("-1"), nil
	}
	return []byte(humanize.IBytes(uint64(s))), nil
}

// Health configures the network health check.
type Health struct {
	Addresses        []string `toml:"addresses"`
	Period           Duration `toml:"period"`
	Timeout          Duration `toml:"timeout"`
	RetryInterval    Duration `toml:"retry-interval"`
	FailureThreshold int      `toml:"failure-threshold"`
}

// Config is the full set of options recognised by the locator.
type Config struct {
	BlockOnDurableSend    bool `toml:"block-on-durable-send"`
	BlockOnNonDurableSend bool `toml:"block-on-non-durable-send"`
	BlockOnAcknowledge    bool `toml:"block-on-acknowledge"`

	ReconnectAttempts       int      `toml:"reconnect-attempts"`
	InitialConnectAttempts  int      `toml:"initial-connect-attempts"`
	RetryInterval           Duration `toml:"retry-interval"`
	RetryIntervalMultiplier float64  `toml:"retry-interval-multiplier"`
	MaxRetryInterval        Duration `toml:"max-retry-interval"`

	ConfirmationWindowSize int  `toml:"confirmation-window-size"`
	ProducerWindowSize     Size `toml:"producer-window-size"`

	ClientFailureCheckPeriod Duration `toml:"client-failure-check-period"`
	ConnectionTTL            Duration `toml:"connection-ttl"`
	CallTimeout              Duration `toml:"call-timeout"`

	Discovery          string   `toml:"discovery"`
	Connectors         []string `toml:"connectors"`
	BootstrapConnector string   `toml:"bootstrap-connector"`

	Health  Health        `toml:"health"`
	Logging logger.Config `toml:"logging"`
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		BlockOnDurableSend:       true,
		ReconnectAttempts:        0,
		InitialConnectAttempts:   1,
		RetryInterval:            Duration(DefaultRetryInterval),
		RetryIntervalMultiplier:  1,
		MaxRetryInterval:         Duration(DefaultRetryInterval),
		ConfirmationWindowSize:   Unbounded,
		ProducerWindowSize:       DefaultProducerWindowSize,
		ClientFailureCheckPeriod: Duration(DefaultClientFailureCheckPeriod),
		ConnectionTTL:            Duration(DefaultConnectionTTL),
		CallTimeout:              Duration(DefaultCallTimeout),
		Discovery:                DiscoveryStatic,
		Health: Health{
			Period:           Duration(DefaultHealthPeriod),
			Timeout:          Duration(DefaultHealthTimeout),
			RetryInterval:    Duration(DefaultHealthTimeout),
			FailureThreshold: DefaultFailureThreshold,
		},
		Logging: logger.NewConfig(),
	}
}

// Load reads a TOML file over the defaults.
func Load(path string) (Config, error) {
	c := NewConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if _, err := toml.Decode(string(b), &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, c.Validate()
}

// ValidationError reports one invalid option.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s=%v: %s", e.Field, e.Value, e.Message)
}

func invalid(field string, value interface{}, msg string) error {
	return &ValidationError{Field: field, Value: value, Message: msg}
}

// Validate returns the first invalid option.
func (c Config) Validate() error {
	switch {
	case c.ReconnectAttempts < Unbounded:
		return invalid("reconnect-attempts", c.ReconnectAttempts, "must be >= 0 or -1 for unlimited")
	case c.InitialConnectAttempts < Unbounded || c.InitialConnectAttempts == 0:
		return invalid("initial-connect-attempts", c.InitialConnectAttempts, "must be >= 1 or -1 for unlimited")
	case c.ConfirmationWindowSize < Unbounded || c.ConfirmationWindowSize == 0:
		return invalid("confirmation-window-size", c.ConfirmationWindowSize, "must be >= 1 or -1 for unbounded")
	case c.ProducerWindowSize < Unbounded || c.ProducerWindowSize == 0:
		return invalid("producer-window-size", c.ProducerWindowSize, "must be > 0 or -1 for unbounded")
	case c.RetryInterval <= 0:
		return invalid("retry-interval", time.Duration(c.RetryInterval), "must be positive")
	case c.RetryIntervalMultiplier < 1:
		return invalid("retry-interval-multiplier", c.RetryIntervalMultiplier, "must be >= 1")
	case c.MaxRetryInterval < c.RetryInterval:
		return invalid("max-retry-interval", time.Duration(c.MaxRetryInterval), "must be >= retry-interval")
	case c.ClientFailureCheckPeriod <= 0:
		return invalid("client-failure-check-period", time.Duration(c.ClientFailureCheckPeriod), "must be positive")
	case c.ConnectionTTL > 0 && c.ConnectionTTL < c.ClientFailureCheckPeriod:
		return invalid("connection-ttl", time.Duration(c.ConnectionTTL), "must not be shorter than client-failure-check-period")
	case c.CallTimeout <= 0:
		return invalid("call-timeout", time.Duration(c.CallTimeout), "must be positive")
	case c.Discovery != DiscoveryStatic && c.Discovery != DiscoveryDynamic:
		return invalid("discovery", c.Discovery, `must be "static" or "dynamic"`)
	case c.Discovery == DiscoveryStatic && len(c.Connectors) == 0:
		return invalid("connectors", c.Connectors, "static discovery needs at least one connector")
	case c.Discovery == DiscoveryDynamic && c.BootstrapConnector == "":
		return invalid("bootstrap-connector", c.BootstrapConnector, "dynamic discovery needs a bootstrap connector")
	case len(c.Health.Addresses) > 0 && c.Health.FailureThreshold < 1:
		return invalid("health.failure-threshold", c.Health.FailureThreshold, "must be >= 1")
	case len(c.Health.Addresses) > 0 && c.Health.Period <= 0:
		return invalid("health.period", time.Duration(c.Health.Period), "must be positive")
	}
	return nil
}
