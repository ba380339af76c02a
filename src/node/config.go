package node

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/murmur/src/common"
)

// Config holds the tunables of the node loop.
type Config struct {
	// HeartbeatInterval paces liveness pings and housekeeping.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// QueryTimeout bounds a whole iterative lookup.
	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	// ExchangeTimeout bounds a request/response exchange on both sides: the
	// requester stops waiting, and the responder expires the unused reply
	// capability, after this long.
	ExchangeTimeout time.Duration `mapstructure:"exchange-timeout"`

	// ProviderRefresh is how often local provider registrations are
	// re-announced to the network.
	ProviderRefresh time.Duration `mapstructure:"provider-refresh"`

	// EventBuffer is the capacity of the events channel.
	EventBuffer int `mapstructure:"event-buffer"`

	Logger *logrus.Entry `mapstructure:"-"`
}

// NewConfig ...
func NewConfig(
	heartbeat time.Duration,
	queryTimeout time.Duration,
	exchangeTimeout time.Duration,
	providerRefresh time.Duration,
	eventBuffer int,
	logger *logrus.Entry,
) *Config {

	return &Config{
		HeartbeatInterval: heartbeat,
		QueryTimeout:      queryTimeout,
		ExchangeTimeout:   exchangeTimeout,
		ProviderRefresh:   providerRefresh,
		EventBuffer:       eventBuffer,
		Logger:            logger,
	}
}

// DefaultConfig ...
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		HeartbeatInterval: 15 * time.Second,
		QueryTimeout:      5 * time.Minute,
		ExchangeTimeout:   30 * time.Second,
		ProviderRefresh:   12 * time.Hour,
		EventBuffer:       64,
		Logger:            logrus.NewEntry(logger),
	}
}

// TestConfig returns a config tuned for tests: short exchange windows so
// timeout paths run quickly, and a heartbeat long enough to stay out of the
// way. Tests that exercise the heartbeat set their own interval.
func TestConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.HeartbeatInterval = time.Hour
	config.QueryTimeout = 5 * time.Second
	config.ExchangeTimeout = 300 * time.Millisecond
	config.Logger = common.NewTestEntry(t, common.TestLogLevel)
	return config
}
