package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/mosaicnetworks/murmur/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database
	DefaultBadgerFile = "badger_db"

	// DefaultPSKFile is the default name of the file containing the
	// private-network pre-shared key. Its absence simply means the node runs
	// on the public network.
	DefaultPSKFile = "swarm.key"
)

// Default configuration values.
const (
	DefaultLogLevel          = "debug"
	DefaultListenAddr        = "/ip4/0.0.0.0/tcp/0"
	DefaultServiceAddr       = "127.0.0.1:8000"
	DefaultDialTimeout       = 5 * time.Second
	DefaultQueryTimeout      = 5 * time.Minute
	DefaultExchangeTimeout   = 30 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMaxPool           = 2
	DefaultStore             = false
	DefaultTopic             = "murmur-chat"
	DefaultDiscoveryGroup    = "239.77.86.82:7373"
	DefaultAnnounceInterval  = 10 * time.Second
	DefaultBucketSize        = 20
	DefaultAlpha             = 3
	DefaultPutQuorum         = 1
	DefaultRecordTTL         = 36 * time.Hour
	DefaultProviderTTL       = 24 * time.Hour
	DefaultSeenCacheSize     = 4096
	DefaultEventBuffer       = 64

	// NoKeySeed disables deterministic key derivation.
	NoKeySeed = -1
)

// Config contains all the configuration properties of a Murmur node.
type Config struct {
	// DataDir is the top-level directory containing Murmur configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output to a file.
	LogFile string `mapstructure:"log-file"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// ListenAddr is the local multiaddress where this node accepts overlay
	// connections. The transport protocol of the address selects the stream
	// layer: /tcp listens on TCP, /udp/quic-v1 on QUIC. Port 0 binds an
	// ephemeral port, reported by a ListeningOn event.
	ListenAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the multiaddress that we advertise to
	// other nodes. In some cases, there may be a routable address that cannot
	// be bound.
	AdvertiseAddr string `mapstructure:"advertise"`

	// BootstrapPeers are multiaddresses, with trailing /p2p identities, that
	// the node dials at startup, in addition to the contents of
	// bootstrap.json.
	BootstrapPeers []string `mapstructure:"peer"`

	// KeySeed, when not NoKeySeed, derives the private key deterministically
	// from a single byte instead of reading the keyfile. Test and demo use
	// only.
	KeySeed int `mapstructure:"seed"`

	// NoLocalDiscovery disables the LAN multicast beacon.
	NoLocalDiscovery bool `mapstructure:"no-discovery"`

	// DiscoveryGroup is the multicast group:port of the LAN beacon.
	DiscoveryGroup string `mapstructure:"discovery-group"`

	// AnnounceInterval is the period of LAN beacon announcements. Peers
	// unheard for three intervals are expired.
	AnnounceInterval time.Duration `mapstructure:"announce"`

	// Topic is the pub/sub topic joined by the run command.
	Topic string `mapstructure:"topic"`

	// PSKFile overrides the location of the private-network pre-shared key.
	// When empty, DataDir/swarm.key is probed; a missing file means the node
	// runs on the public network.
	PSKFile string `mapstructure:"psk"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target.
	MaxPool int `mapstructure:"max-pool"`

	// DialTimeout is the timeout for establishing a connection, including the
	// security upgrade.
	DialTimeout time.Duration `mapstructure:"timeout"`

	// QueryTimeout bounds a whole iterative DHT query.
	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	// ExchangeTimeout bounds a request/response exchange, on both sides: a
	// requester that hears nothing fails with no-response, and a responder
	// that the application ignores answers with an error.
	ExchangeTimeout time.Duration `mapstructure:"exchange-timeout"`

	// HeartbeatInterval is the period of the liveness timer which pings known
	// peers and refreshes routing information.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// Store activates persistent storage for DHT records and provider
	// entries.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// BucketSize is the Kademlia K parameter: the size of each routing bucket
	// and the width of lookup result sets.
	BucketSize int `mapstructure:"bucket-size"`

	// Alpha is the lookup concurrency factor.
	Alpha int `mapstructure:"alpha"`

	// PutQuorum is the number of remote acknowledgements required for a
	// record write to succeed.
	PutQuorum int `mapstructure:"quorum"`

	// RecordTTL is the default lifetime of a stored record. Expiry is checked
	// when records are read.
	RecordTTL time.Duration `mapstructure:"record-ttl"`

	// ProviderTTL is the lifetime of a provider entry, refreshed whenever the
	// provider re-announces.
	ProviderTTL time.Duration `mapstructure:"provider-ttl"`

	// SeenCacheSize is the max number of message identifiers remembered for
	// gossip deduplication.
	SeenCacheSize int `mapstructure:"cache-size"`

	// EventBuffer is the capacity of the application event channel.
	EventBuffer int `mapstructure:"event-buffer"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:           DefaultDataDir(),
		LogLevel:          DefaultLogLevel,
		ListenAddr:        DefaultListenAddr,
		ServiceAddr:       DefaultServiceAddr,
		KeySeed:           NoKeySeed,
		DiscoveryGroup:    DefaultDiscoveryGroup,
		AnnounceInterval:  DefaultAnnounceInterval,
		Topic:             DefaultTopic,
		MaxPool:           DefaultMaxPool,
		DialTimeout:       DefaultDialTimeout,
		QueryTimeout:      DefaultQueryTimeout,
		ExchangeTimeout:   DefaultExchangeTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Store:             DefaultStore,
		DatabaseDir:       DefaultDatabaseDir(),
		BucketSize:        DefaultBucketSize,
		Alpha:             DefaultAlpha,
		PutQuorum:         DefaultPutQuorum,
		RecordTTL:         DefaultRecordTTL,
		ProviderTTL:       DefaultProviderTTL,
		SeenCacheSize:     DefaultSeenCacheSize,
		EventBuffer:       DefaultEventBuffer,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level Murmur directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// PSKPath returns the full path of the pre-shared key file: PSKFile if set,
// otherwise DataDir/swarm.key.
func (c *Config) PSKPath() string {
	if c.PSKFile != "" {
		return c.PSKFile
	}
	return filepath.Join(c.DataDir, DefaultPSKFile)
}

// Logger returns a formatted logrus Entry, with prefix set to "murmur".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				if level <= c.logger.Level {
					pathMap[level] = c.LogFile
				}
			}
			c.logger.Hooks.Add(lfshook.NewHook(pathMap, &logrus.JSONFormatter{}))
		}
	}
	return c.logger.WithField("prefix", "murmur")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory for top-level Murmur config.
// The MURMUR_PATH environment variable takes precedence; otherwise the
// location is based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	if murmurPath := os.Getenv("MURMUR_PATH"); murmurPath != "" {
		return murmurPath
	}

	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Murmur")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Murmur")
		} else {
			return filepath.Join(home, ".murmur")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
