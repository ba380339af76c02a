package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mosaicnetworks/murmur/src/config"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for Murmur
var RootCmd = &cobra.Command{
	Use:              "murmur",
	Short:            "murmur p2p overlay",
	TraverseChildren: true,
}

func init() {
	RootCmd.PersistentFlags().StringP("datadir", "d", _config.DataDir, "Top-level directory for configuration and data")
	RootCmd.PersistentFlags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	RootCmd.PersistentFlags().String("log-file", _config.LogFile, "Duplicate log output to this file")
	RootCmd.PersistentFlags().String("moniker", _config.Moniker, "Optional name")

	// Network
	RootCmd.PersistentFlags().StringP("listen", "l", _config.ListenAddr, "Listen multiaddress for the overlay node")
	RootCmd.PersistentFlags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise multiaddress for the overlay node")
	RootCmd.PersistentFlags().StringArrayP("peer", "p", nil, "Multiaddress of a peer to dial at startup; repeatable")
	RootCmd.PersistentFlags().DurationP("timeout", "t", _config.DialTimeout, "Dial timeout, security upgrade included")
	RootCmd.PersistentFlags().Int("max-pool", _config.MaxPool, "Connection pool size max")
	RootCmd.PersistentFlags().String("psk", _config.PSKFile, "Path of the private-network swarm key")

	// Identity
	RootCmd.PersistentFlags().Int("seed", _config.KeySeed, "Derive the key from a single byte instead of the keyfile; insecure")

	// Discovery
	RootCmd.PersistentFlags().Bool("no-discovery", _config.NoLocalDiscovery, "Disable the LAN multicast beacon")
	RootCmd.PersistentFlags().String("discovery-group", _config.DiscoveryGroup, "Multicast group:port of the LAN beacon")
	RootCmd.PersistentFlags().Duration("announce", _config.AnnounceInterval, "Period of LAN beacon announcements")

	// Service
	RootCmd.PersistentFlags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	RootCmd.PersistentFlags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP service")

	// Store
	RootCmd.PersistentFlags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	RootCmd.PersistentFlags().String("db", _config.DatabaseDir, "Database directory")

	// DHT
	RootCmd.PersistentFlags().Int("bucket-size", _config.BucketSize, "Size of each routing bucket")
	RootCmd.PersistentFlags().Int("alpha", _config.Alpha, "Lookup concurrency factor")
	RootCmd.PersistentFlags().Int("quorum", _config.PutQuorum, "Remote acks required for a record write")
	RootCmd.PersistentFlags().Duration("record-ttl", _config.RecordTTL, "Default lifetime of stored records")
	RootCmd.PersistentFlags().Duration("provider-ttl", _config.ProviderTTL, "Lifetime of provider registrations")
	RootCmd.PersistentFlags().Duration("query-timeout", _config.QueryTimeout, "Timeout of a whole iterative query")

	// Node
	RootCmd.PersistentFlags().Duration("heartbeat", _config.HeartbeatInterval, "Time between liveness pings")
	RootCmd.PersistentFlags().Duration("exchange-timeout", _config.ExchangeTimeout, "Reply window of a request/response exchange")
	RootCmd.PersistentFlags().Int("cache-size", _config.SeenCacheSize, "Number of message ids remembered for gossip dedup")
	RootCmd.PersistentFlags().Int("event-buffer", _config.EventBuffer, "Capacity of the application event channel")
}

// loadConfig reads the configuration into _config, CLI flags first, then the
// optional murmur.toml (.json, .yaml) in datadir. It is the PreRunE of every
// command that builds a node.
func loadConfig(cmd *cobra.Command, args []string) error {

	if err := bindFlagsLoadViper(cmd); err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":           _config.DataDir,
		"ListenAddr":        _config.ListenAddr,
		"AdvertiseAddr":     _config.AdvertiseAddr,
		"BootstrapPeers":    _config.BootstrapPeers,
		"NoLocalDiscovery":  _config.NoLocalDiscovery,
		"Topic":             _config.Topic,
		"ServiceAddr":       _config.ServiceAddr,
		"Store":             _config.Store,
		"MaxPool":           _config.MaxPool,
		"DialTimeout":       _config.DialTimeout,
		"QueryTimeout":      _config.QueryTimeout,
		"ExchangeTimeout":   _config.ExchangeTimeout,
		"HeartbeatInterval": _config.HeartbeatInterval,
		"BucketSize":        _config.BucketSize,
		"Alpha":             _config.Alpha,
		"PutQuorum":         _config.PutQuorum,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all
	// other persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/murmur.toml (.json, .yaml also work)
	viper.SetConfigName("murmur")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
