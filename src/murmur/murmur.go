// Package murmur assembles the overlay node from its parts: keys, the
// secure transport, the DHT, the gossip engine, LAN discovery, the node
// event loop and the HTTP service. It is the programmatic entry point used
// by the CLI and by embedding applications.
package murmur

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/benbjohnson/clock"

	"github.com/mosaicnetworks/murmur/src/config"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/dht"
	"github.com/mosaicnetworks/murmur/src/discovery"
	"github.com/mosaicnetworks/murmur/src/gossip"
	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/mosaicnetworks/murmur/src/peers"
	"github.com/mosaicnetworks/murmur/src/service"
)

// Murmur is a peer-to-peer overlay node. Call Init to stage every
// component, then Run to start it; Client and Events are the application
// interface from then on.
type Murmur struct {
	Config    *config.Config
	Node      *node.Node
	Transport net.Transport
	Store     dht.Store
	DHT       *dht.DHT
	Gossip    *gossip.Gossip
	LAN       *discovery.LAN
	Service   *service.Service

	listenAddr multiaddr.Multiaddr
	psk        *[32]byte
	bootstrap  []peers.Contact
}

// NewMurmur is a factory method that returns a Murmur object with the given
// config. The object is not initialized.
func NewMurmur(config *config.Config) *Murmur {
	engine := &Murmur{
		Config: config,
	}

	return engine
}

func (m *Murmur) initKey() error {
	if m.Config.Key != nil {
		return nil
	}

	if m.Config.KeySeed != config.NoKeySeed {
		key, err := keys.GenerateSeededKey(uint8(m.Config.KeySeed))
		if err != nil {
			return err
		}
		m.Config.Logger().WithField("seed", m.Config.KeySeed).
			Warn("Using a deterministic seeded key; anyone can derive it")
		m.Config.Key = key
		return nil
	}

	keyfile := keys.NewSimpleKeyfile(m.Config.Keyfile())

	privKey, err := keyfile.ReadKey()
	if err != nil {
		m.Config.Logger().Warn("Cannot read private key from file", err)

		privKey, err = Keygen(m.Config.DataDir)
		if err != nil {
			m.Config.Logger().Error("Cannot generate a new private key", err)
			return err
		}

		m.Config.Logger().WithField("id",
			peers.IDFromPublicKey(&privKey.PublicKey)).Info("Created a new key")
	}

	m.Config.Key = privKey

	return nil
}

func (m *Murmur) initPSK() error {
	path := m.Config.PSKPath()

	psk, err := net.LoadPSK(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No swarm key simply means the public network.
			return nil
		}
		return fmt.Errorf("reading pre-shared key %s: %w", path, err)
	}

	m.Config.Logger().WithField("path", path).
		Info("Private network enabled; connections are gated by the swarm key")

	m.psk = &psk

	return nil
}

func (m *Murmur) initStore() error {
	if !m.Config.Store {
		m.Store = dht.NewInmemStore(clock.New())

		m.Config.Logger().Debug("created new in-mem store")
	} else {
		var err error

		m.Config.Logger().WithField("path", m.Config.DatabaseDir).
			Debug("Attempting to load or create database")

		m.Store, err = dht.NewBadgerStore(m.Config.DatabaseDir, clock.New())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *Murmur) initTransport() error {
	listen, err := multiaddr.Parse(m.Config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}

	network, _, err := listen.DialTarget()
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}

	m.listenAddr = listen

	advertise := ""
	if m.Config.AdvertiseAddr != "" {
		ma, err := multiaddr.Parse(m.Config.AdvertiseAddr)
		if err != nil {
			return fmt.Errorf("advertise address: %w", err)
		}
		advNetwork, hostPort, err := ma.DialTarget()
		if err != nil {
			return fmt.Errorf("advertise address: %w", err)
		}
		if advNetwork != network {
			return fmt.Errorf("advertise address %s is not a %s address",
				m.Config.AdvertiseAddr, network)
		}
		advertise = hostPort
	}

	switch network {
	case "tcp":
		m.Transport = net.NewTCPTransport(
			advertise,
			m.Config.Key,
			m.psk,
			m.Config.MaxPool,
			m.Config.DialTimeout,
			m.Config.ExchangeTimeout,
			m.Config.Logger(),
		)
	case "quic":
		trans, err := net.NewQUICTransport(
			advertise,
			m.Config.Key,
			m.psk,
			m.Config.MaxPool,
			m.Config.DialTimeout,
			m.Config.ExchangeTimeout,
			m.Config.Logger(),
		)
		if err != nil {
			return err
		}
		m.Transport = trans
	default:
		return fmt.Errorf("no transport for network %s", network)
	}

	return nil
}

// advertised lists the multiaddresses announced alongside the local
// identity. It is re-evaluated on use because the advertise address is only
// known once the transport is bound.
func (m *Murmur) advertised() []multiaddr.Multiaddr {
	addr := m.Transport.AdvertiseAddr()
	if addr == "" {
		return nil
	}

	ma, err := multiaddr.FromHostPort(m.Transport.NetworkName(), addr)
	if err != nil {
		return nil
	}

	return []multiaddr.Multiaddr{ma}
}

func (m *Murmur) initDHT() error {
	m.DHT = dht.NewDHT(
		m.advertised,
		m.Store,
		m.Transport,
		clock.New(),
		m.Config.Logger(),
		dht.Options{
			K:           m.Config.BucketSize,
			Alpha:       m.Config.Alpha,
			PutQuorum:   m.Config.PutQuorum,
			RecordTTL:   m.Config.RecordTTL,
			ProviderTTL: m.Config.ProviderTTL,
		},
	)

	m.Gossip = gossip.NewGossip(
		m.Config.Key,
		m.Config.SeenCacheSize,
		0,
		m.Config.Logger(),
	)

	return nil
}

func (m *Murmur) initDiscovery() error {
	if m.Config.NoLocalDiscovery {
		return nil
	}

	lan, err := discovery.NewLAN(
		m.Transport.LocalPeer(),
		m.advertised,
		m.Config.DiscoveryGroup,
		m.Config.AnnounceInterval,
		clock.New(),
		m.Config.Logger(),
	)
	if err != nil {
		return err
	}

	m.LAN = lan

	return nil
}

func (m *Murmur) initBootstrap() error {
	contacts, err := peers.NewJSONBootstrap(m.Config.DataDir).Contacts()
	if err != nil {
		return fmt.Errorf("reading bootstrap.json: %w", err)
	}

	m.bootstrap = contacts

	return nil
}

func (m *Murmur) initNode() error {
	conf := node.NewConfig(
		m.Config.HeartbeatInterval,
		m.Config.QueryTimeout,
		m.Config.ExchangeTimeout,
		m.Config.ProviderTTL/2,
		m.Config.EventBuffer,
		m.Config.Logger(),
	)

	var discoveryCh <-chan discovery.Event
	if m.LAN != nil {
		discoveryCh = m.LAN.Events()
	}

	m.Node = node.NewNode(
		conf,
		m.Transport,
		m.DHT,
		m.Gossip,
		discoveryCh,
		clock.New(),
	)

	return nil
}

func (m *Murmur) initService() error {
	if !m.Config.NoService && m.Config.ServiceAddr != "" {
		m.Service = service.NewService(m.Config.ServiceAddr, m.Node, m.Config.Logger())
	}
	return nil
}

// Init initializes the Murmur engine based on its configuration. Any failure
// here is fatal to the process: a node whose stack did not come up whole
// must not run.
func (m *Murmur) Init() error {
	if err := m.initKey(); err != nil {
		return err
	}

	if err := m.initPSK(); err != nil {
		return err
	}

	if err := m.initStore(); err != nil {
		return err
	}

	if err := m.initTransport(); err != nil {
		return err
	}

	if err := m.initDHT(); err != nil {
		return err
	}

	if err := m.initDiscovery(); err != nil {
		return err
	}

	if err := m.initBootstrap(); err != nil {
		return err
	}

	if err := m.initNode(); err != nil {
		return err
	}

	if err := m.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the engine: the service, the node event loop, the transport
// listener, LAN discovery, and the bootstrap round. It returns once the node
// is up; the caller drives it through Client and Events, and stops it with
// Shutdown.
func (m *Murmur) Run() error {
	if m.Service != nil {
		go m.Service.Serve()
	}

	go m.Node.Run()

	if err := m.Node.Client().StartListening(m.listenAddr); err != nil {
		m.Shutdown()
		return err
	}

	if m.LAN != nil {
		if err := m.LAN.Start(); err != nil {
			m.Shutdown()
			return err
		}
	}

	if len(m.bootstrap) > 0 {
		seeds := m.bootstrap
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.Config.QueryTimeout)
			defer cancel()
			if err := m.DHT.Bootstrap(ctx, seeds); err != nil {
				m.Config.Logger().WithError(err).Warn("DHT bootstrap failed")
			}
		}()
	}

	return nil
}

// Client returns the application-facing handle on the node.
func (m *Murmur) Client() *node.Client {
	return m.Node.Client()
}

// Events returns the channel of node events. It is closed by Shutdown.
func (m *Murmur) Events() <-chan node.Event {
	return m.Node.Events()
}

// ID returns the local peer identifier.
func (m *Murmur) ID() peers.PeerID {
	return m.Node.ID()
}

// Shutdown stops discovery, the node loop and the transport, and closes the
// store. It is idempotent.
func (m *Murmur) Shutdown() {
	if m.LAN != nil {
		m.LAN.Stop()
	}

	m.Node.Shutdown()

	if m.Store != nil {
		if err := m.Store.Close(); err != nil {
			m.Config.Logger().WithError(err).Debug("closing store")
		}
	}
}

// Keygen generates a new key pair and persists it under datadir, refusing to
// overwrite an existing key.
func Keygen(datadir string) (*ecdsa.PrivateKey, error) {
	keyfile := keys.NewSimpleKeyfile(fmt.Sprintf("%s/%s", datadir, config.DefaultKeyfile))

	if _, err := keyfile.ReadKey(); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", datadir)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(datadir, 0700); err != nil {
		return nil, err
	}

	if err := keyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
