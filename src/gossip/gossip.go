package gossip

import (
	"crypto/ecdsa"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/murmur/src/peers"
)

var (
	// ErrNotSubscribed is returned when publishing to a topic the local
	// node is not subscribed to.
	ErrNotSubscribed = errors.New("not subscribed to topic")

	// ErrNoPeers is returned when publishing to a topic with no admitted
	// peer subscribed to it.
	ErrNoPeers = errors.New("no peers for topic")
)

// Defaults for the dedup cache.
const (
	DefaultSeenCacheSize = 4096
	DefaultSeenCacheTTL  = 2 * time.Minute
)

// Message is a validated envelope ready for local delivery.
type Message struct {
	Topic string
	From  peers.PeerID
	Data  []byte
	ID    string
}

type peerState struct {
	contact  peers.Contact
	topics   map[string]bool
	noGossip bool
}

// Gossip is the pub/sub state machine. It is safe for concurrent use.
type Gossip struct {
	mtx sync.Mutex

	self  peers.PeerID
	key   *ecdsa.PrivateKey
	seqno uint64

	topics map[string]bool
	peers  map[peers.PeerID]*peerState
	seen   *expirable.LRU[string, struct{}]

	logger *logrus.Entry
}

// NewGossip instantiates the engine around the node's signing key.
// Non-positive cache parameters take the defaults.
func NewGossip(key *ecdsa.PrivateKey, seenSize int, seenTTL time.Duration, logger *logrus.Entry) *Gossip {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	if seenSize <= 0 {
		seenSize = DefaultSeenCacheSize
	}
	if seenTTL <= 0 {
		seenTTL = DefaultSeenCacheTTL
	}

	return &Gossip{
		self:   peers.IDFromPublicKey(&key.PublicKey),
		key:    key,
		topics: make(map[string]bool),
		peers:  make(map[peers.PeerID]*peerState),
		seen:   expirable.NewLRU[string, struct{}](seenSize, nil, seenTTL),
		logger: logger,
	}
}

//==============================================================================
//Subscriptions

// Subscribe adds a local subscription. It reports whether the set changed,
// in which case the caller should announce the new set to its peers.
func (g *Gossip) Subscribe(topic string) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.topics[topic] {
		return false
	}
	g.topics[topic] = true
	return true
}

// Unsubscribe removes a local subscription. It reports whether the set
// changed.
func (g *Gossip) Unsubscribe(topic string) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if !g.topics[topic] {
		return false
	}
	delete(g.topics, topic)
	return true
}

// Topics returns the local subscription set, sorted.
func (g *Gossip) Topics() []string {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	out := make([]string, 0, len(g.topics))
	for t := range g.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

//==============================================================================
//Admitted peers

// Admit adds a peer to the admitted set. It reports whether the peer is new;
// a known peer only refreshes its contact addresses.
func (g *Gossip) Admit(c peers.Contact) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if c.ID.IsZero() || c.ID == g.self {
		return false
	}

	if ps, ok := g.peers[c.ID]; ok {
		ps.contact = c
		return false
	}

	g.peers[c.ID] = &peerState{
		contact: c,
		topics:  make(map[string]bool),
	}
	return true
}

// Expire removes a peer from the admitted set. Messages signed by it stop
// being accepted; any transport connection stays up.
func (g *Gossip) Expire(id peers.PeerID) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	delete(g.peers, id)
}

// UpdateSubscriptions replaces a peer's announced topic set. Announcements
// from peers that are not admitted are ignored.
func (g *Gossip) UpdateSubscriptions(id peers.PeerID, topics []string) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	ps, ok := g.peers[id]
	if !ok {
		return false
	}

	ps.topics = make(map[string]bool, len(topics))
	for _, t := range topics {
		ps.topics[t] = true
	}
	return true
}

// MarkUnsupported flags a peer that answered a gossip command with
// "unsupported command". Flagged peers drop out of every fan-out set. It
// reports whether the peer was newly flagged, so the caller can surface the
// downgrade exactly once.
func (g *Gossip) MarkUnsupported(id peers.PeerID) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	ps, ok := g.peers[id]
	if !ok || ps.noGossip {
		return false
	}
	ps.noGossip = true
	return true
}

// AdmittedPeers returns the contacts of all admitted peers, sorted.
func (g *Gossip) AdmittedPeers() []peers.Contact {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	out := make([]peers.Contact, 0, len(g.peers))
	for _, ps := range g.peers {
		out = append(out, ps.contact)
	}
	peers.SortContacts(out)
	return out
}

// AnnounceTargets returns the admitted peers that speak gossip; subscription
// announcements go to them.
func (g *Gossip) AnnounceTargets() []peers.Contact {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	var out []peers.Contact
	for _, ps := range g.peers {
		if ps.noGossip {
			continue
		}
		out = append(out, ps.contact)
	}
	peers.SortContacts(out)
	return out
}

// TopicPeers returns the admitted gossip peers subscribed to topic, sorted.
func (g *Gossip) TopicPeers(topic string) []peers.Contact {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.fanout(topic)
}

// fanout computes a flood target set: admitted gossip peers subscribed to
// topic, minus the excluded identities. Callers hold the lock.
func (g *Gossip) fanout(topic string, exclude ...peers.PeerID) []peers.Contact {
	var out []peers.Contact

loop:
	for id, ps := range g.peers {
		if ps.noGossip || !ps.topics[topic] {
			continue
		}
		for _, ex := range exclude {
			if id == ex {
				continue loop
			}
		}
		out = append(out, ps.contact)
	}

	peers.SortContacts(out)
	return out
}

//==============================================================================
//Publish and receive

// Publish signs data under topic and returns the envelope plus its fan-out
// set. The local node must be subscribed and at least one admitted peer must
// be subscribed; both are checked before anything leaves the node. The
// caller performs the sends.
func (g *Gossip) Publish(topic string, data []byte) (Envelope, []peers.Contact, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if !g.topics[topic] {
		return Envelope{}, nil, ErrNotSubscribed
	}

	targets := g.fanout(topic, g.self)
	if len(targets) == 0 {
		return Envelope{}, nil, ErrNoPeers
	}

	g.seqno++

	env := Envelope{
		Topic: topic,
		Seqno: g.seqno,
		Data:  data,
	}
	if err := env.Sign(g.key); err != nil {
		return Envelope{}, nil, err
	}

	// Mark our own message seen so a forwarded copy cannot come back as a
	// delivery.
	id, err := env.ID()
	if err != nil {
		return Envelope{}, nil, err
	}
	g.seen.Add(id, struct{}{})

	return env, targets, nil
}

// HandleEnvelope validates an inbound envelope. It returns the local
// delivery when the node is subscribed to the topic, and the contacts the
// envelope should be forwarded to; the forwarding set excludes the peer it
// arrived from and the origin. Invalid envelopes, duplicates, and envelopes
// whose signer is not admitted on the topic yield nothing beyond a debug
// log.
func (g *Gossip) HandleEnvelope(env Envelope, via peers.PeerID) (*Message, []peers.Contact) {
	if env.Topic == "" {
		g.logger.Debug("dropping envelope without topic")
		return nil, nil
	}

	signer, err := env.Verify()
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"topic": env.Topic,
			"error": err,
		}).Debug("dropping unverifiable envelope")
		return nil, nil
	}

	id, err := env.ID()
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"topic": env.Topic,
			"error": err,
		}).Debug("dropping unidentifiable envelope")
		return nil, nil
	}

	g.mtx.Lock()
	defer g.mtx.Unlock()

	if _, dup := g.seen.Get(id); dup {
		return nil, nil
	}
	g.seen.Add(id, struct{}{})

	ps, ok := g.peers[signer]
	if !ok || !ps.topics[env.Topic] {
		g.logger.WithFields(logrus.Fields{
			"topic":  env.Topic,
			"signer": signer.ShortString(),
		}).Debug("dropping envelope from unadmitted publisher")
		return nil, nil
	}

	targets := g.fanout(env.Topic, via, signer, g.self)

	var msg *Message
	if g.topics[env.Topic] {
		msg = &Message{
			Topic: env.Topic,
			From:  signer,
			Data:  env.Data,
			ID:    id,
		}
	}

	return msg, targets
}
