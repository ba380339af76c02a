// Package dht implements Kademlia-style content routing for the overlay:
// a 256-bit XOR keyspace shared by peers and content keys, k-bucket routing
// tables, iterative lookups, provider registrations and replicated records.
package dht

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/peers"
)

var (
	// ErrNoReachablePeers is returned when a lookup cannot start because
	// the routing table is empty, or ends without a single peer answering.
	ErrNoReachablePeers = errors.New("no reachable peers")

	// ErrInsufficientQuorum is returned when a write gathers fewer remote
	// acknowledgements than the requested quorum. The local copy never
	// counts toward the quorum.
	ErrInsufficientQuorum = errors.New("insufficient write quorum")

	// ErrNotFound is returned when no live record exists under a key.
	ErrNotFound = errors.New("record not found")
)

// Defaults for the tunables in Options.
const (
	DefaultK           = 20
	DefaultAlpha       = 3
	DefaultPutQuorum   = 1
	DefaultRecordTTL   = 36 * time.Hour
	DefaultProviderTTL = 24 * time.Hour
)

// Public-key records live under a conventional key namespace. They are
// written with a stricter quorum and a short TTL, because their consumers
// re-resolve often and staleness is worse than a miss.
const (
	PublicKeyPrefix    = "/pk/"
	PublicKeyPutQuorum = 3
	PublicKeyRecordTTL = 60 * time.Second
)

// PublicKeyKey returns the conventional record key for a peer's public key.
func PublicKeyKey(id peers.PeerID) string {
	return PublicKeyPrefix + id.String()
}

// Options tune the DHT. Zero values fall back to the defaults above.
type Options struct {
	K           int
	Alpha       int
	PutQuorum   int
	RecordTTL   time.Duration
	ProviderTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.K <= 0 {
		o.K = DefaultK
	}
	if o.Alpha <= 0 {
		o.Alpha = DefaultAlpha
	}
	if o.PutQuorum <= 0 {
		o.PutQuorum = DefaultPutQuorum
	}
	if o.RecordTTL <= 0 {
		o.RecordTTL = DefaultRecordTTL
	}
	if o.ProviderTTL <= 0 {
		o.ProviderTTL = DefaultProviderTTL
	}
	return o
}

// DHT glues the routing table, the record store and the transport into the
// content routing engine. The Handle methods serve inbound commands and are
// cheap; the lookup methods block on network rounds and are meant to run in
// worker goroutines.
type DHT struct {
	self      peers.PeerID
	advertise func() []multiaddr.Multiaddr

	routing *RoutingTable
	store   Store
	trans   net.Transport
	clk     clock.Clock
	opts    Options

	logger *logrus.Entry
}

// NewDHT instantiates a DHT around an existing transport. The advertise
// callback supplies the addresses announced alongside the local identity;
// it is consulted on every outbound request so late-bound listen addresses
// are picked up.
func NewDHT(
	advertise func() []multiaddr.Multiaddr,
	store Store,
	trans net.Transport,
	clk clock.Clock,
	logger *logrus.Entry,
	opts Options,
) *DHT {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	opts = opts.withDefaults()

	return &DHT{
		self:      trans.LocalPeer(),
		advertise: advertise,
		routing:   NewRoutingTable(trans.LocalPeer(), opts.K),
		store:     store,
		trans:     trans,
		clk:       clk,
		opts:      opts,
		logger:    logger,
	}
}

// Routing exposes the routing table, shared with the node loop.
func (d *DHT) Routing() *RoutingTable {
	return d.routing
}

// StoreCounts reports how many records and provider registrations the local
// store holds.
func (d *DHT) StoreCounts() (records int, providers int, err error) {
	return d.store.Counts()
}

func (d *DHT) selfContact() peers.Contact {
	var addrs []multiaddr.Multiaddr
	if d.advertise != nil {
		addrs = d.advertise()
	}
	return peers.Contact{ID: d.self, Addrs: addrs}
}

// call tries the contact's addresses that match the transport's network
// until one carries a successful RPC.
func (d *DHT) call(c peers.Contact, fn func(target string) error) error {
	return net.TryContact(d.trans, c, fn)
}

//==============================================================================
//Inbound handlers, called by the node loop

// Observe refreshes the routing table with a contact whose identity was
// verified by the transport.
func (d *DHT) Observe(c peers.Contact) {
	d.routing.Update(c)
}

// HandleFindNode serves an inbound FindNode.
func (d *DHT) HandleFindNode(target peers.PeerID) []peers.Contact {
	return d.routing.Closest(target, d.opts.K)
}

// HandleAddProvider registers a provider. It reports false when the
// registration is malformed.
func (d *DHT) HandleAddProvider(key string, provider peers.Contact) bool {
	if key == "" || provider.ID.IsZero() {
		return false
	}

	entry := ProviderEntry{
		Provider: provider,
		Expires:  d.clk.Now().Add(d.opts.ProviderTTL),
	}

	if err := d.store.AddProvider(key, entry); err != nil {
		d.logger.WithFields(logrus.Fields{
			"key":   key,
			"error": err,
		}).Error("Failed to store provider")
		return false
	}

	return true
}

// HandleGetProviders serves the local providers of a key plus the closest
// contacts to it, so the requester can keep iterating.
func (d *DHT) HandleGetProviders(key string) ([]peers.Contact, []peers.Contact) {
	var providers []peers.Contact

	entries, err := d.store.Providers(key)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"key":   key,
			"error": err,
		}).Error("Failed to read providers")
	}

	for _, e := range entries {
		providers = append(providers, e.Provider)
	}

	return providers, d.routing.Closest(KeyID(key), d.opts.K)
}

// HandlePutRecord stores a replicated record. It reports false when the
// record is malformed or already dead. Remote expiries are capped to the
// local record TTL.
func (d *DHT) HandlePutRecord(rec Record) bool {
	if rec.Key == "" || len(rec.Value) == 0 || rec.Expired(d.clk.Now()) {
		return false
	}

	if limit := d.clk.Now().Add(d.opts.RecordTTL); rec.Expires.After(limit) {
		rec.Expires = limit
	}

	if err := d.store.PutRecord(rec); err != nil {
		d.logger.WithFields(logrus.Fields{
			"key":   rec.Key,
			"error": err,
		}).Error("Failed to store record")
		return false
	}

	return true
}

// HandleGetRecord serves the local record under a key (nil when absent or
// expired) plus the closest contacts to it.
func (d *DHT) HandleGetRecord(key string) (*Record, []peers.Contact) {
	rec, err := d.store.GetRecord(key)
	if err != nil {
		rec = nil
	}
	return rec, d.routing.Closest(KeyID(key), d.opts.K)
}

//==============================================================================
//Lookups

// queryFn performs one remote query during an iterative lookup and returns
// contacts to merge into the shortlist. Returning done ends the lookup early.
type queryFn func(c peers.Contact) (closer []peers.Contact, done bool, err error)

// lookupState is the shortlist of one iterative lookup: candidate contacts
// sorted by distance to the target, with query bookkeeping. It is only
// touched by the lookup's collector goroutine.
type lookupState struct {
	target  peers.PeerID
	self    peers.PeerID
	entries []peers.Contact
	queried map[peers.PeerID]bool
	known   map[peers.PeerID]bool
}

func newLookupState(self, target peers.PeerID, seed []peers.Contact) *lookupState {
	ls := &lookupState{
		target:  target,
		self:    self,
		queried: make(map[peers.PeerID]bool),
		known:   make(map[peers.PeerID]bool),
	}
	for _, c := range seed {
		ls.add(c)
	}
	return ls
}

// add inserts a new candidate in distance order.
func (ls *lookupState) add(c peers.Contact) bool {
	if c.ID.IsZero() || c.ID == ls.self || ls.known[c.ID] {
		return false
	}
	ls.known[c.ID] = true

	i := sort.Search(len(ls.entries), func(i int) bool {
		return CloserTo(ls.target, c.ID, ls.entries[i].ID)
	})
	ls.entries = append(ls.entries, peers.Contact{})
	copy(ls.entries[i+1:], ls.entries[i:])
	ls.entries[i] = c
	return true
}

// next returns the n closest candidates that have not been queried yet.
func (ls *lookupState) next(n int) []peers.Contact {
	var out []peers.Contact
	for _, c := range ls.entries {
		if ls.queried[c.ID] {
			continue
		}
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	return out
}

func (ls *lookupState) markQueried(id peers.PeerID) {
	ls.queried[id] = true
}

// drop removes a failed candidate. It stays known so a later reply cannot
// reintroduce it.
func (ls *lookupState) drop(id peers.PeerID) {
	if i := indexOf(ls.entries, id); i >= 0 {
		ls.entries = append(ls.entries[:i], ls.entries[i+1:]...)
	}
}

func (ls *lookupState) best() (peers.PeerID, bool) {
	if len(ls.entries) == 0 {
		return peers.ZeroID, false
	}
	return ls.entries[0].ID, true
}

// converged reports whether the k closest candidates have all been queried.
func (ls *lookupState) converged(k int) bool {
	n := 0
	for _, c := range ls.entries {
		if !ls.queried[c.ID] {
			return false
		}
		n++
		if n == k {
			break
		}
	}
	return true
}

func (ls *lookupState) closest(k int) []peers.Contact {
	out := make([]peers.Contact, 0, k)
	for _, c := range ls.entries {
		out = append(out, c)
		if len(out) == k {
			break
		}
	}
	return out
}

// iterate drives an iterative lookup toward target: alpha parallel queries
// per round, merging every reply into the shortlist, until a round brings
// nothing closer and the top-k candidates have all been queried. It returns
// the closest live contacts.
func (d *DHT) iterate(ctx context.Context, target peers.PeerID, query queryFn, onProgress func(peers.Contact)) ([]peers.Contact, error) {
	ls := newLookupState(d.self, target, d.routing.Closest(target, d.opts.K))
	if len(ls.entries) == 0 {
		return nil, ErrNoReachablePeers
	}

	answered := false

	for {
		batch := ls.next(d.opts.Alpha)
		if len(batch) == 0 {
			break
		}

		best, _ := ls.best()

		type result struct {
			from   peers.Contact
			closer []peers.Contact
			done   bool
			err    error
		}

		resCh := make(chan result, len(batch))

		for _, c := range batch {
			ls.markQueried(c.ID)
			go func(c peers.Contact) {
				closer, done, err := query(c)
				resCh <- result{from: c, closer: closer, done: done, err: err}
			}(c)
		}

		done := false

		for range batch {
			select {
			case res := <-resCh:
				if res.err != nil {
					d.logger.WithFields(logrus.Fields{
						"peer":  res.from.ID.ShortString(),
						"error": res.err,
					}).Debug("lookup query failed")
					ls.drop(res.from.ID)
					d.routing.Remove(res.from.ID)
					continue
				}

				answered = true
				d.routing.Update(res.from)

				if onProgress != nil {
					onProgress(res.from)
				}

				for _, c := range res.closer {
					ls.add(c)
					d.routing.Update(c)
				}

				if res.done {
					done = true
				}

			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if done {
			break
		}

		newBest, ok := ls.best()
		if !ok {
			break
		}
		if !CloserTo(target, newBest, best) && ls.converged(d.opts.K) {
			break
		}
	}

	if !answered {
		return nil, ErrNoReachablePeers
	}

	return ls.closest(d.opts.K), nil
}

func (d *DHT) findNodeQuery(target peers.PeerID) queryFn {
	return func(c peers.Contact) ([]peers.Contact, bool, error) {
		var resp net.FindNodeResponse
		err := d.call(c, func(addr string) error {
			return d.trans.FindNode(addr, c.ID, &net.FindNodeRequest{
				From:   d.selfContact(),
				Target: target,
			}, &resp)
		})
		if err != nil {
			return nil, false, err
		}
		return resp.Closest, false, nil
	}
}

// GetClosestPeers runs an iterative FindNode toward target.
func (d *DHT) GetClosestPeers(ctx context.Context, target peers.PeerID, onProgress func(peers.Contact)) ([]peers.Contact, error) {
	return d.iterate(ctx, target, d.findNodeQuery(target), onProgress)
}

// Ping probes a contact, refreshing the routing table on success. When the
// contact does not pin an identity, the verified one comes back in the
// result.
func (d *DHT) Ping(c peers.Contact) (peers.Contact, error) {
	var resp net.PingResponse
	err := d.call(c, func(addr string) error {
		return d.trans.Ping(addr, c.ID, &net.PingRequest{From: d.selfContact()}, &resp)
	})
	if err != nil {
		return peers.Contact{}, err
	}

	live := peers.Contact{ID: resp.From, Addrs: c.Addrs}
	d.routing.Update(live)

	return live, nil
}

// Bootstrap pings the seed contacts and primes the routing table with a
// lookup of self.
func (d *DHT) Bootstrap(ctx context.Context, seeds []peers.Contact) error {
	for _, seed := range seeds {
		if seed.ID == d.self {
			continue
		}
		if _, err := d.Ping(seed); err != nil {
			d.logger.WithFields(logrus.Fields{
				"seed":  seed.String(),
				"error": err,
			}).Debug("bootstrap seed unreachable")
		}
	}

	if d.routing.Len() == 0 {
		return ErrNoReachablePeers
	}

	if _, err := d.GetClosestPeers(ctx, d.self, nil); err != nil && err != ErrNoReachablePeers {
		return err
	}

	return nil
}

// Provide registers the local node as a provider for key: locally first,
// then on the K closest nodes to the key. It returns the number of remote
// acknowledgements.
func (d *DHT) Provide(ctx context.Context, key string, onProgress func(peers.Contact)) (int, error) {
	self := d.selfContact()

	entry := ProviderEntry{
		Provider: self,
		Expires:  d.clk.Now().Add(d.opts.ProviderTTL),
	}
	if err := d.store.AddProvider(key, entry); err != nil {
		return 0, err
	}

	target := KeyID(key)

	closest, err := d.iterate(ctx, target, d.findNodeQuery(target), onProgress)
	if err != nil {
		return 0, err
	}

	acks := d.broadcast(closest, func(c peers.Contact) (bool, error) {
		var resp net.AddProviderResponse
		err := d.call(c, func(addr string) error {
			return d.trans.AddProvider(addr, c.ID, &net.AddProviderRequest{
				From:     self,
				Key:      key,
				Provider: self,
			}, &resp)
		})
		return resp.Stored, err
	})

	return acks, nil
}

// FindProviders runs an iterative provider lookup and returns the
// deduplicated provider set, local registrations included. An empty set is
// a valid result, not an error.
func (d *DHT) FindProviders(ctx context.Context, key string, onProgress func(peers.Contact)) ([]peers.Contact, error) {
	seen := make(map[peers.PeerID]peers.Contact)

	if entries, err := d.store.Providers(key); err == nil {
		for _, e := range entries {
			seen[e.Provider.ID] = e.Provider
		}
	}

	target := KeyID(key)

	var mtx sync.Mutex

	query := func(c peers.Contact) ([]peers.Contact, bool, error) {
		var resp net.GetProvidersResponse
		err := d.call(c, func(addr string) error {
			return d.trans.GetProviders(addr, c.ID, &net.GetProvidersRequest{
				From: d.selfContact(),
				Key:  key,
			}, &resp)
		})
		if err != nil {
			return nil, false, err
		}

		mtx.Lock()
		for _, p := range resp.Providers {
			if p.ID.IsZero() {
				continue
			}
			if _, ok := seen[p.ID]; !ok {
				seen[p.ID] = p
			}
		}
		mtx.Unlock()

		return resp.Closest, false, nil
	}

	// An unreachable overlay leaves the local registrations as the result.
	if _, err := d.iterate(ctx, target, query, onProgress); err != nil && err != ErrNoReachablePeers {
		return nil, err
	}

	out := make([]peers.Contact, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	peers.SortContacts(out)

	return out, nil
}

// PutRecord writes a record under key and replicates it to the K closest
// nodes. Fewer than quorum remote acknowledgements is ErrInsufficientQuorum;
// the copies that landed stay where they are. Non-positive ttl and quorum
// take the configured defaults.
func (d *DHT) PutRecord(ctx context.Context, key string, value []byte, ttl time.Duration, quorum int, onProgress func(peers.Contact)) (int, error) {
	if ttl <= 0 {
		ttl = d.opts.RecordTTL
	}
	if quorum <= 0 {
		quorum = d.opts.PutQuorum
	}

	rec := Record{
		Key:       key,
		Value:     value,
		Publisher: d.self,
		Expires:   d.clk.Now().Add(ttl),
	}
	if err := d.store.PutRecord(rec); err != nil {
		return 0, err
	}

	target := KeyID(key)

	closest, err := d.iterate(ctx, target, d.findNodeQuery(target), onProgress)
	if err != nil {
		return 0, err
	}

	req := &net.PutRecordRequest{
		From:      d.selfContact(),
		Key:       key,
		Value:     value,
		Publisher: d.self,
		Expires:   rec.Expires.Unix(),
	}

	acks := d.broadcast(closest, func(c peers.Contact) (bool, error) {
		var resp net.PutRecordResponse
		err := d.call(c, func(addr string) error {
			return d.trans.PutRecord(addr, c.ID, req, &resp)
		})
		return resp.Stored, err
	})

	if acks < quorum {
		return acks, fmt.Errorf("%w: %d of %d", ErrInsufficientQuorum, acks, quorum)
	}

	return acks, nil
}

// GetRecord returns the live record under key: the local store first, then
// an iterative read where the first live record wins. Found records are
// cached locally with their original expiry.
func (d *DHT) GetRecord(ctx context.Context, key string, onProgress func(peers.Contact)) (*Record, error) {
	if rec, err := d.store.GetRecord(key); err == nil {
		return rec, nil
	}

	target := KeyID(key)

	var mtx sync.Mutex
	var found *Record

	query := func(c peers.Contact) ([]peers.Contact, bool, error) {
		var resp net.GetRecordResponse
		err := d.call(c, func(addr string) error {
			return d.trans.GetRecord(addr, c.ID, &net.GetRecordRequest{
				From: d.selfContact(),
				Key:  key,
			}, &resp)
		})
		if err != nil {
			return nil, false, err
		}

		if resp.Found {
			rec := Record{
				Key:       key,
				Value:     resp.Value,
				Publisher: resp.Publisher,
				Expires:   unixTime(resp.Expires),
			}
			if len(rec.Value) > 0 && !rec.Expired(d.clk.Now()) {
				mtx.Lock()
				if found == nil {
					found = &rec
				}
				mtx.Unlock()
				return resp.Closest, true, nil
			}
		}

		return resp.Closest, false, nil
	}

	if _, err := d.iterate(ctx, target, query, onProgress); err != nil {
		return nil, err
	}

	if found == nil {
		return nil, ErrNotFound
	}

	if err := d.store.PutRecord(*found); err != nil {
		d.logger.WithFields(logrus.Fields{
			"key":   key,
			"error": err,
		}).Debug("Failed to cache record")
	}

	return found, nil
}

// broadcast fans an operation out to a contact set and counts positive
// acknowledgements.
func (d *DHT) broadcast(contacts []peers.Contact, op func(peers.Contact) (bool, error)) int {
	ackCh := make(chan bool, len(contacts))

	var wg sync.WaitGroup
	for _, c := range contacts {
		wg.Add(1)
		go func(c peers.Contact) {
			defer wg.Done()

			ok, err := op(c)
			if err != nil {
				d.logger.WithFields(logrus.Fields{
					"peer":  c.ID.ShortString(),
					"error": err,
				}).Debug("replication target failed")
				ackCh <- false
				return
			}
			ackCh <- ok
		}(c)
	}

	wg.Wait()
	close(ackCh)

	acks := 0
	for ok := range ackCh {
		if ok {
			acks++
		}
	}
	return acks
}
