// Package discovery finds peers on the local network with a UDP multicast
// beacon. Wide-area discovery needs no dedicated machinery: it falls out of
// DHT lookups, where every reply merges contacts into the routing table.
package discovery

import (
	"errors"
	"fmt"
	gonet "net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/mosaicnetworks/murmur/src/multiaddr"
	"github.com/mosaicnetworks/murmur/src/peers"
)

var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	return h
}()

// Defaults for the beacon.
const (
	DefaultGroup            = "239.77.86.82:7373"
	DefaultAnnounceInterval = 10 * time.Second

	// Entries that miss this many announce intervals in a row are swept.
	expiryIntervals = 3
)

// EventType distinguishes discovery events.
type EventType int

const (
	// PeerDiscovered reports a peer address seen for the first time. The
	// event's contact carries only the fresh addresses.
	PeerDiscovered EventType = iota

	// PeerExpired reports a peer that stopped announcing. The contact
	// carries every address it ever announced.
	PeerExpired
)

// Event is a change in the set of locally visible peers.
type Event struct {
	Type    EventType
	Contact peers.Contact
}

// announcement is the beacon payload.
type announcement struct {
	ID    peers.PeerID
	Addrs []multiaddr.Multiaddr
	Seq   uint64
}

type lanEntry struct {
	addrs    []multiaddr.Multiaddr
	seen     map[string]bool
	lastSeen time.Time
}

func (e *lanEntry) contact(id peers.PeerID) peers.Contact {
	addrs := make([]multiaddr.Multiaddr, len(e.addrs))
	copy(addrs, e.addrs)
	return peers.Contact{ID: id, Addrs: addrs}
}

// LAN announces the local node on a multicast group and tracks the
// announcements of others.
type LAN struct {
	self      peers.PeerID
	advertise func() []multiaddr.Multiaddr

	group    *gonet.UDPAddr
	interval time.Duration

	conn *gonet.UDPConn
	send *gonet.UDPConn

	mtx     sync.Mutex
	entries map[peers.PeerID]*lanEntry
	seq     uint64

	eventCh  chan Event
	shutdown chan struct{}
	stopOnce sync.Once

	clk    clock.Clock
	logger *logrus.Entry
}

// NewLAN prepares a beacon; Start joins the group and begins announcing.
// An empty group and non-positive interval take the defaults.
func NewLAN(
	self peers.PeerID,
	advertise func() []multiaddr.Multiaddr,
	group string,
	interval time.Duration,
	clk clock.Clock,
	logger *logrus.Entry,
) (*LAN, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	if group == "" {
		group = DefaultGroup
	}
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}

	udpAddr, err := gonet.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("multicast group %q does not resolve: %w", group, err)
	}

	return &LAN{
		self:      self,
		advertise: advertise,
		group:     udpAddr,
		interval:  interval,
		entries:   make(map[peers.PeerID]*lanEntry),
		eventCh:   make(chan Event, 16),
		shutdown:  make(chan struct{}),
		clk:       clk,
		logger:    logger,
	}, nil
}

// Start joins the multicast group and launches the announce and receive
// loops.
func (l *LAN) Start() error {
	conn, err := gonet.ListenMulticastUDP("udp4", nil, l.group)
	if err != nil {
		return fmt.Errorf("joining multicast group %s: %w", l.group, err)
	}

	send, err := gonet.DialUDP("udp4", nil, l.group)
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening multicast sender: %w", err)
	}

	l.conn = conn
	l.send = send

	l.logger.WithFields(logrus.Fields{
		"group":    l.group.String(),
		"interval": l.interval,
	}).Debug("LAN discovery started")

	go l.readLoop()
	go l.announceLoop()

	return nil
}

// Stop closes the sockets and ends the loops. It is idempotent.
func (l *LAN) Stop() {
	l.stopOnce.Do(func() {
		close(l.shutdown)
		if l.conn != nil {
			l.conn.Close()
		}
		if l.send != nil {
			l.send.Close()
		}
	})
}

// Events exposes discovery events for the node loop.
func (l *LAN) Events() <-chan Event {
	return l.eventCh
}

// Peers returns the contacts currently considered present, sorted.
func (l *LAN) Peers() []peers.Contact {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	out := make([]peers.Contact, 0, len(l.entries))
	for id, entry := range l.entries {
		out = append(out, entry.contact(id))
	}
	peers.SortContacts(out)
	return out
}

func (l *LAN) announceLoop() {
	ticker := l.clk.Ticker(l.interval)
	defer ticker.Stop()

	l.announce()

	for {
		select {
		case <-ticker.C:
			l.announce()
			l.sweep()
		case <-l.shutdown:
			return
		}
	}
}

func (l *LAN) announce() {
	addrs := l.advertise()

	l.mtx.Lock()
	l.seq++
	a := announcement{ID: l.self, Addrs: addrs, Seq: l.seq}
	l.mtx.Unlock()

	var payload []byte
	if err := codec.NewEncoderBytes(&payload, jsonHandle).Encode(a); err != nil {
		l.logger.WithField("error", err).Error("Failed to encode announcement")
		return
	}

	if _, err := l.send.Write(payload); err != nil {
		l.logger.WithField("error", err).Debug("Failed to send announcement")
	}
}

func (l *LAN) readLoop() {
	buf := make([]byte, 65536)

	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, gonet.ErrClosed) {
				return
			}
			select {
			case <-l.shutdown:
				return
			default:
			}
			l.logger.WithField("error", err).Debug("Failed to read announcement")
			continue
		}

		var a announcement
		if err := codec.NewDecoderBytes(buf[:n], jsonHandle).Decode(&a); err != nil {
			l.logger.WithField("error", err).Debug("Failed to decode announcement")
			continue
		}

		l.handleAnnouncement(a)
	}
}

// handleAnnouncement refreshes the presence table. The first sighting of a
// (peer, address) pair produces a PeerDiscovered event carrying the fresh
// addresses; later announcements only refresh the expiry.
func (l *LAN) handleAnnouncement(a announcement) {
	if a.ID.IsZero() || a.ID == l.self {
		return
	}

	l.mtx.Lock()

	entry, ok := l.entries[a.ID]
	if !ok {
		entry = &lanEntry{seen: make(map[string]bool)}
		l.entries[a.ID] = entry
	}
	entry.lastSeen = l.clk.Now()

	var fresh []multiaddr.Multiaddr
	for _, addr := range a.Addrs {
		if s := addr.String(); !entry.seen[s] {
			entry.seen[s] = true
			entry.addrs = append(entry.addrs, addr)
			fresh = append(fresh, addr)
		}
	}

	l.mtx.Unlock()

	if len(fresh) > 0 {
		l.logger.WithFields(logrus.Fields{
			"peer":  a.ID.ShortString(),
			"addrs": fresh,
		}).Debug("discovered peer")
		l.emit(Event{Type: PeerDiscovered, Contact: peers.Contact{ID: a.ID, Addrs: fresh}})
	}
}

// sweep expires entries that have missed several announce intervals.
func (l *LAN) sweep() {
	horizon := time.Duration(expiryIntervals) * l.interval
	now := l.clk.Now()

	l.mtx.Lock()
	var expired []peers.Contact
	for id, entry := range l.entries {
		if now.Sub(entry.lastSeen) > horizon {
			expired = append(expired, entry.contact(id))
			delete(l.entries, id)
		}
	}
	l.mtx.Unlock()

	for _, c := range expired {
		l.logger.WithField("peer", c.ID.ShortString()).Debug("peer expired")
		l.emit(Event{Type: PeerExpired, Contact: c})
	}
}

func (l *LAN) emit(ev Event) {
	select {
	case l.eventCh <- ev:
	case <-l.shutdown:
	}
}
