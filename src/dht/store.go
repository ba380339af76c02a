package dht

import (
	"time"

	"github.com/mosaicnetworks/murmur/src/peers"
)

// Record is a replicated key/value entry. Expires is authoritative: an
// expired record is invisible to reads and lazily deleted by whichever read
// observes it first.
type Record struct {
	Key       string
	Value     []byte
	Publisher peers.PeerID
	Expires   time.Time
}

// Expired reports whether the record is dead at instant now.
func (r Record) Expired(now time.Time) bool {
	return !r.Expires.After(now)
}

// ProviderEntry pairs a provider contact with the expiry of its
// registration. Re-announcing refreshes the expiry.
type ProviderEntry struct {
	Provider peers.Contact
	Expires  time.Time
}

// Expired reports whether the registration is dead at instant now.
func (p ProviderEntry) Expired(now time.Time) bool {
	return !p.Expires.After(now)
}

// unixTime converts persisted Unix seconds back to a time.Time.
func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0)
}

// Store persists records and provider registrations for the DHT. Reads check
// expiry and delete what they find expired; a missing or expired entry is a
// KeyNotFound store error. Implementations must be safe for concurrent use.
type Store interface {
	PutRecord(rec Record) error
	GetRecord(key string) (*Record, error)
	DeleteRecord(key string) error
	AddProvider(key string, entry ProviderEntry) error
	Providers(key string) ([]ProviderEntry, error)
	Counts() (records int, providers int, err error)
	Close() error
}
