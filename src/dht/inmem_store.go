package dht

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	cm "github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/peers"
)

// InmemStore implements the Store interface with in-memory maps. The clock
// is injected so that expiry is testable.
type InmemStore struct {
	mtx       sync.Mutex
	clk       clock.Clock
	records   map[string]Record
	providers map[string]map[peers.PeerID]ProviderEntry
}

// NewInmemStore ...
func NewInmemStore(clk clock.Clock) *InmemStore {
	return &InmemStore{
		clk:       clk,
		records:   make(map[string]Record),
		providers: make(map[string]map[peers.PeerID]ProviderEntry),
	}
}

// PutRecord implements the Store interface.
func (s *InmemStore) PutRecord(rec Record) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.records[rec.Key] = rec
	return nil
}

// GetRecord implements the Store interface.
func (s *InmemStore) GetRecord(key string) (*Record, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, cm.NewStoreErr("Record", cm.KeyNotFound, key)
	}

	if rec.Expired(s.clk.Now()) {
		delete(s.records, key)
		return nil, cm.NewStoreErr("Record", cm.KeyNotFound, key)
	}

	return &rec, nil
}

// DeleteRecord implements the Store interface.
func (s *InmemStore) DeleteRecord(key string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.records, key)
	return nil
}

// AddProvider implements the Store interface.
func (s *InmemStore) AddProvider(key string, entry ProviderEntry) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	reg, ok := s.providers[key]
	if !ok {
		reg = make(map[peers.PeerID]ProviderEntry)
		s.providers[key] = reg
	}

	reg[entry.Provider.ID] = entry
	return nil
}

// Providers implements the Store interface.
func (s *InmemStore) Providers(key string) ([]ProviderEntry, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.clk.Now()

	var out []ProviderEntry
	for id, entry := range s.providers[key] {
		if entry.Expired(now) {
			delete(s.providers[key], id)
			continue
		}
		out = append(out, entry)
	}

	if len(s.providers[key]) == 0 {
		delete(s.providers, key)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Provider.ID.String() < out[j].Provider.ID.String()
	})

	return out, nil
}

// Counts implements the Store interface. The counts include entries whose
// expiry has passed but which no read has swept yet.
func (s *InmemStore) Counts() (int, int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	providers := 0
	for _, reg := range s.providers {
		providers += len(reg)
	}
	return len(s.records), providers, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}
