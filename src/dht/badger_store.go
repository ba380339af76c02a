package dht

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"

	cm "github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/peers"
)

const (
	recordPrefix   = "rec"
	providerPrefix = "prov"
)

// jsonHandle encodes stored values. Canonical ordering keeps them stable.
var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	return h
}()

// dbRecord is the persisted form of a Record. Expires is in Unix seconds.
type dbRecord struct {
	Key       string
	Value     []byte
	Publisher peers.PeerID
	Expires   int64
}

// dbProvider is the persisted form of a ProviderEntry.
type dbProvider struct {
	Provider peers.Contact
	Expires  int64
}

// BadgerStore implements the Store interface on a Badger database, for nodes
// that should keep their records and provider registrations across restarts.
type BadgerStore struct {
	clk  clock.Clock
	db   *badger.DB
	path string
}

// NewBadgerStore opens, or creates, a database at path.
func NewBadgerStore(path string, clk clock.Clock) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithLogger(nil)

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		clk:  clk,
		db:   handle,
		path: path,
	}, nil
}

//==============================================================================
//Keys

// Content keys are length-prefixed inside database keys so that scanning the
// providers of "a" can never pick up the providers of "a_b".

func recordKey(key string) []byte {
	return []byte(fmt.Sprintf("%s_%d_%s", recordPrefix, len(key), key))
}

func providerKey(key string, id peers.PeerID) []byte {
	return []byte(fmt.Sprintf("%s_%d_%s_%s", providerPrefix, len(key), key, id.String()))
}

func providerScanPrefix(key string) []byte {
	return []byte(fmt.Sprintf("%s_%d_%s_", providerPrefix, len(key), key))
}

//==============================================================================
//Implement the Store interface

// PutRecord implements the Store interface.
func (s *BadgerStore) PutRecord(rec Record) error {
	var raw []byte
	err := codec.NewEncoderBytes(&raw, jsonHandle).Encode(dbRecord{
		Key:       rec.Key,
		Value:     rec.Value,
		Publisher: rec.Publisher,
		Expires:   rec.Expires.Unix(),
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Key), raw)
	})
}

// GetRecord implements the Store interface.
func (s *BadgerStore) GetRecord(key string) (*Record, error) {
	var raw []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, mapError(err, "Record", key)
	}

	var stored dbRecord
	if err := codec.NewDecoderBytes(raw, jsonHandle).Decode(&stored); err != nil {
		return nil, err
	}

	rec := Record{
		Key:       stored.Key,
		Value:     stored.Value,
		Publisher: stored.Publisher,
		Expires:   unixTime(stored.Expires),
	}

	if rec.Expired(s.clk.Now()) {
		if err := s.DeleteRecord(key); err != nil {
			return nil, err
		}
		return nil, cm.NewStoreErr("Record", cm.KeyNotFound, key)
	}

	return &rec, nil
}

// DeleteRecord implements the Store interface.
func (s *BadgerStore) DeleteRecord(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(recordKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// AddProvider implements the Store interface.
func (s *BadgerStore) AddProvider(key string, entry ProviderEntry) error {
	var raw []byte
	err := codec.NewEncoderBytes(&raw, jsonHandle).Encode(dbProvider{
		Provider: entry.Provider,
		Expires:  entry.Expires.Unix(),
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(providerKey(key, entry.Provider.ID), raw)
	})
}

// Providers implements the Store interface.
func (s *BadgerStore) Providers(key string) ([]ProviderEntry, error) {
	now := s.clk.Now()
	prefix := providerScanPrefix(key)

	var out []ProviderEntry
	var dead [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			var stored dbProvider
			if err := codec.NewDecoderBytes(raw, jsonHandle).Decode(&stored); err != nil {
				return err
			}

			entry := ProviderEntry{
				Provider: stored.Provider,
				Expires:  unixTime(stored.Expires),
			}

			if entry.Expired(now) {
				dead = append(dead, item.KeyCopy(nil))
				continue
			}

			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(dead) > 0 {
		err = s.db.Update(func(txn *badger.Txn) error {
			for _, k := range dead {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Counts implements the Store interface. The counts include entries whose
// expiry has passed but which no read has swept yet.
func (s *BadgerStore) Counts() (int, int, error) {
	records, providers := 0, 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		recPrefix := []byte(recordPrefix + "_")
		for it.Seek(recPrefix); it.ValidForPrefix(recPrefix); it.Next() {
			records++
		}

		provPrefix := []byte(providerPrefix + "_")
		for it.Seek(provPrefix); it.ValidForPrefix(provPrefix); it.Next() {
			providers++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return records, providers, nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func mapError(err error, dataType, key string) error {
	if err == badger.ErrKeyNotFound {
		return cm.NewStoreErr(dataType, cm.KeyNotFound, key)
	}
	return err
}
