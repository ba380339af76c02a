package dht

import (
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mosaicnetworks/murmur/src/common"
)

func initBadgerStore(t *testing.T, clk clock.Clock) (*BadgerStore, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "badger")
	if err != nil {
		t.Fatal(err)
	}

	store, err := NewBadgerStore(dir, clk)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}

	return store, dir
}

func TestBadgerStoreRecords(t *testing.T) {
	clk := clock.NewMock()
	store, dir := initBadgerStore(t, clk)
	defer os.RemoveAll(dir)
	defer store.Close()

	rec := Record{
		Key:       "greeting",
		Value:     []byte("hola"),
		Publisher: makeID(0x01),
		Expires:   clk.Now().Add(time.Minute),
	}

	if err := store.PutRecord(rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRecord("greeting")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*got, rec) {
		t.Fatalf("record should be %v, not %v", rec, *got)
	}

	if _, err := store.GetRecord("missing"); !common.IsStore(err, common.KeyNotFound) {
		t.Fatalf("error should be KeyNotFound, not %v", err)
	}

	// Expired records disappear at read time.
	clk.Add(2 * time.Minute)

	if _, err := store.GetRecord("greeting"); !common.IsStore(err, common.KeyNotFound) {
		t.Fatalf("error should be KeyNotFound, not %v", err)
	}
}

func TestBadgerStoreProviders(t *testing.T) {
	clk := clock.NewMock()
	store, dir := initBadgerStore(t, clk)
	defer os.RemoveAll(dir)
	defer store.Close()

	p1 := makeContact(t, makeID(0x01), 9001)
	p2 := makeContact(t, makeID(0x02), 9002)

	err := store.AddProvider("alpha", ProviderEntry{
		Provider: p1,
		Expires:  clk.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Providers of a key whose name extends alpha must not leak into the
	// scan for alpha.
	err = store.AddProvider("alpha_2", ProviderEntry{
		Provider: p2,
		Expires:  clk.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := store.Providers("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("providers should have 1 entry, not %d", len(entries))
	}
	if entries[0].Provider.ID != p1.ID {
		t.Fatalf("provider should be %s, not %s", p1.ID, entries[0].Provider.ID)
	}
	if !reflect.DeepEqual(entries[0].Provider, p1) {
		t.Fatalf("provider should be %v, not %v", p1, entries[0].Provider)
	}

	// Expired entries are swept at read time.
	clk.Add(2 * time.Minute)

	entries, err = store.Providers("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("providers should be empty, not %v", entries)
	}
}

func TestBadgerStoreReopen(t *testing.T) {
	clk := clock.NewMock()
	store, dir := initBadgerStore(t, clk)
	defer os.RemoveAll(dir)

	rec := Record{
		Key:       "greeting",
		Value:     []byte("hola"),
		Publisher: makeID(0x01),
		Expires:   clk.Now().Add(time.Hour),
	}

	if err := store.PutRecord(rec); err != nil {
		t.Fatal(err)
	}

	p1 := makeContact(t, makeID(0x02), 9002)
	err := store.AddProvider("alpha", ProviderEntry{
		Provider: p1,
		Expires:  clk.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = NewBadgerStore(dir, clk)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	got, err := store.GetRecord("greeting")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*got, rec) {
		t.Fatalf("record should be %v, not %v", rec, *got)
	}

	entries, err := store.Providers("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Provider.ID != p1.ID {
		t.Fatalf("providers should contain %s, not %v", p1.ID, entries)
	}
}
