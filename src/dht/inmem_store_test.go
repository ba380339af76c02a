package dht

import (
	"reflect"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mosaicnetworks/murmur/src/common"
)

func TestInmemStoreRecords(t *testing.T) {
	clk := clock.NewMock()
	store := NewInmemStore(clk)

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

	// A newer write replaces the old record.
	rec2 := rec
	rec2.Value = []byte("hello")
	if err := store.PutRecord(rec2); err != nil {
		t.Fatal(err)
	}

	got, err = store.GetRecord("greeting")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Value) != "hello" {
		t.Fatalf("value should be hello, not %s", got.Value)
	}

	// Expired records disappear at read time.
	clk.Add(2 * time.Minute)

	if _, err := store.GetRecord("greeting"); !common.IsStore(err, common.KeyNotFound) {
		t.Fatalf("error should be KeyNotFound, not %v", err)
	}
}

func TestInmemStoreDeleteRecord(t *testing.T) {
	clk := clock.NewMock()
	store := NewInmemStore(clk)

	rec := Record{
		Key:       "greeting",
		Value:     []byte("hola"),
		Publisher: makeID(0x01),
		Expires:   clk.Now().Add(time.Minute),
	}

	if err := store.PutRecord(rec); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRecord("greeting"); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetRecord("greeting"); !common.IsStore(err, common.KeyNotFound) {
		t.Fatalf("error should be KeyNotFound, not %v", err)
	}
}

func TestInmemStoreProviders(t *testing.T) {
	clk := clock.NewMock()
	store := NewInmemStore(clk)

	p1 := makeContact(t, makeID(0x01), 9001)
	p2 := makeContact(t, makeID(0x02), 9002)

	err := store.AddProvider("alpha", ProviderEntry{
		Provider: p1,
		Expires:  clk.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.AddProvider("alpha", ProviderEntry{
		Provider: p2,
		Expires:  clk.Now().Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := store.Providers("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("providers should have 2 entries, not %d", len(entries))
	}
	if entries[0].Provider.ID.String() > entries[1].Provider.ID.String() {
		t.Fatalf("providers should be sorted by identifier")
	}

	// Re-announcing refreshes the expiry.
	err = store.AddProvider("alpha", ProviderEntry{
		Provider: p1,
		Expires:  clk.Now().Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	clk.Add(5 * time.Minute)

	entries, err = store.Providers("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("providers should have 1 entry, not %d", len(entries))
	}
	if entries[0].Provider.ID != p1.ID {
		t.Fatalf("surviving provider should be %s, not %s", p1.ID, entries[0].Provider.ID)
	}

	// Unknown keys yield an empty set, not an error.
	entries, err = store.Providers("beta")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("providers should be empty, not %v", entries)
	}
}
