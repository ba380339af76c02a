package peers

import (
	"os"
	"reflect"
	"testing"

	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/multiaddr"
)

func TestIDFromPublicKey(t *testing.T) {
	key, err := keys.GenerateSeededKey(1)
	if err != nil {
		t.Fatal(err)
	}

	id1 := IDFromPublicKey(&key.PublicKey)
	id2 := IDFromPublicKey(&key.PublicKey)

	if id1 != id2 {
		t.Fatalf("identifier derivation should be deterministic")
	}

	if id1.IsZero() {
		t.Fatalf("identifier should not be zero")
	}

	// hex form of the same key must derive the same id
	id3, err := IDFromPubKeyHex(keys.PublicKeyHex(&key.PublicKey))
	if err != nil {
		t.Fatal(err)
	}
	if id3 != id1 {
		t.Fatalf("hex derivation mismatch: %s != %s", id3, id1)
	}
}

func TestParseID(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()
	id := IDFromPublicKey(&key.PublicKey)

	back, err := ParseID(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if back != id {
		t.Fatalf("text round trip changed id: %s != %s", back, id)
	}

	if _, err := ParseID("not-base58-0OIl"); err == nil {
		t.Fatalf("invalid base58 should not parse")
	}

	if _, err := ParseID("2g"); err == nil {
		t.Fatalf("short digest should not parse")
	}
}

func TestContactFromString(t *testing.T) {
	key, _ := keys.GenerateSeededKey(7)
	id := IDFromPublicKey(&key.PublicKey)

	c, err := ContactFromString("/ip4/127.0.0.1/tcp/1337/p2p/" + id.String())
	if err != nil {
		t.Fatal(err)
	}

	if c.ID != id {
		t.Fatalf("unexpected id %s", c.ID)
	}
	if len(c.Addrs) != 1 || c.Addrs[0].String() != "/ip4/127.0.0.1/tcp/1337" {
		t.Fatalf("unexpected addrs %v", c.Addrs)
	}

	if _, err := ContactFromString("/ip4/127.0.0.1/tcp/1337"); err == nil {
		t.Fatalf("address without identity should not parse to a contact")
	}
}

func TestAddrBook(t *testing.T) {
	book := NewAddrBook()

	key, _ := keys.GenerateSeededKey(2)
	id := IDFromPublicKey(&key.PublicKey)

	a1 := multiaddr.MustParse("/ip4/10.0.0.1/tcp/1337")
	a2 := multiaddr.MustParse("/ip4/10.0.0.2/tcp/1338")

	book.Add(id, a1)
	book.Add(id, a2)
	book.Add(id, a1) // duplicate

	// identity segments are stripped on the way in
	book.Add(id, multiaddr.MustParse("/ip4/10.0.0.1/tcp/1337/p2p/"+id.String()))

	addrs := book.Addrs(id)
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addresses, got %d: %v", len(addrs), addrs)
	}

	if book.Len() != 1 {
		t.Fatalf("expected 1 peer, got %d", book.Len())
	}

	c, ok := book.Contact(id)
	if !ok || c.ID != id || len(c.Addrs) != 2 {
		t.Fatalf("unexpected contact %v", c)
	}

	book.Remove(id)
	if book.Len() != 0 || book.Addrs(id) != nil {
		t.Fatalf("peer should be forgotten")
	}
}

func TestJSONBootstrap(t *testing.T) {
	dir, err := os.MkdirTemp("", "murmur")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	boot := NewJSONBootstrap(dir)

	// missing file means no contacts
	contacts, err := boot.Contacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 0 {
		t.Fatalf("expected no contacts, got %v", contacts)
	}

	key1, _ := keys.GenerateSeededKey(10)
	key2, _ := keys.GenerateSeededKey(11)

	want := []Contact{
		NewContact(IDFromPublicKey(&key1.PublicKey), multiaddr.MustParse("/ip4/192.168.0.10/tcp/1337")),
		NewContact(IDFromPublicKey(&key2.PublicKey), multiaddr.MustParse("/dns4/seed.example.com/tcp/80")),
	}

	if err := boot.Write(want); err != nil {
		t.Fatal(err)
	}

	got, err := boot.Contacts()
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("bootstrap round trip mismatch:\ngot  %v\nwant %v", got, want)
	}
}
