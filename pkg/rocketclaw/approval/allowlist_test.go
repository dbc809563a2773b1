package approval

import (
	"testing"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/store"
)

func TestAllowLists_AddAndContains(t *testing.T) {
	t.Parallel()
	al := NewAllowLists(store.New(t.TempDir(), nil), nil)

	if err := al.Add(ListDM, "@Alice", "u42"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Lookup is normalized the same way as storage.
	ok, err := al.Contains(ListDM, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("handle should match regardless of case and @ prefix")
	}
	ok, err = al.Contains(ListDM, "U42")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("id should match regardless of case")
	}
	ok, err = al.Contains(ListDM, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("unknown principal should not match")
	}

	// Lists are independent.
	ok, err = al.Contains(ListRooms, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("dm entry must not leak into rooms list")
	}
}

func TestAllowLists_AddIsIdempotent(t *testing.T) {
	t.Parallel()
	al := NewAllowLists(store.New(t.TempDir(), nil), nil)

	if err := al.Add(ListRooms, "general", "@General", "  general  "); err != nil {
		t.Fatal(err)
	}
	if err := al.Add(ListRooms, "general"); err != nil {
		t.Fatal(err)
	}

	entries, err := al.Entries(ListRooms)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != "general" {
		t.Errorf("entries = %v, want single normalized entry", entries)
	}
}

func TestNormalizePrincipal(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"@Alice":   "alice",
		"  bob  ":  "bob",
		"@":        "",
		"":         "",
		"Room-ML1": "room-ml1",
	}
	for in, want := range cases {
		if got := NormalizePrincipal(in); got != want {
			t.Errorf("NormalizePrincipal(%q) = %q, want %q", in, got, want)
		}
	}
}
