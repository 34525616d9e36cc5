package identity

import (
	"testing"

	"mellium.im/xmpp/jid"
)

func TestFixNickIdempotent(t *testing.T) {
	cases := []string{"a b", "a!b", "a:b", "a@b", "plainnick", "a b!c:d@e"}
	for _, c := range cases {
		once := FixNick(c)
		twice := FixNick(once)
		if once != twice {
			t.Errorf("FixNick(%q) = %q, FixNick of that = %q; want idempotence", c, once, twice)
		}
	}
}

func TestFixNickReplacesAllReservedChars(t *testing.T) {
	got := FixNick("a b!c:d@e")
	for _, bad := range []byte{' ', '!', ':', '@'} {
		for i := 0; i < len(got); i++ {
			if got[i] == bad {
				t.Fatalf("FixNick result %q still contains %q", got, string(bad))
			}
		}
	}
}

func TestNickForUsesResourceWhenMUC(t *testing.T) {
	j, err := jid.Parse("room@conference.example.org/my nick")
	if err != nil {
		t.Fatal(err)
	}
	got := NickFor(j, true)
	if got != "my_nick" {
		t.Errorf("NickFor = %q, want %q", got, "my_nick")
	}
}

func TestNickForUsesLocalpartWithoutResource(t *testing.T) {
	j, err := jid.Parse("alice@example.org")
	if err != nil {
		t.Fatal(err)
	}
	got := NickFor(j, true)
	if got != "alice" {
		t.Errorf("NickFor = %q, want %q", got, "alice")
	}
}

func TestNickForIgnoresResourceWhenNotMUC(t *testing.T) {
	j, err := jid.Parse("bob@example.com/gajim")
	if err != nil {
		t.Fatal(err)
	}
	got := NickFor(j, false)
	if got != "bob" {
		t.Errorf("NickFor = %q, want %q", got, "bob")
	}
}

func TestMapPutJIDNickRoundTrip(t *testing.T) {
	m := New()
	j, _ := jid.Parse("alice@example.org/phone")
	nick := m.Put(j, "alice", true)

	if gotJID, ok := m.JID("alice"); !ok || gotJID.String() != j.String() {
		t.Errorf("JID(%q) = %v, %v; want %v, true", nick, gotJID, ok, j)
	}
	if gotNick, ok := m.Nick(j); !ok || gotNick != "alice" {
		t.Errorf("Nick(%v) = %q, %v; want %q, true", j, gotNick, ok, "alice")
	}
}

func TestMapRename(t *testing.T) {
	m := New()
	j, _ := jid.Parse("alice@example.org")
	m.Put(j, "alice", false)

	m.Rename(j, "alice2")

	if _, ok := m.JID("alice"); ok {
		t.Error("old nick still resolves after Rename")
	}
	if gotJID, ok := m.JID("alice2"); !ok || gotJID.String() != j.String() {
		t.Errorf("JID(%q) after rename = %v, %v; want %v, true", "alice2", gotJID, ok, j)
	}
}

func TestMapRemove(t *testing.T) {
	m := New()
	j, _ := jid.Parse("alice@example.org")
	m.Put(j, "alice", false)
	m.Remove(j)

	if _, ok := m.JID("alice"); ok {
		t.Error("nick still resolves after Remove")
	}
	if _, ok := m.Nick(j); ok {
		t.Error("jid still resolves after Remove")
	}
}
