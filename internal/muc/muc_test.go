package muc

import (
	"testing"

	"mellium.im/xmpp/jid"
)

func mustParse(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("jid.Parse(%q): %v", s, err)
	}
	return j
}

func TestJoinQueueAndRoomsAreMutuallyExclusive(t *testing.T) {
	m := NewManager()
	room := mustParse(t, "test@conference.example.org")

	m.BeginJoin(room)
	if !m.IsJoining(room) {
		t.Fatal("BeginJoin did not mark the room as joining")
	}
	if m.Room(room) != nil {
		t.Fatal("room present in rooms map while join queue is open")
	}

	m.CommitJoin(room, "alice")
	if m.IsJoining(room) {
		t.Fatal("CommitJoin left the join-queue entry in place")
	}
	if m.Room(room) == nil {
		t.Fatal("CommitJoin did not populate the rooms map")
	}
}

func TestBeginJoinClearsAnExistingRoom(t *testing.T) {
	m := NewManager()
	room := mustParse(t, "test@conference.example.org")

	m.BeginJoin(room)
	m.CommitJoin(room, "alice")
	if m.Room(room) == nil {
		t.Fatal("setup: room should be joined")
	}

	m.BeginJoin(room)
	if m.Room(room) != nil {
		t.Fatal("BeginJoin did not clear the previously committed room")
	}
	if !m.IsJoining(room) {
		t.Fatal("BeginJoin did not open a new join-queue entry")
	}
}

func TestQueueOccupantRequiresPendingJoin(t *testing.T) {
	m := NewManager()
	room := mustParse(t, "test@conference.example.org")

	if m.QueueOccupant(room, Occupant{Nick: "bob"}) {
		t.Fatal("QueueOccupant succeeded with no pending join")
	}

	m.BeginJoin(room)
	if !m.QueueOccupant(room, Occupant{Nick: "bob"}) {
		t.Fatal("QueueOccupant failed with a pending join")
	}

	r := m.CommitJoin(room, "alice")
	if _, ok := r.Occupants["bob"]; !ok {
		t.Fatal("queued occupant was not carried into the committed room")
	}
}

func TestAbortJoinDropsQueueEntry(t *testing.T) {
	m := NewManager()
	room := mustParse(t, "test@conference.example.org")

	m.BeginJoin(room)
	m.AbortJoin(room)

	if m.IsJoining(room) {
		t.Fatal("AbortJoin left the join-queue entry in place")
	}
	if m.Room(room) != nil {
		t.Fatal("AbortJoin should not create a committed room")
	}
}

func TestRenameOccupantUpdatesOwnNick(t *testing.T) {
	m := NewManager()
	room := mustParse(t, "test@conference.example.org")
	m.BeginJoin(room)
	m.CommitJoin(room, "alice")

	m.RenameOccupant(room, "alice", "alice2")

	r := m.Room(room)
	if r.Nick != "alice2" {
		t.Errorf("room.Nick = %q, want %q", r.Nick, "alice2")
	}
	if _, ok := r.Occupants["alice"]; ok {
		t.Error("old nick still present in occupants map")
	}
	occ, ok := r.Occupants["alice2"]
	if !ok {
		t.Fatal("new nick not present in occupants map")
	}
	if occ.Nick != "alice2" {
		t.Errorf("occupant.Nick = %q, want %q", occ.Nick, "alice2")
	}
}

func TestBumpDisconnectedTriesFiresEveryFifth(t *testing.T) {
	m := NewManager()
	room := mustParse(t, "test@conference.example.org")
	m.BeginJoin(room)
	m.CommitJoin(room, "alice")
	m.MarkDisconnected(room)

	for i := 0; i < 4; i++ {
		if m.BumpDisconnectedTries(room) {
			t.Fatalf("BumpDisconnectedTries fired early on try %d", i+1)
		}
	}
	if !m.BumpDisconnectedTries(room) {
		t.Fatal("BumpDisconnectedTries did not fire on the 5th try")
	}
}

func TestLeaveRemovesRoom(t *testing.T) {
	m := NewManager()
	room := mustParse(t, "test@conference.example.org")
	m.BeginJoin(room)
	m.CommitJoin(room, "alice")

	m.Leave(room)
	if m.Room(room) != nil {
		t.Error("room still present after Leave")
	}
}
