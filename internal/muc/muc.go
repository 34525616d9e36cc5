// Package muc models per-session MUC room state: occupant rosters,
// role/affiliation, the join-queue that buffers presence received before a
// room's self-presence arrives, and room liveness tracking.
package muc

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// Affiliation is a MUC affiliation level.
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

// Role is a MUC role.
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// Occupant is one member of a room's roster.
type Occupant struct {
	Nick        string
	JID         jid.JID // full occupant JID, room@service/nick
	Affiliation Affiliation
	Role        Role
	Show        string
	Status      string
}

// LivenessState tracks disco#info probing for one room (spec §4.5).
type LivenessState struct {
	ProbePending      bool
	DisconnectedTries int
	Disconnected      bool
}

// Room is the state of one joined (or joining) MUC room.
type Room struct {
	JID       jid.JID // bare room JID
	Nick      string  // the local user's current nick in this room
	Subject   string
	SubjectBy string
	Joined    bool
	Occupants map[string]*Occupant // keyed by nick
	Liveness  LivenessState
}

// joinQueueEntry accumulates presence for a room between the outbound join
// presence and the arrival of self-presence (spec §3 JoinQueue).
type joinQueueEntry struct {
	users map[string]*Occupant
}

// Manager owns every room a single session has joined or is joining. It is
// single-owner per the concurrency model in spec §5 (only the owning
// session's goroutine calls it), but keeps its own mutex so tests and
// future multi-goroutine callers stay safe without relying on that
// invariant.
type Manager struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	joinQueue map[string]*joinQueueEntry
}

// NewManager creates an empty room manager.
func NewManager() *Manager {
	return &Manager{
		rooms:     make(map[string]*Room),
		joinQueue: make(map[string]*joinQueueEntry),
	}
}

func bare(j jid.JID) string { return j.Bare().String() }

// BeginJoin opens a join-queue entry for roomJID, marking the join in
// flight. Per spec §3's global invariant, a key present in the join queue
// must not also be present in rooms.
func (m *Manager) BeginJoin(roomJID jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := bare(roomJID)
	m.joinQueue[b] = &joinQueueEntry{users: make(map[string]*Occupant)}
	delete(m.rooms, b)
}

// QueueOccupant accumulates an occupant seen while roomJID's join is still
// pending. Returns false if no join is pending for that room.
func (m *Manager) QueueOccupant(roomJID jid.JID, occupant Occupant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.joinQueue[bare(roomJID)]
	if !ok {
		return false
	}
	entry.users[occupant.Nick] = &occupant
	return true
}

// IsJoining reports whether roomJID currently has an open join-queue entry.
func (m *Manager) IsJoining(roomJID jid.JID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.joinQueue[bare(roomJID)]
	return ok
}

// CommitJoin drains the join-queue for roomJID into a new Room owned by
// nick, and returns it. Call on receiving self-presence.
func (m *Manager) CommitJoin(roomJID jid.JID, nick string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := bare(roomJID)
	room := &Room{
		JID:       roomJID.Bare(),
		Nick:      nick,
		Occupants: make(map[string]*Occupant),
		Joined:    true,
	}
	if entry, ok := m.joinQueue[b]; ok {
		for nk, occ := range entry.users {
			room.Occupants[nk] = occ
		}
		delete(m.joinQueue, b)
	}
	m.rooms[b] = room
	return room
}

// AbortJoin discards a pending join-queue entry (spec §4.4: self-presence
// type=unavailable while JoinQueue open drops the queue entry).
func (m *Manager) AbortJoin(roomJID jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.joinQueue, bare(roomJID))
}

// Room returns the joined room for roomJID, if any.
func (m *Manager) Room(roomJID jid.JID) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[bare(roomJID)]
}

// Leave removes roomJID from the joined set.
func (m *Manager) Leave(roomJID jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, bare(roomJID))
}

// AddOccupant inserts or replaces an occupant of an already-joined room.
func (m *Manager) AddOccupant(roomJID jid.JID, occupant Occupant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[bare(roomJID)]; ok {
		room.Occupants[occupant.Nick] = &occupant
	}
}

// RemoveOccupant deletes an occupant of an already-joined room.
func (m *Manager) RemoveOccupant(roomJID jid.JID, nick string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[bare(roomJID)]; ok {
		delete(room.Occupants, nick)
	}
}

// Occupant returns a room's occupant by nick, if present.
func (m *Manager) Occupant(roomJID jid.JID, nick string) *Occupant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[bare(roomJID)]; ok {
		return room.Occupants[nick]
	}
	return nil
}

// SetSubject records a room's current subject and its setter.
func (m *Manager) SetSubject(roomJID jid.JID, subject, by string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[bare(roomJID)]; ok {
		room.Subject = subject
		room.SubjectBy = by
	}
}

// RenameOccupant moves an occupant from oldNick to newNick within roomJID,
// updating the room's own-nick bookkeeping if the renamed occupant was the
// local user.
func (m *Manager) RenameOccupant(roomJID jid.JID, oldNick, newNick string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[bare(roomJID)]
	if !ok {
		return
	}
	if occ, ok := room.Occupants[oldNick]; ok {
		delete(room.Occupants, oldNick)
		occ.Nick = newNick
		room.Occupants[newNick] = occ
	}
	if room.Nick == oldNick {
		room.Nick = newNick
	}
}

// Rooms returns every currently joined room.
func (m *Manager) Rooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// SetProbePending marks a room as awaiting a disco#info liveness reply.
func (m *Manager) SetProbePending(roomJID jid.JID, pending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[bare(roomJID)]; ok {
		room.Liveness.ProbePending = pending
	}
}

// MarkDisconnected flags a room unreachable after repeated disco#info 404s.
func (m *Manager) MarkDisconnected(roomJID jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[bare(roomJID)]; ok {
		room.Liveness.Disconnected = true
		room.Liveness.ProbePending = false
	}
}

// BumpDisconnectedTries increments a disconnected room's retry counter and
// reports whether it just reached the probe-again threshold of 5 (spec
// §4.5: "every 5 failures trigger a fresh probe").
func (m *Manager) BumpDisconnectedTries(roomJID jid.JID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[bare(roomJID)]
	if !ok {
		return false
	}
	room.Liveness.DisconnectedTries++
	if room.Liveness.DisconnectedTries >= 5 {
		room.Liveness.DisconnectedTries = 0
		return true
	}
	return false
}
