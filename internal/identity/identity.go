// Package identity implements the per-session IdentityMap: the bidirectional
// nick <-> JID mapping that IRC command targets and WHOIS replies are
// resolved through.
package identity

import (
	"strings"
	"sync"

	"mellium.im/xmpp/jid"
)

// replacer rewrites the characters that cannot survive in an IRC nick.
// Per spec §3, space, '!', ':' and '@' in a JID source all collapse to '_';
// this is lossy by construction (design note in spec §9 — "a!b" and "a:b"
// both become "a_b") and IdentityMap exists precisely so callers never have
// to reverse the transform by guessing.
var replacer = strings.NewReplacer(
	" ", "_",
	"!", "_",
	":", "_",
	"@", "_",
)

// FixNick derives an IRC-safe nick from a raw source string (a JID
// localpart or MUC occupant resource). It is idempotent: FixNick(FixNick(x))
// == FixNick(x), since every character it would still touch has already been
// rewritten to '_'.
func FixNick(source string) string {
	return replacer.Replace(source)
}

// NickFor derives the nick that should represent j. isMUC must be true only
// when j is a MUC occupant JID (room@service/nick); in that case, and only
// in that case, the resource is used as the nick. Otherwise (a plain
// contact's full JID, e.g. a 1:1 chat sender) the resource is just a client
// identifier, not an occupant nick, and the localpart is used instead
// (grounded on makeNickFromJID's explicit is_muc_jid flag in
// original_source/xmpp-ircd.py).
func NickFor(j jid.JID, isMUC bool) string {
	if isMUC {
		if res := j.Resourcepart(); res != "" {
			return FixNick(res)
		}
	}
	return FixNick(j.Localpart())
}

// Map is the per-session nick -> JID directory. It is the authoritative
// source for PRIVMSG/WHOIS target resolution (spec §3): the lossy nick
// transform never needs to be reversed by guesswork because every nick ever
// handed to an IRC client was recorded here first.
type Map struct {
	mu     sync.RWMutex
	byNick map[string]jid.JID
	byJID  map[string]string // bare-or-full JID string -> nick
}

// New creates an empty identity map.
func New() *Map {
	return &Map{
		byNick: make(map[string]jid.JID),
		byJID:  make(map[string]string),
	}
}

// Put records that nick identifies j, deriving nick from j if nick is
// empty. isMUC is forwarded to NickFor and is ignored when nick is already
// given explicitly.
func (m *Map) Put(j jid.JID, nick string, isMUC bool) string {
	if nick == "" {
		nick = NickFor(j, isMUC)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byNick[nick] = j
	m.byJID[j.String()] = nick
	return nick
}

// Remove deletes the mapping for j, if present.
func (m *Map) Remove(j jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nick, ok := m.byJID[j.String()]; ok {
		delete(m.byNick, nick)
		delete(m.byJID, j.String())
	}
}

// Rename moves the mapping for j from its old nick to newNick.
func (m *Map) Rename(j jid.JID, newNick string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if oldNick, ok := m.byJID[j.String()]; ok {
		delete(m.byNick, oldNick)
	}
	m.byNick[newNick] = j
	m.byJID[j.String()] = newNick
}

// JID resolves a nick to the JID it currently identifies, if any.
func (m *Map) JID(nick string) (jid.JID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.byNick[nick]
	return j, ok
}

// Nick resolves a JID to its current nick, if any.
func (m *Map) Nick(j jid.JID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nick, ok := m.byJID[j.String()]
	return nick, ok
}
