// Package translator holds the stateless semantic-mapping rules between MUC
// concepts and IRC concepts: role/affiliation <-> mode characters, disco
// feature sets <-> channel mode strings, XMPP error codes <-> IRC numerics,
// and delay-stamp parsing. The CTCP ACTION <-> "/me" helpers live in
// internal/ircmsg. It has no connections or
// goroutines of its own; internal/session calls into it while walking the
// per-client state machine.
package translator

import (
	"time"

	"github.com/xmppircd/gateway/internal/muc"
)

// discoFeatureOrder is the left-to-right enumeration order spec §4.4 and
// the stable-ordering law in §8 require: a disco-info result whose features
// are {muc_persistent, muc_public} must produce "+PB" in that order, not
// alphabetical or map-iteration order.
var discoFeatureOrder = []struct {
	feature string
	mode    byte
}{
	{"muc_hidden", 's'},
	{"muc_membersonly", 'p'},
	{"muc_moderated", 'm'},
	{"muc_nonanonymous", 'A'},
	{"muc_open", 'F'},
	{"muc_passwordprotected", 'k'},
	{"muc_persistent", 'P'},
	{"muc_public", 'B'},
	{"muc_semianonymous", 'a'},
	{"muc_temporary", 'T'},
	{"muc_unmoderated", 'u'},
	{"muc_unsecured", 'U'},
}

// ChannelModeString builds the "+<modes>" string for a room's disco#info
// feature set, in the stable order above.
func ChannelModeString(features map[string]bool) string {
	modes := make([]byte, 0, len(discoFeatureOrder))
	for _, fm := range discoFeatureOrder {
		if features[fm.feature] {
			modes = append(modes, fm.mode)
		}
	}
	if len(modes) == 0 {
		return "+"
	}
	return "+" + string(modes)
}

// RoleModeChar returns the IRC occupant-prefix mode letter for a MUC role:
// "o" for moderator, "v" for participant, "" otherwise (visitor/none get no
// mode, spec §4.4).
func RoleModeChar(role muc.Role) string {
	switch role {
	case muc.RoleModerator:
		return "o"
	case muc.RoleParticipant:
		return "v"
	default:
		return ""
	}
}

// NamesPrefix returns the NAMES-listing prefix character for a role: "@"
// for moderator, "+" for participant, "" otherwise (spec §4.4).
func NamesPrefix(role muc.Role) string {
	switch role {
	case muc.RoleModerator:
		return "@"
	case muc.RoleParticipant:
		return "+"
	default:
		return ""
	}
}

// ErrorNumeric is one row of the XMPP-error -> IRC-numeric table (spec
// §4.6).
type ErrorNumeric struct {
	Numeric string
	Message string
}

// errorTable implements the table in spec §4.6.
var errorTable = map[string]ErrorNumeric{
	"401": {"475", "Password required to join"},
	"403": {"474", "Banned from channel"},
	"404": {"404", "No such channel"},
	"405": {"478", "Can't create MUC"},
	"406": {"437", "Reserved nick required"},
	"407": {"473", "Must be a member"},
	"409": {"437", "Nick in use"},
	"503": {"471", "Channel is full"},
}

// MapError maps an XMPP stanza error code to its IRC numeric and message.
// ok is false for a code not in the table (spec §7: unexpected codes
// produce a generic ERROR line instead).
func MapError(code string) (ErrorNumeric, bool) {
	e, ok := errorTable[code]
	return e, ok
}

// MessageErrorNumeric maps an error code on a message stanza to the IRC
// numeric emitted to the room (spec §4.4: "type=error: if error 403 emit
// numeric 482 to the room"). This is a separate, narrower table from
// errorTable above, which covers join/presence errors instead.
func MessageErrorNumeric(code string) (string, bool) {
	if code == "403" {
		return "482", true
	}
	return "", false
}

// legacyDelayLayout is the XEP-0091-style timestamp spec §4.4 specifies:
// "YYYYMMDDTHH:MM:SS".
const legacyDelayLayout = "20060102T15:04:05"

// ParseDelayStamp parses a XEP-0203/XEP-0091 delay stamp using the legacy
// layout named in spec §4.4. Falls back to RFC 3339 for servers that send
// the modern ISO-8601 stamp format, since both appear in the wild and the
// original's hand-rolled strptime call only handled the legacy one.
func ParseDelayStamp(stamp string) (time.Time, error) {
	if t, err := time.Parse(legacyDelayLayout, stamp); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, stamp)
}
