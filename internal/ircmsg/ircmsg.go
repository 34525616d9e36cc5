// Package ircmsg is the IRC line codec: it turns raw CRLF-terminated bytes
// into parsed commands and formats outbound numerics and commands, matching
// the subset of IRC spec §4.1 requires. It builds on github.com/sorcix/irc's
// Message/Prefix value types for the wire-level shape, the same low-level
// library the matterircd-style server loop in the pack uses.
package ircmsg

import (
	"fmt"
	"strings"

	"github.com/sorcix/irc"
)

// IRC numerics known to the gateway (spec §4.1). Not every constant here is
// emitted by the current code.
const (
	RPL_WELCOME       = "001"
	RPL_YOURHOST      = "002"
	RPL_CREATED       = "003"
	RPL_MYINFO        = "004"
	RPL_UNAWAY        = "305"
	RPL_NOWAWAY       = "306"
	RPL_WHOISUSER     = "311"
	RPL_WHOISSERVER   = "312"
	RPL_WHOISIDLE     = "318"
	RPL_WHOREPLY      = "352"
	RPL_ENDOFWHO      = "315"
	RPL_LISTSTART     = "321"
	RPL_LIST          = "322"
	RPL_LISTEND       = "323"
	RPL_CHANNELMODEIS = "324"
	RPL_CREATIONTIME  = "329"
	RPL_TOPIC         = "332"
	RPL_TOPICWHOTIME  = "333"
	RPL_NAMREPLY      = "353"
	RPL_ENDOFNAMES    = "366"
	RPL_ENDOFBANLIST  = "368"
	ERR_NOSUCHCHANNEL = "403"
	ERR_UNKNOWNCOMMAND = "421"
	ERR_NICKNAMEINUSE_TOPICLOCK = "437" // reserved nick / nick in use (spec §4.6 overload)
	ERR_PASSWDMISMATCH = "464"
	ERR_CHANNELISFULL   = "471"
	ERR_INVITEONLYCHAN  = "473"
	ERR_BANNEDFROMCHAN  = "474"
	ERR_BADCHANNELKEY   = "475"
	ERR_BADCHANMASK     = "476"
	ERR_NOCHANMODES     = "477"
	ERR_BANLISTFULL     = "478"
	ERR_UNKNOWNMODE     = "472"
	ERR_UMODEUNKNOWNFLAG = "501"
	ERR_USERSDONTMATCH  = "502"
	ERR_NOTREGISTERED   = "451"
	ERR_CHANOPRIVSNEEDED = "482"
)

// Line is one parsed inbound IRC command.
type Line struct {
	Command  string
	Params   []string
	Trailing string
	HasTrail bool
}

// Parse decodes a single CRLF-stripped IRC line into command, args, and
// trailing, where trailing begins at the first occurrence of " :" per spec
// §4.1. Parsing never fails on malformed input. An empty or blank line, or a
// line that is only a ":"-prefixed token, yields an empty Command, which
// callers should ignore the way the original silently skips blank reads.
func Parse(line string) Line {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Line{}
	}

	var trailing string
	hasTrail := false
	if idx := strings.Index(line, " :"); idx >= 0 {
		trailing = line[idx+2:]
		hasTrail = true
		line = line[:idx]
	} else if strings.HasPrefix(line, ":") {
		// a line consisting solely of ":trailing" with no command is invalid;
		// treat the whole thing as trailing-less junk.
		line = ""
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Line{Trailing: trailing, HasTrail: hasTrail}
	}

	return Line{
		Command:  strings.ToUpper(fields[0]),
		Params:   fields[1:],
		Trailing: trailing,
		HasTrail: hasTrail,
	}
}

// Format re-serializes a Line the way Parse produced it from the wire,
// satisfying the round-trip law in spec §8: parsing "<cmd> <args> :<trail>"
// and reformatting with the same command/args/trailing yields the same
// bytes.
func Format(l Line) string {
	var b strings.Builder
	b.WriteString(l.Command)
	for _, p := range l.Params {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	if l.HasTrail {
		b.WriteString(" :")
		b.WriteString(l.Trailing)
	}
	return b.String()
}

// StripChannel removes a leading '#' from a channel argument. When
// shortChannel is true the function also appends "@<mucServer>" to
// reconstruct the full room JID the way short-channel mode requires (spec
// §4.1); chan names that already contain '@' are left alone.
func StripChannel(arg string, shortChannel bool, mucServer string) string {
	name := strings.TrimPrefix(arg, "#")
	if shortChannel && !strings.Contains(name, "@") && mucServer != "" {
		name = name + "@" + mucServer
	}
	return name
}

// ChannelName reconstructs the IRC-facing "#room[@service]" form from a bare
// room JID string, the inverse of StripChannel.
func ChannelName(roomBare string) string {
	return "#" + roomBare
}

// Host builds the IRC hostmask segment from a full JID's parts, each
// percent-encoded per spec §4.1 ("host is built from the full JID as
// node@domain/resource with each part percent-encoded").
func Host(localpart, domainpart, resourcepart string) string {
	return fmt.Sprintf("%s@%s/%s", percentEncode(localpart), percentEncode(domainpart), percentEncode(resourcepart))
}

func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-' || c == '.' || c == '_' || c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// Msg builds a sorcix/irc.Message with the given prefix, command, params,
// and trailing, matching the value-type shape the pack's IRC-server example
// uses for outbound framing.
func Msg(prefix *irc.Prefix, command string, params []string, trailing string) *irc.Message {
	return &irc.Message{
		Prefix:   prefix,
		Command:  command,
		Params:   params,
		Trailing: trailing,
	}
}

// ServerPrefix builds the server-origin prefix used for numerics and
// server-generated lines (":<server> ...").
func ServerPrefix(server string) *irc.Prefix {
	return &irc.Prefix{Name: server}
}

// UserPrefix builds a user-origin prefix (":<nick>!<host> ...").
func UserPrefix(nick, host string) *irc.Prefix {
	return &irc.Prefix{Name: nick, Host: host}
}

// ActionWrap wraps a /me body as a CTCP ACTION payload.
func ActionWrap(body string) string {
	return "\x01ACTION " + body + "\x01"
}

// ActionUnwrap extracts the body of a CTCP ACTION payload and reports
// whether s was one.
func ActionUnwrap(s string) (string, bool) {
	const prefix = "\x01ACTION "
	const suffix = "\x01"
	if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix) {
		return s[len(prefix) : len(s)-len(suffix)], true
	}
	return s, false
}

// IsSlashMe reports whether body starts case-insensitively with "/me " and
// returns the remainder.
func IsSlashMe(body string) (string, bool) {
	const prefix = "/me "
	if len(body) >= len(prefix) && strings.EqualFold(body[:len(prefix)], prefix) {
		return body[len(prefix):], true
	}
	return body, false
}
