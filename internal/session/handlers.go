package session

import (
	"fmt"
	"strconv"
	"strings"

	"mellium.im/xmpp/jid"

	"github.com/xmppircd/gateway/internal/identity"
	"github.com/xmppircd/gateway/internal/ircmsg"
	"github.com/xmppircd/gateway/internal/muc"
	"github.com/xmppircd/gateway/internal/translator"
	"github.com/xmppircd/gateway/internal/xstanza"
)

// HandlePresence implements hub.Receiver: a presence stanza addressed to
// this session's synthesized JID has arrived from the component connection
// (spec §4.4's presence branch).
func (s *Session) HandlePresence(env xstanza.Envelope) {
	from, err := jid.Parse(env.From)
	if err != nil {
		s.log.Debug("presence from unparsable jid %q: %v", env.From, err)
		return
	}
	room := from.Bare()
	nick := identity.NickFor(from, true)

	var body xstanza.PresenceBody
	if err := xstanza.Decode(env.Inner, &body); err != nil {
		s.log.Debug("decode presence body: %v", err)
		return
	}

	if body.Error != nil {
		s.handlePresenceError(room, nick, body.Error)
		return
	}

	if body.MUC == nil {
		// presence outside any MUC context (e.g. a contact's availability);
		// the gateway only bridges room presence (spec Non-goals).
		return
	}

	is303 := false
	for _, st := range body.MUC.Status {
		if st.Code == "303" {
			is303 = true
		}
	}

	if env.Type == "unavailable" {
		s.handleUnavailablePresence(room, nick, from, body, is303)
		return
	}

	s.handleAvailablePresence(room, nick, from, body)
}

func (s *Session) handlePresenceError(room jid.JID, nick string, stanzaErr *xstanza.StanzaError) {
	roomBare := room.String()

	s.mu.Lock()
	coordActive := s.coord.pendingNick != ""
	s.mu.Unlock()
	if coordActive && stanzaErr.Code == "409" {
		s.onNickChangeConflict(roomBare)
		return
	}

	if s.rooms.IsJoining(room) {
		s.rooms.AbortJoin(room)
		num, ok := translator.MapError(stanzaErr.Code)
		if ok {
			s.writeMessage(ircmsg.Msg(ircmsg.ServerPrefix(s.cfg.ServerName), num.Numeric,
				[]string{s.currentNick(), ircmsg.ChannelName(roomBare)}, num.Message))
		} else {
			s.writeLine(ircmsg.Format(ircmsg.Line{Command: "ERROR", HasTrail: true,
				Trailing: fmt.Sprintf("Could not join %s: %s", ircmsg.ChannelName(roomBare), stanzaErr.Code)}))
		}
		return
	}

	if stanzaErr.Code == "404" {
		s.onLivenessReply(roomBare, "404")
	}
}

func (s *Session) handleUnavailablePresence(room jid.JID, nick string, from jid.JID, body xstanza.PresenceBody, is303 bool) {
	roomBare := room.String()

	if s.rooms.IsJoining(room) && nick == s.currentNick() {
		// self-presence unavailable while still queued: join failed or was
		// cancelled before it ever completed.
		s.rooms.AbortJoin(room)
		return
	}

	r := s.rooms.Room(room)
	if r == nil {
		return
	}

	if is303 && body.MUC.Item.Nick != "" {
		newNick := identity.FixNick(body.MUC.Item.Nick)
		if nick == r.Nick {
			// our own rename inside this room, mid-coordinator: the 303/new
			// presence pair is handled by onNickChangeConfirmed once an
			// available presence under the new nick arrives; record the
			// pending mapping so that arrival can be matched.
			s.mu.Lock()
			s.changingNick[roomBare] = newNick
			s.mu.Unlock()
			return
		}
		s.rooms.RenameOccupant(room, nick, newNick)
		s.writeMessage(ircmsg.Msg(ircmsg.UserPrefix(nick, ircmsg.Host(from.Localpart(), from.Domainpart(), nick)), "NICK", nil, newNick))
		return
	}

	if nick == r.Nick {
		// we were kicked, banned, or the room was destroyed.
		s.rooms.Leave(room)
		reason := "Leaving"
		if body.MUC.Destroy != nil {
			reason = "Room destroyed"
		}
		s.writeMessage(ircmsg.Msg(ircmsg.UserPrefix(nick, s.cfg.ServerName), "PART", []string{ircmsg.ChannelName(roomBare)}, reason))
		return
	}

	s.rooms.RemoveOccupant(room, nick)
	s.writeMessage(ircmsg.Msg(ircmsg.UserPrefix(nick, ircmsg.Host(from.Localpart(), from.Domainpart(), nick)), "PART", []string{ircmsg.ChannelName(roomBare)}, body.Status))
}

func (s *Session) handleAvailablePresence(room jid.JID, nick string, from jid.JID, body xstanza.PresenceBody) {
	roomBare := room.String()
	occ := muc.Occupant{
		Nick:   nick,
		JID:    from,
		Show:   body.Show,
		Status: body.Status,
	}
	if body.MUC != nil {
		occ.Affiliation = muc.Affiliation(body.MUC.Item.Affiliation)
		occ.Role = muc.Role(body.MUC.Item.Role)
	}

	if s.rooms.IsJoining(room) {
		isSelf := false
		for _, st := range body.MUC.Status {
			if st.Code == "110" {
				isSelf = true
			}
		}
		if isSelf {
			r := s.rooms.CommitJoin(room, nick)
			s.rooms.AddOccupant(room, occ)
			s.ids.Put(from, nick, true)
			s.writeMessage(ircmsg.Msg(
				ircmsg.UserPrefix(s.currentNick(), ircmsg.Host(from.Localpart(), from.Domainpart(), nick)),
				"JOIN", nil, ircmsg.ChannelName(roomBare)))
			s.writeMessage(ircmsg.Msg(ircmsg.ServerPrefix(s.cfg.ServerName), "MODE", []string{ircmsg.ChannelName(roomBare)}, "+n"))
			s.sendNamesReply(r)
			return
		}
		s.rooms.QueueOccupant(room, occ)
		return
	}

	s.mu.Lock()
	pendingNewNick, renaming := s.changingNick[roomBare]
	if renaming {
		delete(s.changingNick, roomBare)
	}
	s.mu.Unlock()
	if renaming && nick == pendingNewNick {
		s.onNickChangeConfirmed(roomBare)
		return
	}

	r := s.rooms.Room(room)
	if r == nil {
		return
	}
	existing := s.rooms.Occupant(room, nick)
	if existing == nil {
		s.rooms.AddOccupant(room, occ)
		s.ids.Put(from, nick, true)
		s.writeMessage(ircmsg.Msg(
			ircmsg.UserPrefix(nick, ircmsg.Host(from.Localpart(), from.Domainpart(), nick)),
			"JOIN", nil, ircmsg.ChannelName(roomBare)))
		// spec §4.4: "if role is moderator emit MODE #room +o <nick>, if
		// participant +v", with the room itself standing in for the giver
		// (no server-side initiator exists for a plain join).
		if flag := translator.RoleModeChar(occ.Role); flag != "" {
			giverHost := ircmsg.Host(room.Localpart(), room.Domainpart(), "")
			giverNick := identity.FixNick(room.Localpart())
			s.writeMessage(ircmsg.Msg(ircmsg.UserPrefix(giverNick, giverHost), "MODE",
				[]string{ircmsg.ChannelName(roomBare), "+" + flag}, nick))
		}
		return
	}
	// presence update for an already-known occupant (show/status change or
	// a role/affiliation change); IRC has no analogue for show/status
	// churn, so only a genuine role change is surfaced (spec §4.4: "Role
	// change on existing occupant: emit MODE #room ±o/±v against a
	// synthetic giver JID room/telepaatti").
	if existing.Role != occ.Role {
		giverHost := ircmsg.Host(room.Localpart(), room.Domainpart(), "telepaatti")
		giverPrefix := ircmsg.UserPrefix("telepaatti", giverHost)
		oldFlag := translator.RoleModeChar(existing.Role)
		newFlag := translator.RoleModeChar(occ.Role)
		if oldFlag != "" && oldFlag != newFlag {
			s.writeMessage(ircmsg.Msg(giverPrefix, "MODE", []string{ircmsg.ChannelName(roomBare), "-" + oldFlag}, nick))
		}
		if newFlag != "" && newFlag != oldFlag {
			s.writeMessage(ircmsg.Msg(giverPrefix, "MODE", []string{ircmsg.ChannelName(roomBare), "+" + newFlag}, nick))
		}
	}
	s.rooms.AddOccupant(room, occ)
}

func (s *Session) sendNamesReply(r *muc.Room) {
	chanName := ircmsg.ChannelName(r.JID.String())
	var names []string
	ownRole := muc.RoleNone
	if own, ok := r.Occupants[r.Nick]; ok {
		ownRole = own.Role
	}
	names = append(names, translator.NamesPrefix(ownRole)+r.Nick)
	for nk, occ := range r.Occupants {
		if nk == r.Nick {
			continue
		}
		names = append(names, translator.NamesPrefix(occ.Role)+nk)
	}
	s.numeric(ircmsg.RPL_NAMREPLY, s.currentNick()+" = "+chanName, strings.Join(names, " "))
	s.numeric(ircmsg.RPL_ENDOFNAMES, s.currentNick()+" "+chanName, "End of /NAMES list")
}

// HandleMessage implements hub.Receiver (spec §4.4's message branch).
func (s *Session) HandleMessage(env xstanza.Envelope) {
	from, err := jid.Parse(env.From)
	if err != nil {
		return
	}

	var body xstanza.MessageBody
	if err := xstanza.Decode(env.Inner, &body); err != nil {
		s.log.Debug("decode message body: %v", err)
		return
	}

	if body.Error != nil {
		s.handleMessageError(from, env.Type, body.Error)
		return
	}

	if env.Type == "groupchat" {
		s.handleGroupchatMessage(from, env, body)
		return
	}

	s.handleChatMessage(from, body)
}

// handleMessageError maps an error on an outgoing groupchat message to an
// IRC numeric sent to the room (spec §4.4: "type=error: if error 403 emit
// numeric 482 to the room").
func (s *Session) handleMessageError(from jid.JID, msgType string, stanzaErr *xstanza.StanzaError) {
	if msgType != "groupchat" {
		return
	}
	num, ok := translator.MessageErrorNumeric(stanzaErr.Code)
	if !ok {
		return
	}
	chanName := ircmsg.ChannelName(from.Bare().String())
	s.numeric(num, s.currentNick()+" "+chanName, "You're not channel operator")
}

func (s *Session) handleGroupchatMessage(from jid.JID, env xstanza.Envelope, body xstanza.MessageBody) {
	room := from.Bare()
	nick := identity.NickFor(from, true)
	r := s.rooms.Room(room)
	if r == nil {
		return
	}

	if body.Subject != nil {
		s.rooms.SetSubject(room, *body.Subject, nick)
		s.numeric(ircmsg.RPL_TOPIC, s.currentNick()+" "+ircmsg.ChannelName(room.String()), *body.Subject)
		return
	}

	if body.Body == "" {
		return
	}
	if nick == r.Nick && body.Delay == nil {
		// history replay of our own message with no delay stamp is the live
		// echo of what we just sent; suppress it (most MUC services omit the
		// echo to the sender, but some reflect it).
		return
	}

	text, isAction := ircmsg.IsSlashMe(body.Body)
	if body.Delay != nil {
		if ts, err := translator.ParseDelayStamp(body.Delay.Stamp); err == nil {
			text = fmt.Sprintf("[%s] %s", ts.Format("2006-01-02 15:04:05"), text)
		}
	}
	if isAction {
		text = "\x01ACTION " + text + "\x01"
	}
	host := ircmsg.Host(from.Localpart(), from.Domainpart(), nick)
	s.writeMessage(ircmsg.Msg(ircmsg.UserPrefix(nick, host), "PRIVMSG", []string{ircmsg.ChannelName(room.String())}, text))
}

func (s *Session) handleChatMessage(from jid.JID, body xstanza.MessageBody) {
	if body.Body == "" {
		return
	}
	nick := s.ids.Put(from, "", false)
	text := body.Body
	if action, ok := ircmsg.IsSlashMe(text); ok {
		text = "\x01ACTION " + action + "\x01"
	}
	host := ircmsg.Host(from.Localpart(), from.Domainpart(), from.Resourcepart())
	s.writeMessage(ircmsg.Msg(ircmsg.UserPrefix(nick, host), "PRIVMSG", []string{s.currentNick()}, text))
}

// HandleIQ implements hub.Receiver (spec §4.4's IQ/disco branch).
func (s *Session) HandleIQ(env xstanza.Envelope) {
	from, err := jid.Parse(env.From)
	if err != nil {
		return
	}

	switch env.Type {
	case "error":
		s.handleIQError(from, env)
	case "result":
		s.handleIQResult(from, env)
	}
}

func (s *Session) handleIQError(from jid.JID, env xstanza.Envelope) {
	var body xstanza.MessageBody
	_ = xstanza.Decode(env.Inner, &body)
	code := ""
	if body.Error != nil {
		code = body.Error.Code
	}
	if strings.HasPrefix(env.ID, "disco_info_") {
		s.onLivenessReply(from.Bare().String(), code)
	}
}

func (s *Session) handleIQResult(from jid.JID, env xstanza.Envelope) {
	switch {
	case strings.HasPrefix(env.ID, "disco_info_"):
		s.handleDiscoInfoResult(from, env)
	case strings.HasPrefix(env.ID, "disco_muc_rooms"):
		s.handleDiscoRoomsResult(env)
	case strings.HasPrefix(env.ID, "disco_muc_users"):
		s.handleDiscoUsersResult(from, env)
	case strings.HasPrefix(env.ID, "whois_vcard_"):
		s.handleWhoisVCard(env)
	case strings.HasPrefix(env.ID, "whois_last_"):
		s.handleWhoisLast(env)
	case strings.HasPrefix(env.ID, "whois_version_"):
		s.handleWhoisVersion(env)
	case strings.HasPrefix(env.ID, "muc_banlist"):
		s.handleBanListResult(from, env)
	}
}

func (s *Session) handleDiscoInfoResult(from jid.JID, env xstanza.Envelope) {
	s.onLivenessReply(from.Bare().String(), "")

	var q xstanza.DiscoInfoQuery
	if err := xstanza.Decode(env.Inner, &q); err != nil {
		return
	}
	features := make(map[string]bool, len(q.Features))
	for _, f := range q.Features {
		features[f.Var] = true
	}
	modes := translator.ChannelModeString(features)
	chanName := ircmsg.ChannelName(from.Bare().String())
	s.numeric(ircmsg.RPL_CHANNELMODEIS, s.currentNick()+" "+chanName, modes)
}

func (s *Session) handleDiscoRoomsResult(env xstanza.Envelope) {
	var q xstanza.DiscoItemsQuery
	if err := xstanza.Decode(env.Inner, &q); err != nil {
		return
	}
	nick := s.currentNick()
	s.numeric(ircmsg.RPL_LISTSTART, nick, "Channel :Users Name")
	for _, item := range q.Items {
		s.numeric(ircmsg.RPL_LIST, nick+" "+ircmsg.ChannelName(item.Jid)+" 0", item.Name)
	}
	s.numeric(ircmsg.RPL_LISTEND, nick, "End of /LIST")
}

func (s *Session) handleDiscoUsersResult(from jid.JID, env xstanza.Envelope) {
	var q xstanza.DiscoItemsQuery
	if err := xstanza.Decode(env.Inner, &q); err != nil {
		return
	}
	nick := s.currentNick()
	chanName := ircmsg.ChannelName(from.Bare().String())
	for _, item := range q.Items {
		s.numeric(ircmsg.RPL_WHOREPLY, nick+" "+chanName, fmt.Sprintf("~%s %s %s %s H :0 %s", item.Name, from.Bare().String(), s.cfg.ServerName, item.Name, item.Name))
	}
	s.numeric(ircmsg.RPL_ENDOFWHO, nick+" "+chanName, "End of /WHO list")
}

func (s *Session) handleWhoisVCard(env xstanza.Envelope) {
	var v xstanza.VCardBody
	_ = xstanza.Decode(env.Inner, &v)
	nick := strings.TrimPrefix(env.ID, "whois_vcard_")
	display := v.FN
	if display == "" {
		display = v.NICKNAME
	}
	if display != "" {
		s.numeric(ircmsg.RPL_WHOISUSER, s.currentNick()+" "+nick, display)
	}
}

func (s *Session) handleWhoisLast(env xstanza.Envelope) {
	var q xstanza.LastActivityQuery
	if err := xstanza.Decode(env.Inner, &q); err != nil {
		return
	}
	nick := strings.TrimPrefix(env.ID, "whois_last_")
	seconds, err := strconv.Atoi(q.Seconds)
	if err != nil {
		return
	}
	s.numeric(ircmsg.RPL_WHOISIDLE, s.currentNick()+" "+nick+" "+strconv.Itoa(seconds)+" 0", "seconds idle, signon time")
}

func (s *Session) handleWhoisVersion(env xstanza.Envelope) {
	var q xstanza.VersionQuery
	if err := xstanza.Decode(env.Inner, &q); err != nil {
		return
	}
	nick := strings.TrimPrefix(env.ID, "whois_version_")
	if q.Name == "" {
		return
	}
	s.numeric(ircmsg.RPL_WHOISSERVER, s.currentNick()+" "+nick, fmt.Sprintf("%s %s", q.Name, q.Version))
	s.writeMessage(ircmsg.Msg(ircmsg.ServerPrefix(s.cfg.ServerName), "NOTICE", []string{s.currentNick()},
		fmt.Sprintf("%s is running %s %s on %s", nick, q.Name, q.Version, q.OS)))
}

func (s *Session) handleBanListResult(from jid.JID, env xstanza.Envelope) {
	nick := s.currentNick()
	s.numeric(ircmsg.RPL_ENDOFBANLIST, nick+" "+ircmsg.ChannelName(from.Bare().String()), "End of channel ban list")
}
