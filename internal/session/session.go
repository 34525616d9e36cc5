// Package session implements the SessionStateMachine (spec §4.3): one
// instance per connected IRC client, carrying it through the
// pre-registration handshake, the operational IRC<->MUC translation loop,
// the multi-room nick-change coordinator (spec §4.5), and room liveness
// probing. It is grounded on the original ClientThread in
// original_source/xmpp-ircd.py, rewritten around the teacher's
// mutex-guarded-manager idiom (internal/xmpp/muc, internal/xmpp/presence)
// instead of the original's per-thread instance dict.
package session

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/sorcix/irc"

	"github.com/xmppircd/gateway/internal/identity"
	"github.com/xmppircd/gateway/internal/ircmsg"
	"github.com/xmppircd/gateway/internal/logging"
	"github.com/xmppircd/gateway/internal/muc"
)

// state is the SessionStateMachine's coarse state (spec §4.3).
type state int

const (
	statePreRegister state = iota
	stateOperational
	stateTerminating
)

// Sender is the narrow interface the hub hands a session at registration.
type Sender interface {
	Send(ctx context.Context, v interface{}) error
	Unregister(bareJID string)
}

// Config carries the fields every session needs from the gateway's runtime
// config.
type Config struct {
	ServerName   string // presented as the IRC server name in numerics
	MUCServer    string
	ShortChannel bool
}

// nickChangeRoomResult is the per-room bookkeeping for one in-flight nick
// change (spec §3 NickChangeCoordinator, Design Notes §9's explicit FSM).
type nickChangeRoomResult struct {
	checked bool
	changed bool
}

// nickCoordState is Idle when pendingNick == "".
type nickCoordState struct {
	pendingNick string
	results     map[string]*nickChangeRoomResult // bare room JID -> result
}

// Session is one connected IRC client's state.
type Session struct {
	log    *logging.Logger
	cfg    Config
	hub    Sender
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	mu        sync.Mutex
	state     state
	bareJID   string
	localJID  jid.JID
	nick      string
	rooms     *muc.Manager
	ids       *identity.Map
	coord     nickCoordState
	pingCount int
	// changingNick maps a bare room JID to the new nick announced by a
	// 303 unavailable presence for our own occupant, so that the following
	// available presence under that nick confirms the rename in that room.
	changingNick map[string]string
}

// New constructs a Session bound to conn for the synthesized bareJID. It does
// not register the session; the caller does that (hub.Register builds the
// session through New and records it).
func New(conn net.Conn, hub Sender, bareJID string, cfg Config, log *logging.Logger) *Session {
	local, _ := jid.Parse(bareJID)
	return &Session{
		log:          log,
		cfg:          cfg,
		hub:          hub,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		state:        statePreRegister,
		bareJID:      bareJID,
		localJID:     local,
		rooms:        muc.NewManager(),
		ids:          identity.New(),
		changingNick: make(map[string]string),
	}
}

// BareJID implements hub.Receiver.
func (s *Session) BareJID() string { return s.bareJID }

// Serve runs the IRC read loop until the client disconnects or a fatal
// socket error occurs (spec §4.3, §5).
func (s *Session) Serve() {
	defer s.terminate("connection closed")
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if len(strings.TrimSpace(line)) > 0 {
				s.handleLine(line)
			}
			return
		}
		s.handleLine(line)
	}
}

func (s *Session) handleLine(raw string) {
	l := ircmsg.Parse(raw)
	if l.Command == "" {
		return
	}

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if st == statePreRegister {
		switch l.Command {
		case "NICK":
			s.handleRegisterNick(l)
		case "PASS":
			// accepted and ignored; component auth does not depend on it
		default:
			s.log.Debug("ignoring %s before registration", l.Command)
		}
		return
	}

	switch l.Command {
	case "JOIN":
		s.ircJoin(l)
	case "PART":
		s.ircPart(l)
	case "PRIVMSG", "NOTICE":
		s.ircPrivmsg(l)
	case "NICK":
		s.ircNick(l)
	case "TOPIC":
		s.ircTopic(l)
	case "MODE":
		s.ircMode(l)
	case "WHO":
		s.ircWho(l)
	case "WHOIS":
		s.ircWhois(l)
	case "LIST":
		s.ircList(l)
	case "AWAY":
		s.ircAway(l)
	case "PING":
		s.writeLine(ircmsg.Format(ircmsg.Line{Command: "PONG", Params: []string{s.cfg.ServerName}}))
		s.onPing()
	case "QUIT":
		s.terminate("client quit")
	default:
		s.log.Debug("ignoring unsupported command %s", l.Command)
	}
}

// --- registration ---

func (s *Session) handleRegisterNick(l ircmsg.Line) {
	if len(l.Params) == 0 {
		return
	}
	nick := l.Params[0]
	s.mu.Lock()
	s.nick = nick
	s.state = stateOperational
	s.mu.Unlock()
	s.ids.Put(s.localJID, nick, false)

	srv := s.cfg.ServerName
	s.writeLine(fmt.Sprintf("NOTICE AUTH :*** Looking up your hostname..."))
	s.writeLine(fmt.Sprintf("NOTICE AUTH :*** Found your hostname"))
	s.writeLine(fmt.Sprintf("NOTICE AUTH :*** Checking ident"))
	s.writeLine(fmt.Sprintf("NOTICE AUTH :*** No ident response"))
	s.numeric(ircmsg.RPL_WELCOME, nick, fmt.Sprintf("Welcome to the XMPP-IRC gateway, %s", nick))
	s.numeric(ircmsg.RPL_YOURHOST, nick, fmt.Sprintf("Your host is %s", srv))
	s.numeric(ircmsg.RPL_CREATED, nick, "This server was started earlier")
	s.numeric(ircmsg.RPL_MYINFO, nick, fmt.Sprintf("%s 0.1 io oiklmnpstv", srv))
}

// --- outbound numerics / lines ---

func (s *Session) numeric(code, target, trailing string) {
	msg := ircmsg.Msg(ircmsg.ServerPrefix(s.cfg.ServerName), code, []string{target}, trailing)
	s.writeMessage(msg)
}

func (s *Session) writeMessage(m *irc.Message) {
	s.writeLine(m.String())
}

func (s *Session) writeLine(line string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.Write([]byte(line + "\r\n"))
}

func (s *Session) currentNick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// --- JOIN / PART ---

func (s *Session) roomJID(arg string) (jid.JID, error) {
	bare := ircmsg.StripChannel(arg, s.cfg.ShortChannel, s.cfg.MUCServer)
	return jid.Parse(bare)
}

func (s *Session) ircJoin(l ircmsg.Line) {
	if len(l.Params) == 0 {
		return
	}
	chanArgs := strings.Split(l.Params[0], ",")
	var passwords []string
	if len(l.Params) > 1 {
		passwords = strings.Split(l.Params[1], ",")
	}
	nick := s.currentNick()

	for i, chanArg := range chanArgs {
		room, err := s.roomJID(chanArg)
		if err != nil {
			s.numeric(ircmsg.ERR_NOSUCHCHANNEL, chanArg, "No such channel")
			continue
		}
		password := ""
		if i < len(passwords) {
			password = passwords[i]
		}
		s.rooms.BeginJoin(room)
		occupantJID, err := room.Bare().WithResource(nick)
		if err != nil {
			continue
		}
		pres := newJoinPresence(occupantJID, password)
		if err := s.hub.Send(context.Background(), pres); err != nil {
			s.log.Error("send join presence: %v", err)
		}
	}
}

func (s *Session) ircPart(l ircmsg.Line) {
	if len(l.Params) == 0 {
		return
	}
	reason := l.Trailing
	for _, chanArg := range strings.Split(l.Params[0], ",") {
		room, err := s.roomJID(chanArg)
		if err != nil {
			continue
		}
		occJID, _ := room.Bare().WithResource(s.currentNick())
		p := presenceWithShow{Presence: stanza.Presence{To: occJID, Type: stanza.UnavailablePresence}, Status: reason}
		if err := s.hub.Send(context.Background(), p); err != nil {
			s.log.Error("send part presence: %v", err)
		}
		s.rooms.Leave(room)
	}
}

// --- PRIVMSG ---

func (s *Session) ircPrivmsg(l ircmsg.Line) {
	if len(l.Params) == 0 {
		return
	}
	target := l.Params[0]
	body := l.Trailing

	if actionBody, ok := ircmsg.ActionUnwrap(body); ok {
		body = "/me " + actionBody
	}

	if strings.HasPrefix(target, "#") {
		room, err := s.roomJID(target)
		if err != nil {
			s.numeric(ircmsg.ERR_NOSUCHCHANNEL, target, "No such channel")
			return
		}
		msg := chatMessage{
			Message: stanza.Message{To: room.Bare(), Type: stanza.GroupChatMessage},
			Body:    messageBody{Text: body},
		}
		if err := s.hub.Send(context.Background(), msg); err != nil {
			s.log.Error("send groupchat message: %v", err)
		}
		return
	}

	toJID, ok := s.ids.JID(target)
	if !ok {
		s.numeric(ircmsg.ERR_NOSUCHCHANNEL, target, "No such nick")
		return
	}
	msg := chatMessage{
		Message: stanza.Message{To: toJID, Type: stanza.ChatMessage},
		Body:    messageBody{Text: body},
	}
	if err := s.hub.Send(context.Background(), msg); err != nil {
		s.log.Error("send chat message: %v", err)
	}
}

// --- TOPIC ---

func (s *Session) ircTopic(l ircmsg.Line) {
	if len(l.Params) == 0 {
		return
	}
	room, err := s.roomJID(l.Params[0])
	if err != nil {
		return
	}
	if !l.HasTrail {
		return
	}
	msg := topicMessage{
		Message: stanza.Message{To: room.Bare(), Type: stanza.GroupChatMessage},
		Subject: subjectElem{Text: l.Trailing},
	}
	if err := s.hub.Send(context.Background(), msg); err != nil {
		s.log.Error("send topic message: %v", err)
	}
}

// --- MODE ---

func (s *Session) ircMode(l ircmsg.Line) {
	if len(l.Params) == 0 {
		return
	}
	target := l.Params[0]
	if !strings.HasPrefix(target, "#") {
		// bare self-mode query (spec SPEC_FULL §3: irssi-compatibility no-op)
		s.numeric("221", s.currentNick(), "+i")
		return
	}
	room, err := s.roomJID(target)
	if err != nil {
		return
	}
	if len(l.Params) < 2 {
		s.requestDiscoInfo(room)
		return
	}
	flag := l.Params[1]
	if len(flag) < 2 || (flag[0] != '+' && flag[0] != '-') {
		s.requestDiscoInfo(room)
		return
	}
	if len(l.Params) < 3 {
		return
	}
	nick := l.Params[2]
	var role string
	switch flag[1] {
	case 'o':
		if flag[0] == '+' {
			role = string(muc.RoleModerator)
		} else {
			role = string(muc.RoleParticipant)
		}
	case 'v':
		if flag[0] == '+' {
			role = string(muc.RoleParticipant)
		} else {
			role = string(muc.RoleVisitor)
		}
	case 'b':
		s.requestBanList(room)
		return
	default:
		s.numeric(ircmsg.ERR_UNKNOWNMODE, flag[1:2], "is unknown mode char to me")
		return
	}

	iq := mucAdminIQ{
		IQ:    stanza.IQ{Type: stanza.SetIQ, To: room.Bare()},
		Query: mucAdminQuery{Item: mucAdminItem{Nick: nick, Role: role}},
	}
	if err := s.hub.Send(context.Background(), iq); err != nil {
		s.log.Error("send MUC admin iq: %v", err)
	}
}

func (s *Session) requestDiscoInfo(room jid.JID) {
	iq := discoInfoIQ{IQ: stanza.IQ{Type: stanza.GetIQ, To: room.Bare(), ID: "disco_info_" + room.Bare().String()}}
	if err := s.hub.Send(context.Background(), iq); err != nil {
		s.log.Error("send disco#info: %v", err)
	}
}

func (s *Session) requestBanList(room jid.JID) {
	iq := mucAdminIQ{IQ: stanza.IQ{Type: stanza.GetIQ, To: room.Bare(), ID: "muc_banlist"}}
	if err := s.hub.Send(context.Background(), iq); err != nil {
		s.log.Error("request ban list: %v", err)
	}
}

// --- WHO / WHOIS / LIST ---

func (s *Session) ircWho(l ircmsg.Line) {
	if len(l.Params) == 0 {
		s.numeric(ircmsg.RPL_ENDOFWHO, "*", "End of /WHO list")
		return
	}
	room, err := s.roomJID(l.Params[0])
	if err != nil {
		s.numeric(ircmsg.RPL_ENDOFWHO, l.Params[0], "End of /WHO list")
		return
	}
	iq := discoItemsIQ{
		IQ:    stanza.IQ{Type: stanza.GetIQ, To: room.Bare(), ID: "disco_muc_users"},
		Query: discoItemsQuery{},
	}
	if err := s.hub.Send(context.Background(), iq); err != nil {
		s.log.Error("send who disco#items: %v", err)
	}
}

func (s *Session) ircWhois(l ircmsg.Line) {
	if len(l.Params) == 0 {
		return
	}
	nick := l.Params[0]
	target, ok := s.ids.JID(nick)
	if !ok {
		s.numeric("401", nick, "No such nick/channel")
		return
	}
	s.hub.Send(context.Background(), vcardIQ{IQ: stanza.IQ{Type: stanza.GetIQ, To: target, ID: "whois_vcard_" + nick}})
	s.hub.Send(context.Background(), lastActivityIQ{IQ: stanza.IQ{Type: stanza.GetIQ, To: target, ID: "whois_last_" + nick}})
	s.hub.Send(context.Background(), versionIQ{IQ: stanza.IQ{Type: stanza.GetIQ, To: target, ID: "whois_version_" + nick}})
}

func (s *Session) ircList(l ircmsg.Line) {
	iq := discoItemsIQ{
		IQ:    stanza.IQ{Type: stanza.GetIQ, To: jid.JID{}, ID: "disco_muc_rooms"},
		Query: discoItemsQuery{},
	}
	mucSvc, err := jid.Parse(s.cfg.MUCServer)
	if err == nil {
		iq.IQ.To = mucSvc
	}
	if err := s.hub.Send(context.Background(), iq); err != nil {
		s.log.Error("send list disco#items: %v", err)
	}
}

// --- AWAY ---

func (s *Session) ircAway(l ircmsg.Line) {
	show := "away"
	status := l.Trailing
	if !l.HasTrail || status == "" {
		// AWAY with no argument un-sets away (spec §4.4/§9: reimplemented
		// cleanly rather than left disabled as in the original).
		s.numeric(ircmsg.RPL_UNAWAY, s.currentNick(), "You are no longer marked as being away")
		show = ""
	} else {
		show, status = parseAwayShow(status)
		s.numeric(ircmsg.RPL_NOWAWAY, s.currentNick(), "You have been marked as being away")
	}
	p := presenceWithShow{Presence: stanza.Presence{}, Show: show, Status: status}
	if err := s.hub.Send(context.Background(), p); err != nil {
		s.log.Error("send away presence: %v", err)
	}
}

// parseAwayShow splits an AWAY trailing message into its show state and
// remaining status text. A leading "xa", "dnd", or "chat" token selects that
// show state (spec DATA MODEL: "show=away/xa/dnd/chat"); anything else is
// plain "away" with the whole message kept as status.
func parseAwayShow(status string) (show, rest string) {
	fields := strings.SplitN(status, " ", 2)
	switch fields[0] {
	case "xa", "dnd", "chat":
		if len(fields) > 1 {
			return fields[0], fields[1]
		}
		return fields[0], ""
	default:
		return "away", status
	}
}

// --- NICK / nick-change coordinator ---

func (s *Session) ircNick(l ircmsg.Line) {
	if len(l.Params) == 0 {
		return
	}
	newNick := l.Params[0]
	rooms := s.rooms.Rooms()

	if len(rooms) == 0 {
		oldNick := s.currentNick()
		s.mu.Lock()
		s.nick = newNick
		s.mu.Unlock()
		s.ids.Rename(s.localJID, newNick)
		s.writeMessage(ircmsg.Msg(ircmsg.UserPrefix(oldNick, s.cfg.ServerName), "NICK", nil, newNick))
		return
	}

	s.mu.Lock()
	s.coord = nickCoordState{pendingNick: newNick, results: make(map[string]*nickChangeRoomResult)}
	for _, r := range rooms {
		s.coord.results[r.JID.String()] = &nickChangeRoomResult{}
	}
	s.mu.Unlock()

	for _, r := range rooms {
		occJID, err := r.JID.WithResource(newNick)
		if err != nil {
			continue
		}
		p := stanza.Presence{To: occJID}
		if err := s.hub.Send(context.Background(), p); err != nil {
			s.log.Error("send nick-change presence: %v", err)
		}
	}
}

// onNickChangeConfirmed handles a 303 reply for roomBare (our own rename
// succeeded in that room).
func (s *Session) onNickChangeConfirmed(roomBare string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coord.pendingNick == "" {
		return
	}
	res, ok := s.coord.results[roomBare]
	if !ok {
		return
	}
	res.checked = true
	res.changed = true
	s.maybeFinishNickChangeLocked()
}

// onNickChangeConflict handles a 409 conflict reply for roomBare.
func (s *Session) onNickChangeConflict(roomBare string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coord.pendingNick == "" {
		return
	}
	res, ok := s.coord.results[roomBare]
	if !ok {
		return
	}
	res.checked = true
	res.changed = false
	s.maybeFinishNickChangeLocked()
}

// maybeFinishNickChangeLocked must be called with s.mu held.
func (s *Session) maybeFinishNickChangeLocked() {
	allChecked := true
	anyChanged := false
	anyConflict := false
	for _, res := range s.coord.results {
		if !res.checked {
			allChecked = false
			break
		}
		if res.changed {
			anyChanged = true
		} else {
			anyConflict = true
		}
	}
	if !allChecked {
		return
	}

	newNick := s.coord.pendingNick
	oldNick := s.nick

	if !anyConflict {
		for roomBare := range s.coord.results {
			room, err := jid.Parse(roomBare)
			if err == nil {
				s.rooms.RenameOccupant(room, oldNick, newNick)
			}
		}
		s.nick = newNick
		s.ids.Rename(s.localJID, newNick)
		s.coord = nickCoordState{}
		s.writeMessage(ircmsg.Msg(ircmsg.UserPrefix(oldNick, s.cfg.ServerName), "NICK", nil, newNick))
		return
	}

	// Mixed or total conflict: roll back the rooms that did change, per
	// spec §4.5 path 2.
	if anyChanged {
		for roomBare, res := range s.coord.results {
			if res.changed {
				room, err := jid.Parse(roomBare)
				if err == nil {
					occJID, werr := room.WithResource(oldNick)
					if werr == nil {
						s.hub.Send(context.Background(), stanza.Presence{To: occJID})
					}
				}
			}
		}
	}
	s.coord = nickCoordState{}
	s.writeLine(ircmsg.Format(ircmsg.Line{Command: "ERROR", HasTrail: true, Trailing: "Nick conflicts in some MUC wont change"}))
}

// --- liveness ---

func (s *Session) onPing() {
	s.mu.Lock()
	s.pingCount++
	fire := s.pingCount >= 5
	if fire {
		s.pingCount = 0
	}
	rooms := s.rooms.Rooms()
	s.mu.Unlock()

	if !fire {
		return
	}
	for _, r := range rooms {
		if r.Liveness.ProbePending {
			continue
		}
		if r.Liveness.Disconnected {
			if s.rooms.BumpDisconnectedTries(r.JID) {
				s.requestDiscoInfo(r.JID)
				s.rooms.SetProbePending(r.JID, true)
			}
			continue
		}
		s.rooms.SetProbePending(r.JID, true)
		s.requestDiscoInfo(r.JID)
	}
}

// onLivenessReply handles a disco#info result/error from a liveness probe.
func (s *Session) onLivenessReply(roomBare string, errCode string) {
	room, err := jid.Parse(roomBare)
	if err != nil {
		return
	}
	s.rooms.SetProbePending(room, false)
	if errCode == "404" {
		r := s.rooms.Room(room)
		if r != nil && !r.Liveness.Disconnected {
			s.rooms.MarkDisconnected(room)
			s.writeMessage(ircmsg.Msg(
				ircmsg.ServerPrefix(s.cfg.ServerName),
				"PRIVMSG",
				[]string{ircmsg.ChannelName(roomBare)},
				"*** This channel appears to be disconnected from the MUC service",
			))
		}
	}
}

// presenceWithShow mirrors the teacher's PresenceWithStatus pattern for
// outbound show/status presence.
type presenceWithShow struct {
	stanza.Presence
	Show   string `xml:"show,omitempty"`
	Status string `xml:"status,omitempty"`
}

// --- teardown ---

func (s *Session) terminate(reason string) {
	s.mu.Lock()
	if s.state == stateTerminating {
		s.mu.Unlock()
		return
	}
	s.state = stateTerminating
	rooms := s.rooms.Rooms()
	nick := s.nick
	s.mu.Unlock()

	for _, r := range rooms {
		occJID, err := r.JID.WithResource(nick)
		if err != nil {
			continue
		}
		_ = s.hub.Send(context.Background(), stanza.Presence{To: occJID, Type: stanza.UnavailablePresence})
	}
	s.hub.Unregister(s.bareJID)
	s.conn.Close()
	s.log.Debug("session for %s terminated: %s", s.bareJID, reason)
}

// Disconnected implements hub.Receiver: the shared XMPP connection died.
func (s *Session) Disconnected(err error) {
	s.writeLine(ircmsg.Format(ircmsg.Line{Command: "ERROR", HasTrail: true, Trailing: "Closing Link: XMPP component connection lost"}))
	s.terminate("hub disconnected")
}

