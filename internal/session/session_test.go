package session

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/xmppircd/gateway/internal/logging"
	"github.com/xmppircd/gateway/internal/xstanza"
)

func mustParse(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("jid.Parse(%q): %v", s, err)
	}
	return j
}

// fakeConn is a minimal net.Conn whose Write captures everything sent to
// the IRC client for inspection; its Read side is unused since tests drive
// Session through handleLine directly rather than through Serve's loop.
type fakeConn struct {
	mu  sync.Mutex
	out strings.Builder
}

func (f *fakeConn) Read(b []byte) (int, error)  { return 0, nil }
func (f *fakeConn) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Write(b)
}
func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

// fakeSender records every stanza handed to the hub.
type fakeSender struct {
	mu   sync.Mutex
	sent []interface{}
}

func (f *fakeSender) Send(ctx context.Context, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}
func (f *fakeSender) Unregister(bareJID string) {}

func (f *fakeSender) last() interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestSession(t *testing.T) (*Session, *fakeSender, *fakeConn) {
	t.Helper()
	sender := &fakeSender{}
	conn := &fakeConn{}
	log, err := logging.New(logging.Config{Level: "error", Console: false})
	if err != nil {
		t.Fatal(err)
	}
	s := New(conn, sender, "bot1@gw.example.org", Config{
		ServerName:   "irc.gw.example.org",
		MUCServer:    "conference.example.org",
		ShortChannel: true,
	}, log)
	return s, sender, conn
}

func TestRegistrationSendsWelcomeBlock(t *testing.T) {
	s, _, conn := newTestSession(t)
	s.handleLine("NICK alice\r\n")

	out := conn.String()
	for _, want := range []string{" 001 ", " 002 ", " 003 ", " 004 ", "alice"} {
		if !strings.Contains(out, want) {
			t.Errorf("registration output missing %q; got:\n%s", want, out)
		}
	}
	if s.currentNick() != "alice" {
		t.Errorf("currentNick = %q, want %q", s.currentNick(), "alice")
	}
}

func TestJoinSendsPresenceWithMUCHistory(t *testing.T) {
	s, sender, _ := newTestSession(t)
	s.handleLine("NICK alice\r\n")
	s.handleLine("JOIN #test\r\n")

	if sender.count() != 1 {
		t.Fatalf("expected 1 stanza sent, got %d", sender.count())
	}
	jp, ok := sender.last().(joinPresence)
	if !ok {
		t.Fatalf("sent stanza type = %T, want joinPresence", sender.last())
	}
	if got, want := jp.Presence.To.String(), "test@conference.example.org/alice"; got != want {
		t.Errorf("join presence To = %q, want %q", got, want)
	}
	if jp.X.History.MaxStanzas != 100 {
		t.Errorf("history maxstanzas = %d, want 100", jp.X.History.MaxStanzas)
	}
}

func TestSelfPresenceCommitsJoinAndEmitsNames(t *testing.T) {
	s, _, conn := newTestSession(t)
	s.handleLine("NICK alice\r\n")
	s.handleLine("JOIN #test\r\n")

	env := xstanza.Envelope{
		From: "test@conference.example.org/alice",
		To:   "bot1@gw.example.org",
		Type: "",
		Inner: []byte(`<x xmlns="http://jabber.org/protocol/muc#user">` +
			`<item affiliation="member" role="participant"/><status code="110"/></x>`),
	}
	s.HandlePresence(env)

	room := s.rooms.Room(mustParse(t, "test@conference.example.org"))
	if room == nil || !room.Joined {
		t.Fatal("room was not committed as joined after self-presence")
	}

	out := conn.String()
	if !strings.Contains(out, "JOIN") {
		t.Errorf("expected JOIN echoed to client; got:\n%s", out)
	}
	if !strings.Contains(out, " 353 ") || !strings.Contains(out, " 366 ") {
		t.Errorf("expected NAMES reply (353/366); got:\n%s", out)
	}
}

func TestPrivmsgToChannelSendsGroupchatMessage(t *testing.T) {
	s, sender, _ := newTestSession(t)
	s.handleLine("NICK alice\r\n")
	s.handleLine("JOIN #test\r\n")
	s.HandlePresence(xstanza.Envelope{
		From: "test@conference.example.org/alice",
		To:   "bot1@gw.example.org",
		Inner: []byte(`<x xmlns="http://jabber.org/protocol/muc#user">` +
			`<item affiliation="member" role="participant"/><status code="110"/></x>`),
	})

	s.handleLine("PRIVMSG #test :hello there\r\n")

	msg, ok := sender.last().(chatMessage)
	if !ok {
		t.Fatalf("sent stanza type = %T, want chatMessage", sender.last())
	}
	if msg.Message.To.String() != "test@conference.example.org" {
		t.Errorf("message To = %q, want room bare JID", msg.Message.To.String())
	}
	if msg.Body.Text != "hello there" {
		t.Errorf("message body = %q, want %q", msg.Body.Text, "hello there")
	}
}

func TestIncomingActionMessageRelaysAsCTCPAction(t *testing.T) {
	s, _, conn := newTestSession(t)
	s.handleLine("NICK alice\r\n")
	s.handleLine("JOIN #test\r\n")
	s.HandlePresence(xstanza.Envelope{
		From: "test@conference.example.org/alice",
		To:   "bot1@gw.example.org",
		Inner: []byte(`<x xmlns="http://jabber.org/protocol/muc#user">` +
			`<item affiliation="member" role="participant"/><status code="110"/></x>`),
	})
	conn.mu.Lock()
	conn.out.Reset()
	conn.mu.Unlock()

	s.HandleMessage(xstanza.Envelope{
		From:  "test@conference.example.org/bob",
		To:    "bot1@gw.example.org",
		Type:  "groupchat",
		Inner: []byte(`<body>/me waves</body>`),
	})

	out := conn.String()
	if !strings.Contains(out, "\x01ACTION waves\x01") {
		t.Errorf("expected relayed CTCP ACTION; got:\n%q", out)
	}
}

func TestNickChangeCoordinatorSuccess(t *testing.T) {
	s, sender, conn := newTestSession(t)
	s.handleLine("NICK alice\r\n")
	s.handleLine("JOIN #r1\r\n")
	s.HandlePresence(xstanza.Envelope{
		From: "r1@conference.example.org/alice",
		To:   "bot1@gw.example.org",
		Inner: []byte(`<x xmlns="http://jabber.org/protocol/muc#user">` +
			`<item affiliation="member" role="participant"/><status code="110"/></x>`),
	})

	s.handleLine("NICK alice2\r\n")
	if sender.count() != 2 { // join presence + nick-change presence
		t.Fatalf("expected 2 stanzas sent, got %d", sender.count())
	}

	s.onNickChangeConfirmed("r1@conference.example.org")

	if s.currentNick() != "alice2" {
		t.Errorf("currentNick = %q, want %q", s.currentNick(), "alice2")
	}
	room := s.rooms.Room(mustParse(t, "r1@conference.example.org"))
	if room.Nick != "alice2" {
		t.Errorf("room.Nick = %q, want %q", room.Nick, "alice2")
	}
	out := conn.String()
	if !strings.Contains(out, "NICK") || !strings.Contains(out, "alice2") {
		t.Errorf("expected NICK line echoed to client; got:\n%s", out)
	}
}

func TestNickChangeCoordinatorConflictRollsBack(t *testing.T) {
	s, _, conn := newTestSession(t)
	s.handleLine("NICK alice\r\n")
	s.handleLine("JOIN #r1\r\n")
	s.HandlePresence(xstanza.Envelope{
		From: "r1@conference.example.org/alice",
		To:   "bot1@gw.example.org",
		Inner: []byte(`<x xmlns="http://jabber.org/protocol/muc#user">` +
			`<item affiliation="member" role="participant"/><status code="110"/></x>`),
	})

	s.handleLine("NICK alice2\r\n")
	s.onNickChangeConflict("r1@conference.example.org")

	if s.currentNick() != "alice" {
		t.Errorf("currentNick = %q, want unchanged %q", s.currentNick(), "alice")
	}
	room := s.rooms.Room(mustParse(t, "r1@conference.example.org"))
	if room.Nick != "alice" {
		t.Errorf("room.Nick = %q, want unchanged %q", room.Nick, "alice")
	}
	out := conn.String()
	if !strings.Contains(out, "ERROR") {
		t.Errorf("expected ERROR line on nick conflict; got:\n%s", out)
	}
}

func TestLivenessProbeFiresEveryFifthPing(t *testing.T) {
	s, sender, _ := newTestSession(t)
	s.handleLine("NICK alice\r\n")
	s.handleLine("JOIN #r1\r\n")
	s.HandlePresence(xstanza.Envelope{
		From: "r1@conference.example.org/alice",
		To:   "bot1@gw.example.org",
		Inner: []byte(`<x xmlns="http://jabber.org/protocol/muc#user">` +
			`<item affiliation="member" role="participant"/><status code="110"/></x>`),
	})

	before := sender.count()
	for i := 0; i < 4; i++ {
		s.onPing()
	}
	if sender.count() != before {
		t.Fatalf("liveness probe fired before the 5th ping: count = %d", sender.count())
	}
	s.onPing()
	if sender.count() != before+1 {
		t.Fatalf("liveness probe did not fire on the 5th ping: count = %d", sender.count())
	}
}

func TestLivenessReply404MarksDisconnected(t *testing.T) {
	s, _, conn := newTestSession(t)
	s.handleLine("NICK alice\r\n")
	s.handleLine("JOIN #r1\r\n")
	s.HandlePresence(xstanza.Envelope{
		From: "r1@conference.example.org/alice",
		To:   "bot1@gw.example.org",
		Inner: []byte(`<x xmlns="http://jabber.org/protocol/muc#user">` +
			`<item affiliation="member" role="participant"/><status code="110"/></x>`),
	})

	room := mustParse(t, "r1@conference.example.org")
	s.rooms.SetProbePending(room, true)
	s.onLivenessReply("r1@conference.example.org", "404")

	r := s.rooms.Room(room)
	if !r.Liveness.Disconnected {
		t.Error("room not marked disconnected after a 404 liveness reply")
	}
	out := conn.String()
	if !strings.Contains(out, "disconnected") {
		t.Errorf("expected a disconnection notice to the client; got:\n%s", out)
	}
}
