// Package hub implements the ComponentHub: the single XMPP component
// connection shared by every IRC session, multiplexed by synthesized bare
// JID (spec §4.2). Connection setup is grounded on
// mellium.im/xmpp/component.NewClientSession, the XEP-0114 helper the
// required mellium.im/xmpp module already exports; stanza routing reuses
// the teacher's encoding/xml token-walking idiom (internal/xmpp/client.go)
// instead of mellium's higher-level mux/muc subpackages, since those live
// only in an older vendored snapshot whose stanza.Presence field types do
// not match the pinned mellium.im/xmpp version the teacher's own code
// compiles against (DESIGN.md documents the decision).
package hub

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/xml"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"

	"github.com/xmppircd/gateway/internal/logging"
	"github.com/xmppircd/gateway/internal/xstanza"
)

// Receiver is the narrow interface a session exposes to the hub so that
// inbound stanzas addressed to it can be delivered without the hub knowing
// anything about IRC. Per Design Notes §9, ownership is one-way: the hub
// owns the sessions map, and the session never holds a pointer back into
// the hub's internals, only the Sender below.
type Receiver interface {
	// BareJID is the synthesized address this session was registered
	// under.
	BareJID() string
	HandlePresence(env xstanza.Envelope)
	HandleMessage(env xstanza.Envelope)
	HandleIQ(env xstanza.Envelope)
	// Disconnected is called once if the shared XMPP connection dies, so
	// every session can notify its IRC client and terminate (spec §5).
	Disconnected(err error)
}

// Sender is the narrow interface handed to each session at registration
// time (Design Notes §9): a single send entry point plus the ability to
// unregister itself, nothing else.
type Sender interface {
	Send(ctx context.Context, v interface{}) error
	Unregister(bareJID string)
}

// Hub is the ComponentHub.
type Hub struct {
	log     *logging.Logger
	session *xmpp.Session
	domain  string

	writeMu sync.Mutex // serializes writes to the shared XMPP socket (spec §4.2, §5)

	mu      sync.Mutex
	clients map[string]Receiver
}

// Config configures the component connection.
type Config struct {
	Server        string
	ServerPort    int
	ComponentName string
	ComponentPass string
}

// Dial opens the TCP connection and performs the XEP-0114 component
// handshake, returning a ready Hub. The domain the hub registers sessions
// under is cfg.ComponentName.
func Dial(ctx context.Context, cfg Config, log *logging.Logger) (*Hub, error) {
	addr := net.JoinHostPort(cfg.Server, fmt.Sprintf("%d", cfg.ServerPort))
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial component server: %w", err)
	}

	componentJID, err := jid.Parse(cfg.ComponentName)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("invalid component name %q: %w", cfg.ComponentName, err)
	}

	sess, err := component.NewClientSession(ctx, &componentJID, []byte(cfg.ComponentPass), conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("component handshake: %w", err)
	}

	h := &Hub{
		log:     log,
		session: sess,
		domain:  cfg.ComponentName,
		clients: make(map[string]Receiver),
	}
	return h, nil
}

// Domain returns the component's own domain, used to synthesize session
// bare JIDs as "<random>@<domain>".
func (h *Hub) Domain() string { return h.domain }

const localpartAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const localpartLen = 20

func randomLocalpart() (string, error) {
	b := make([]byte, localpartLen)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(localpartAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = localpartAlphabet[n.Int64()]
	}
	return string(b), nil
}

// Register assigns a fresh random bare JID, constructs the Receiver via
// newReceiver (which needs the address up front, e.g. to build a Session),
// and adds it to clients, retrying the allocation on collision (spec §3:
// "inserts retry with a fresh random localpart on collision" — the
// original's registerJid loop).
func (h *Hub) Register(newReceiver func(bareJID string) Receiver) (string, Receiver, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for attempts := 0; attempts < 100; attempts++ {
		local, err := randomLocalpart()
		if err != nil {
			return "", nil, fmt.Errorf("generate session localpart: %w", err)
		}
		bare := local + "@" + h.domain
		if _, exists := h.clients[bare]; exists {
			continue
		}
		r := newReceiver(bare)
		h.clients[bare] = r
		return bare, r, nil
	}
	return "", nil, fmt.Errorf("could not allocate a unique session JID after 100 attempts")
}

// Unregister removes a session from the clients map (implements Sender).
func (h *Hub) Unregister(bareJID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, bareJID)
}

// Send encodes v to the shared XMPP connection under the single-writer lock
// (implements Sender).
func (h *Hub) Send(ctx context.Context, v interface{}) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.session.Encode(ctx, v)
}

// Run starts the shared reader loop; it blocks until the connection dies.
// Per spec §5, callers should pause ~5 seconds before relying on the hub
// to be fully settled, and should run this in its own goroutine.
func (h *Hub) Run() {
	for {
		tok, err := h.session.TokenReader().Token()
		if err != nil {
			h.log.Error("component connection read failed: %v", err)
			h.broadcastDisconnect(err)
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "message", "presence", "iq":
			h.dispatch(start)
		}
	}
}

// dispatch decodes one stanza's envelope and hands it to the session
// registered under its "to" address. A delivery failure for one session is
// logged and dropped; the hub never lets one sick session take down the
// process (spec §4.2, §7).
func (h *Hub) dispatch(start xml.StartElement) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("recovered from panic dispatching stanza: %v", r)
		}
	}()

	env := xstanza.Envelope{XMLName: start.Name}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "id":
			env.ID = attr.Value
		case "from":
			env.From = attr.Value
		case "to":
			env.To = attr.Value
		case "type":
			env.Type = attr.Value
		}
	}

	inner, err := readInnerXML(h.session.TokenReader(), start)
	if err != nil {
		h.log.Error("failed reading stanza body: %v", err)
		return
	}
	env.Inner = inner

	h.mu.Lock()
	r, ok := h.clients[env.To]
	h.mu.Unlock()
	if !ok {
		h.log.Debug("dropping stanza for unknown session %q", env.To)
		return
	}

	switch start.Name.Local {
	case "presence":
		r.HandlePresence(env)
	case "message":
		r.HandleMessage(env)
	case "iq":
		r.HandleIQ(env)
	}
}

// readInnerXML consumes tokens until the matching end element for start,
// returning the re-serialized inner XML. This mirrors the teacher's
// per-child token walk but captures the bytes wholesale so translator code
// can decode sub-elements with plain xml.Unmarshal.
func readInnerXML(tr interface{ Token() (xml.Token, error) }, start xml.StartElement) ([]byte, error) {
	var buf []byte
	depth := 0
	for {
		tok, err := tr.Token()
		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			return buf, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			buf = appendToken(buf, t)
		case xml.EndElement:
			if depth == 0 && t.Name == start.Name {
				return buf, nil
			}
			depth--
			buf = append(buf, []byte("</"+t.Name.Local+">")...)
		case xml.CharData:
			buf = append(buf, []byte(t)...)
		}
	}
}

func appendToken(buf []byte, t xml.StartElement) []byte {
	buf = append(buf, '<')
	buf = append(buf, []byte(t.Name.Local)...)
	for _, a := range t.Attr {
		buf = append(buf, ' ')
		buf = append(buf, []byte(a.Name.Local)...)
		buf = append(buf, []byte(`="`)...)
		buf = append(buf, []byte(xmlEscape(a.Value))...)
		buf = append(buf, '"')
	}
	if t.Name.Space != "" {
		buf = append(buf, []byte(` xmlns="`+xmlEscape(t.Name.Space)+`"`)...)
	}
	buf = append(buf, '>')
	return buf
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

func (h *Hub) broadcastDisconnect(err error) {
	// Receivers are notified outside h.mu: a session's Disconnected calls
	// back into Unregister, which takes the same lock.
	h.mu.Lock()
	receivers := make([]Receiver, 0, len(h.clients))
	for _, r := range h.clients {
		receivers = append(receivers, r)
	}
	h.mu.Unlock()
	for _, r := range receivers {
		r.Disconnected(err)
	}
}
