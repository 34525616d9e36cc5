// Package xstanza provides the raw-envelope XML types the hub and
// translator use to demultiplex and inspect XMPP stanzas. Rather than
// depending on mellium.im/xmpp/mux's higher-level pattern matching, stanzas
// are decoded into a generic envelope (XMLName/attrs/innerxml) and
// re-decoded per stanza type, the same "typed wrapper struct over
// encoding/xml" technique the teacher's internal/xmpp/client.go already uses
// for roster and message parsing.
package xstanza

import (
	"bytes"
	"encoding/xml"
	"reflect"
)

// Envelope is the outermost shape of any stanza: enough to route on
// (From/To/Type/ID) plus the raw inner XML for a second, stanza-specific
// decode pass.
type Envelope struct {
	XMLName xml.Name
	ID      string `xml:"id,attr"`
	From    string `xml:"from,attr"`
	To      string `xml:"to,attr"`
	Type    string `xml:"type,attr"`
	Inner   []byte `xml:",innerxml"`
}

// MUCUserItem is the <item/> child of <x xmlns='...muc#user'/> carrying
// role/affiliation for a presence stanza.
type MUCUserItem struct {
	Affiliation string `xml:"affiliation,attr"`
	Role        string `xml:"role,attr"`
	Jid         string `xml:"jid,attr"`
	Nick        string `xml:"nick,attr"`
}

// MUCUserX is the <x xmlns='http://jabber.org/protocol/muc#user'/> payload
// carried on MUC presence, including status codes (e.g. 303 for a
// nick-change marker, spec §4.4) and the item describing role/affiliation.
type MUCUserX struct {
	XMLName xml.Name      `xml:"http://jabber.org/protocol/muc#user x"`
	Item    MUCUserItem   `xml:"item"`
	Status  []MUCStatus   `xml:"status"`
	Destroy *struct{}     `xml:"destroy"`
}

// MUCStatus is a single <status code='...'/> element.
type MUCStatus struct {
	Code string `xml:"code,attr"`
}

// PresenceBody decodes the parts of a <presence/> stanza the translator
// cares about: show/status text and the muc#user payload.
type PresenceBody struct {
	Show   string    `xml:"show"`
	Status string    `xml:"status"`
	MUC    *MUCUserX `xml:"http://jabber.org/protocol/muc#user x"`
	Error  *StanzaError `xml:"error"`
}

// StanzaError decodes a stanza-level <error type='...'><condition/></error>.
type StanzaError struct {
	Type      string `xml:"type,attr"`
	Code      string `xml:"code,attr"`
	Condition string `xml:",innerxml"`
}

// MessageBody decodes the parts of a <message/> stanza the translator cares
// about: body text, subject, and an optional XEP-0203 delay stamp.
type MessageBody struct {
	Body    string      `xml:"body"`
	Subject *string     `xml:"subject"`
	Delay   *DelayStamp `xml:"urn:xmpp:delay delay"`
	Error   *StanzaError `xml:"error"`
}

// DelayStamp is a XEP-0203 <delay stamp='YYYY-MM-DDTHH:MM:SSZ'/> element.
type DelayStamp struct {
	Stamp string `xml:"stamp,attr"`
}

// DiscoIdentity is one <identity/> in a disco#info result.
type DiscoIdentity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr"`
}

// DiscoFeature is one <feature/> in a disco#info result.
type DiscoFeature struct {
	Var string `xml:"var,attr"`
}

// DiscoInfoQuery decodes <query xmlns='...#info'/>.
type DiscoInfoQuery struct {
	XMLName    xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
	Identities []DiscoIdentity `xml:"identity"`
	Features   []DiscoFeature  `xml:"feature"`
}

// DiscoItem is one <item/> in a disco#items result.
type DiscoItem struct {
	Jid  string `xml:"jid,attr"`
	Name string `xml:"name,attr"`
}

// DiscoItemsQuery decodes <query xmlns='...#items'/>.
type DiscoItemsQuery struct {
	XMLName xml.Name    `xml:"http://jabber.org/protocol/disco#items query"`
	Items   []DiscoItem `xml:"item"`
	Node    string      `xml:"node,attr"`
}

// VCardBody decodes the handful of vCard fields WHOIS relays.
type VCardBody struct {
	XMLName xml.Name `xml:"vcard-temp vCard"`
	FN      string   `xml:"FN"`
	NICKNAME string  `xml:"NICKNAME"`
}

// LastActivityQuery decodes <query xmlns='jabber:iq:last' seconds='...'/>.
type LastActivityQuery struct {
	XMLName xml.Name `xml:"jabber:iq:last query"`
	Seconds string   `xml:"seconds,attr"`
}

// VersionQuery decodes <query xmlns='jabber:iq:version'/>.
type VersionQuery struct {
	XMLName xml.Name `xml:"jabber:iq:version query"`
	Name    string   `xml:"name"`
	Version string   `xml:"version"`
	OS      string   `xml:"os"`
}

// Decode unmarshals the innerxml captured by Envelope into v, using the
// same "decode the pre-captured raw bytes on demand" step the teacher's
// client uses when it peels receipts and markers out of a <message/>. Since
// innerxml has no single enclosing root, raw is wrapped in a synthetic one
// before being handed to encoding/xml; v's own fields (which carry their
// own xml tags, e.g. PresenceBody.MUC) decode the wrapped children
// regardless of the synthetic root's name. A v whose struct declares its own
// XMLName (DiscoInfoQuery, VCardBody, ...) is instead decoded from the first
// top-level element of raw that matches that name.
func Decode(raw []byte, v interface{}) error {
	if t := reflect.TypeOf(v); t != nil && t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct {
		if _, named := t.Elem().FieldByName("XMLName"); named {
			dec := xml.NewDecoder(bytes.NewReader(raw))
			for {
				tok, err := dec.Token()
				if err != nil {
					return err
				}
				if start, ok := tok.(xml.StartElement); ok {
					err := dec.DecodeElement(v, &start)
					if _, mismatch := err.(xml.UnmarshalError); !mismatch {
						return err
					}
					if err := dec.Skip(); err != nil {
						return err
					}
				}
			}
		}
	}
	wrapped := make([]byte, 0, len(raw)+13)
	wrapped = append(wrapped, []byte("<root>")...)
	wrapped = append(wrapped, raw...)
	wrapped = append(wrapped, []byte("</root>")...)
	return xml.Unmarshal(wrapped, v)
}
