package session

import (
	"encoding/xml"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// mucX is the <x xmlns='http://jabber.org/protocol/muc'/> child that
// accompanies an outbound join presence (spec §4.4: "send presence to
// room/nick carrying <x .../><password/><history maxchars='10000'
// maxstanzas='100'/></x>").
type mucX struct {
	XMLName  xml.Name     `xml:"http://jabber.org/protocol/muc x"`
	Password string       `xml:"password,omitempty"`
	History  mucXHistory  `xml:"history"`
}

type mucXHistory struct {
	MaxChars    int `xml:"maxchars,attr"`
	MaxStanzas  int `xml:"maxstanzas,attr"`
}

// joinPresence is the outbound presence sent to room/nick on IRC JOIN.
type joinPresence struct {
	stanza.Presence
	X mucX `xml:"http://jabber.org/protocol/muc x"`
}

func newJoinPresence(to jid.JID, password string) joinPresence {
	return joinPresence{
		Presence: stanza.Presence{To: to},
		X: mucX{
			Password: password,
			History:  mucXHistory{MaxChars: 10000, MaxStanzas: 100},
		},
	}
}

// messageBody is the <body/> child used by outbound chat/groupchat messages.
type messageBody struct {
	XMLName xml.Name `xml:"body"`
	Text    string   `xml:",chardata"`
}

// subjectElem is the <subject/> child used by TOPIC-originated messages.
type subjectElem struct {
	XMLName xml.Name `xml:"subject"`
	Text    string   `xml:",chardata"`
}

// chatMessage is an outbound message (chat or groupchat) carrying a body.
type chatMessage struct {
	stanza.Message
	Body messageBody `xml:"body"`
}

// topicMessage is an outbound groupchat message carrying a subject (IRC
// TOPIC, spec §4.4).
type topicMessage struct {
	stanza.Message
	Subject subjectElem `xml:"subject"`
}

// mucAdminItem is one <item/> inside a <query .../muc#admin> set, used to
// change an occupant's role (MODE +o/+v, spec §4.4).
type mucAdminItem struct {
	Nick string `xml:"nick,attr"`
	Role string `xml:"role,attr"`
}

type mucAdminQuery struct {
	XMLName xml.Name     `xml:"http://jabber.org/protocol/muc#admin query"`
	Item    mucAdminItem `xml:"item"`
}

// mucAdminIQ sets a role via http://jabber.org/protocol/muc#admin.
type mucAdminIQ struct {
	stanza.IQ
	Query mucAdminQuery `xml:"http://jabber.org/protocol/muc#admin query"`
}

// discoInfoQuery is an empty disco#info get.
type discoInfoQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
}

type discoInfoIQ struct {
	stanza.IQ
	Query discoInfoQuery `xml:"http://jabber.org/protocol/disco#info query"`
}

// discoItemsQuery is an empty disco#items get.
type discoItemsQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
	Node    string   `xml:"node,attr,omitempty"`
}

type discoItemsIQ struct {
	stanza.IQ
	Query discoItemsQuery `xml:"http://jabber.org/protocol/disco#items query"`
}

// vcardQuery is an empty vCard get.
type vcardQuery struct {
	XMLName xml.Name `xml:"vcard-temp vCard"`
}

type vcardIQ struct {
	stanza.IQ
	VCard vcardQuery `xml:"vcard-temp vCard"`
}

type lastActivityQuery struct {
	XMLName xml.Name `xml:"jabber:iq:last query"`
}

type lastActivityIQ struct {
	stanza.IQ
	Query lastActivityQuery `xml:"jabber:iq:last query"`
}

type versionQuery struct {
	XMLName xml.Name `xml:"jabber:iq:version query"`
}

type versionIQ struct {
	stanza.IQ
	Query versionQuery `xml:"jabber:iq:version query"`
}
