// Package history is the message-history engine: it resolves message
// identity across transports, persists entries through the store, drives the
// delivery state machine and generates link previews.
package history

import "strings"

// SourceKind tells which transport delivered a message.
type SourceKind int

const (
	SourceStream SourceKind = iota
	SourceArchive
	SourceCarbons
)

// CarbonAction distinguishes the two carbon copy directions.
type CarbonAction int

const (
	CarbonReceived CarbonAction = iota
	CarbonSent
)

// Source describes how a message reached us. Archive sources carry the
// archive's own identifier and authoritative timestamp.
type Source struct {
	Kind      SourceKind
	Origin    string // bare jid of the archive that produced the result
	Version   string // archive protocol version
	MessageID string // archive-assigned stable id
	Timestamp int64  // unix milliseconds, authoritative for archive results
	Action    CarbonAction
}

// Stream is a message received over the live session.
func Stream() Source {
	return Source{Kind: SourceStream}
}

// Archive is a message replayed from a server archive.
func Archive(origin, version, messageID string, timestamp int64) Source {
	return Source{Kind: SourceArchive, Origin: origin, Version: version, MessageID: messageID, Timestamp: timestamp}
}

// Carbons is a copy of a message from another of the account's sessions.
func Carbons(action CarbonAction) Source {
	return Source{Kind: SourceCarbons, Action: action}
}

// Message is the transport-neutral view of a parsed inbound stanza. The
// protocol layer fills it in; the engine never touches the wire format.
type Message struct {
	From string // sender jid, may carry a resource
	To   string // recipient jid
	Type string // "chat", "groupchat", "normal" or "error"
	ID   string // client-chosen origin id

	Body string
	OOB  string // out-of-band URL for attachments

	// StableIDs holds archive-assigned ids keyed by the bare jid of the
	// archive that stamped them.
	StableIDs map[string]string

	Delay int64 // delayed-delivery timestamp in unix ms, 0 when absent

	CorrectionID string // origin id of the message being corrected
	RetractionID string // origin id of the message being retracted
	Invitation   string // room jid of a conference invitation

	ErrorCondition string
	ErrorText      string

	Encrypted     bool
	Payload       []byte // opaque encrypted payload when Encrypted
	AuthorJID     string // real author, when the room discloses it
	ParticipantID string // stable occupant id in multi-party rooms
}

// BareJID strips the resource part of a jid.
func BareJID(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// Resource returns the resource part of a jid, or "".
func Resource(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[i+1:]
	}
	return ""
}
