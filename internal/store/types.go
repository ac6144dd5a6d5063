package store

// EntryType classifies a persisted conversation item.
type EntryType int

const (
	TypeMessage             EntryType = 0
	TypeAttachment          EntryType = 1
	TypeLinkPreview         EntryType = 2
	TypeInvitation          EntryType = 3
	TypeMessageRetracted    EntryType = 4
	TypeAttachmentRetracted EntryType = 5
)

// Retracted returns the retracted variant of the entry type.
func (t EntryType) Retracted() EntryType {
	if t == TypeAttachment {
		return TypeAttachmentRetracted
	}
	return TypeMessageRetracted
}

// State is the delivery/read state of an entry.
type State int

const (
	StateIncoming            State = 0
	StateIncomingUnread      State = 1
	StateIncomingError       State = 2
	StateIncomingErrorUnread State = 3
	StateOutgoingUnsent      State = 4
	StateOutgoing            State = 5
	StateOutgoingDelivered   State = 6
	StateOutgoingError       State = 7
	StateOutgoingErrorUnread State = 8
)

// StateAny is passed as the expected old state when a state update should
// apply unconditionally.
const StateAny State = -1

// Incoming reports whether the state belongs to a received entry.
func (s State) Incoming() bool {
	return s <= StateIncomingErrorUnread
}

// IsError reports whether the state carries a delivery error.
func (s State) IsError() bool {
	switch s {
	case StateIncomingError, StateIncomingErrorUnread, StateOutgoingError, StateOutgoingErrorUnread:
		return true
	}
	return false
}

// IsUnread reports whether the state counts toward the unread counter.
func (s State) IsUnread() bool {
	switch s {
	case StateIncomingUnread, StateIncomingErrorUnread, StateOutgoingErrorUnread:
		return true
	}
	return false
}

// Read returns the read counterpart of an unread state; other states are
// returned unchanged.
func (s State) Read() State {
	switch s {
	case StateIncomingUnread:
		return StateIncoming
	case StateIncomingErrorUnread:
		return StateIncomingError
	case StateOutgoingErrorUnread:
		return StateOutgoingError
	}
	return s
}

// Encryption records how an entry's payload was protected on the wire.
type Encryption int

const (
	EncryptionNone             Encryption = 0
	EncryptionDecrypted        Encryption = 1
	EncryptionDecryptionFailed Encryption = 2
	EncryptionNotForThisDevice Encryption = 3
)

// Entry is a persisted conversation item. Empty strings stand for NULL
// columns; a zero MasterID means the entry is top-level.
type Entry struct {
	ID        int64
	Account   string
	JID       string
	Timestamp int64 // unix milliseconds
	Type      EntryType
	Data      string
	StanzaID  string // client-chosen origin id
	State     State

	AuthorNickname    string
	AuthorJID         string
	RecipientNickname string
	ParticipantID     string

	Error       string
	Encryption  Encryption
	Fingerprint string
	Appendix    string // type-specific JSON metadata

	ServerMsgID string // assigned by the account's own archive
	RemoteMsgID string // assigned by the peer's archive
	MasterID    int64  // originating message for derived entries

	CorrectionStanzaID  string
	CorrectionTimestamp int64
}

// UnsentMessage is the snapshot of a not-yet-acknowledged outgoing entry,
// reloaded at session start to resume delivery.
type UnsentMessage struct {
	JID                string
	Type               EntryType
	Data               string
	StanzaID           string
	Encryption         Encryption
	CorrectionStanzaID string
}

// SyncPeriod is a resumable archive-fetch window.
type SyncPeriod struct {
	ID        string // uuid
	Account   string
	Component string // secondary archive jid; empty for the account archive
	From      int64  // unix milliseconds
	To        int64  // 0 = open-ended
	After     string // resumption cursor; empty = start of window
}

// Chat is a persisted conversation key.
type Chat struct {
	Account   string
	JID       string
	CreatedAt int64
	Closed    bool
}

// SearchResult holds an entry with a full-text search snippet.
type SearchResult struct {
	Entry   Entry
	Snippet string
}
