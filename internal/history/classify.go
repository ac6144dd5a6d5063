package history

import (
	"github.com/mfonseca/warbler/internal/store"
)

// Direction of a message relative to the account.
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

// CalculateDirection decides whether the message was sent by the account or
// received from the peer. Carbon copies of sent messages are always
// outgoing; in multi-party rooms the disclosed real author is checked since
// the from address is the room's occupant jid.
func CalculateDirection(account string, msg *Message, source Source) Direction {
	if source.Kind == SourceCarbons && source.Action == CarbonSent {
		return DirectionOutgoing
	}
	if BareJID(msg.From) == account {
		return DirectionOutgoing
	}
	if msg.Type == "groupchat" && msg.AuthorJID != "" && BareJID(msg.AuthorJID) == account {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

// ConversationJID returns the bare jid the entry is filed under.
func ConversationJID(direction Direction, msg *Message) string {
	if msg.Type == "groupchat" {
		return BareJID(msg.From)
	}
	if direction == DirectionOutgoing {
		return BareJID(msg.To)
	}
	return BareJID(msg.From)
}

// CalculateState computes the initial state of an appended entry. Archive
// replay arrives already-seen and is stored read; room history replay is the
// exception since rooms redeliver recent messages on every join and those
// may genuinely be new to the user.
func CalculateState(direction Direction, fromArchive, isError bool) store.State {
	if isError {
		if direction == DirectionIncoming {
			if fromArchive {
				return store.StateIncomingError
			}
			return store.StateIncomingErrorUnread
		}
		return store.StateOutgoingErrorUnread
	}
	if direction == DirectionIncoming {
		if fromArchive {
			return store.StateIncoming
		}
		return store.StateIncomingUnread
	}
	return store.StateOutgoing
}

// ItemTypeOf classifies the payload. A body that is exactly the out-of-band
// URL (or absent next to one) is an attachment; invitations take precedence
// over plain text.
func ItemTypeOf(msg *Message, body string) store.EntryType {
	if msg.Invitation != "" {
		return store.TypeInvitation
	}
	if msg.OOB != "" && (body == "" || body == msg.OOB) {
		return store.TypeAttachment
	}
	return store.TypeMessage
}

// ExtractAuthor fills in the authorship columns. In rooms the resource part
// of the from address is the sender's nickname and the occupant id is the
// stable secondary key; in direct chats the bare jid is enough.
func ExtractAuthor(e *store.Entry, direction Direction, msg *Message) {
	if msg.Type == "groupchat" {
		e.AuthorNickname = Resource(msg.From)
		e.AuthorJID = BareJID(msg.AuthorJID)
		e.ParticipantID = msg.ParticipantID
		return
	}
	if direction == DirectionIncoming {
		e.AuthorJID = BareJID(msg.From)
	}
}
