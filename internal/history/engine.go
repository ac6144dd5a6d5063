package history

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/mfonseca/warbler/internal/bus"
	"github.com/mfonseca/warbler/internal/registry"
	"github.com/mfonseca/warbler/internal/store"
)

func errField(err error) zap.Field { return zap.Error(err) }

// Store is the serialized message-history engine. All mutating operations
// run one-at-a-time on a single goroutine in submission order, so identity
// resolution always sees every prior write. Reads block the caller until
// their turn comes up; mutations are fire-and-forget.
type Store struct {
	db           *store.DB
	chats        *registry.Registry
	bus          *bus.Bus
	log          *zap.Logger
	cipher       Cipher
	linkPreviews bool

	ops     chan func()
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool

	previewMu  sync.Mutex
	previewGen map[int64]uint64
}

// Options carries the engine's collaborators.
type Options struct {
	DB           *store.DB
	Chats        *registry.Registry
	Bus          *bus.Bus
	Log          *zap.Logger
	Cipher       Cipher // nil disables decryption
	LinkPreviews bool
}

// New creates an engine. Call Start before submitting operations.
func New(opts Options) *Store {
	return &Store{
		db:           opts.DB,
		chats:        opts.Chats,
		bus:          opts.Bus,
		log:          opts.Log.Named("history"),
		cipher:       opts.Cipher,
		linkPreviews: opts.LinkPreviews,
		ops:          make(chan func(), 256),
		done:         make(chan struct{}),
		previewGen:   make(map[int64]uint64),
	}
}

// Start launches the serialized executor.
func (s *Store) Start() {
	go func() {
		defer close(s.done)
		for op := range s.ops {
			op()
		}
	}()
}

// Stop drains pending operations and shuts the executor down. Late
// submissions (a preview scan finishing after shutdown) are dropped.
func (s *Store) Stop() {
	s.closeMu.Lock()
	s.closed = true
	close(s.ops)
	s.closeMu.Unlock()
	<-s.done
}

func (s *Store) submit(op func()) bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return false
	}
	s.ops <- op
	return true
}

func (s *Store) enqueue(op func()) {
	s.submit(op)
}

// call runs op on the executor and blocks until it finished. After Stop the
// executor is gone and reads run inline; serialization no longer matters.
func (s *Store) call(op func()) {
	wait := make(chan struct{})
	if !s.submit(func() {
		op()
		close(wait)
	}) {
		op()
		return
	}
	<-wait
}

func (s *Store) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// EntryRef addresses an entry either by store id or by its origin stanza id
// within a conversation.
type EntryRef struct {
	ID       int64
	StanzaID string
}

func (s *Store) resolveRef(account, jid string, ref EntryRef) int64 {
	if ref.ID != 0 {
		return ref.ID
	}
	id, err := s.db.FindIDByOriginID(account, jid, ref.StanzaID, "", "")
	if err != nil {
		s.log.Error("entry lookup failed", zap.String("stanza_id", ref.StanzaID), errField(err))
		return 0
	}
	return id
}

func entryTimestamp(msg *Message, source Source) int64 {
	if source.Kind == SourceArchive && source.Timestamp != 0 {
		return source.Timestamp
	}
	if msg.Delay != 0 {
		return msg.Delay
	}
	return time.Now().UnixMilli()
}

// Append ingests an inbound message from any transport. Identity resolution
// guarantees at most one persisted entry per logical message no matter how
// many transports deliver it.
func (s *Store) Append(account string, msg *Message, source Source) {
	s.enqueue(func() { s.appendSync(account, msg, source) })
}

func (s *Store) appendSync(account string, msg *Message, source Source) {
	direction := CalculateDirection(account, msg, source)
	jid := ConversationJID(direction, msg)

	if msg.Type == "error" {
		s.processOutgoingError(account, jid, msg)
		return
	}

	body, enc, fingerprint, ok := s.prepareBody(account, msg)
	if !ok {
		return
	}

	timestamp := entryTimestamp(msg, source)

	// A retraction reference needs no body of its own.
	if msg.RetractionID != "" {
		s.retractSync(Retraction{
			Account:        account,
			JID:            jid,
			TargetStanzaID: msg.RetractionID,
			AuthorNickname: groupNickname(msg),
			ParticipantID:  msg.ParticipantID,
			RetractionID:   msg.ID,
			Timestamp:      timestamp,
		})
		return
	}

	if body == "" && msg.OOB == "" && msg.Invitation == "" {
		return
	}

	if msg.CorrectionID != "" {
		found := s.correctSync(Correction{
			Account:        account,
			JID:            jid,
			TargetStanzaID: msg.CorrectionID,
			AuthorNickname: groupNickname(msg),
			ParticipantID:  msg.ParticipantID,
			Body:           body,
			CorrectionID:   msg.ID,
			Timestamp:      timestamp,
			State:          CalculateState(direction, fromArchive(msg, source), false),
		})
		if found {
			return
		}
		// No target: fall through and record it as a regular message.
	}

	serverMsgID, remoteMsgID := stableIDs(account, jid, msg, source)

	// 1. The account archive's id is authoritative: seen once means seen.
	if serverMsgID != "" {
		id, err := s.db.FindIDByServerMsgID(account, serverMsgID)
		if err != nil {
			s.log.Error("dedup lookup failed", errField(err))
			return
		}
		if id != 0 {
			return
		}
	}

	// 2. The same message may have been recorded under its origin id
	// before the archive id was known (a sent message echoed back via
	// carbons or archive). Backfill the archive id instead of duplicating.
	if msg.ID != "" {
		id, err := s.db.FindIDByOriginID(account, jid, msg.ID, groupNickname(msg), msg.ParticipantID)
		if err != nil {
			s.log.Error("origin lookup failed", errField(err))
			return
		}
		if id != 0 {
			if serverMsgID != "" {
				if err := s.db.BackfillServerMsgID(id, serverMsgID); err != nil {
					s.log.Error("server id backfill failed", errField(err))
				}
			}
			return
		}
	}

	// 3. Genuinely new.
	entry := &store.Entry{
		Account:     account,
		JID:         jid,
		Timestamp:   timestamp,
		Type:        ItemTypeOf(msg, body),
		Data:        body,
		StanzaID:    msg.ID,
		State:       CalculateState(direction, fromArchive(msg, source), false),
		Encryption:  enc,
		Fingerprint: fingerprint,
		ServerMsgID: serverMsgID,
		RemoteMsgID: remoteMsgID,
	}
	ExtractAuthor(entry, direction, msg)
	if entry.Type == store.TypeInvitation {
		appendix, _ := json.Marshal(struct {
			Room string `json:"room"`
		}{Room: msg.Invitation})
		entry.Appendix = string(appendix)
	}
	if entry.Type == store.TypeAttachment {
		entry.Data = msg.OOB
	}

	s.storeEntry(entry, s.linkPreviews && entry.Type == store.TypeMessage)
}

func (s *Store) storeEntry(entry *store.Entry, previews bool) {
	if err := s.db.InsertEntry(entry); err != nil {
		s.log.Error("insert failed", zap.String("jid", entry.JID), errField(err))
		return
	}
	if _, err := s.chats.Open(entry.Account, entry.JID, entry.Timestamp); err != nil {
		s.log.Error("chat open failed", zap.String("jid", entry.JID), errField(err))
	}
	s.chats.Touch(entry.Account, entry.JID, entry.Timestamp, entry.Data, entry.State.IsUnread())
	s.publish(bus.KindMessageAdded, entry)
	if previews && entry.State != store.StateOutgoingUnsent {
		s.generatePreviews(entry.ID, entry.Account, entry.JID, entry.Data)
	}
}

func groupNickname(msg *Message) string {
	if msg.Type == "groupchat" {
		return Resource(msg.From)
	}
	return ""
}

// fromArchive reports whether the entry should be stored already-read.
// Rooms redeliver recent history on every join, so their replay stays
// unread.
func fromArchive(msg *Message, source Source) bool {
	return source.Kind == SourceArchive && msg.Type != "groupchat"
}

// stableIDs picks the archive-assigned ids out of the message. The id
// stamped by the account's own archive is the dedup key; one stamped by the
// peer's archive is kept for reference only.
func stableIDs(account, jid string, msg *Message, source Source) (serverMsgID, remoteMsgID string) {
	serverMsgID = msg.StableIDs[account]
	remoteMsgID = msg.StableIDs[jid]
	if source.Kind == SourceArchive {
		if source.Origin == account {
			serverMsgID = source.MessageID
		} else if source.Origin == jid {
			remoteMsgID = source.MessageID
		}
	}
	return serverMsgID, remoteMsgID
}

// processOutgoingError reconciles an error bounce for a message we sent.
// Without a matching entry there is nothing to do.
func (s *Store) processOutgoingError(account, jid string, msg *Message) {
	if msg.ID == "" {
		return
	}
	id, err := s.db.FindIDByOriginID(account, jid, msg.ID, "", "")
	if err != nil {
		s.log.Error("error bounce lookup failed", errField(err))
		return
	}
	if id == 0 {
		return
	}
	entry, err := s.db.GetEntry(id)
	if err != nil || entry == nil || entry.State.Incoming() {
		return
	}
	errText := msg.ErrorText
	if errText == "" {
		errText = msg.ErrorCondition
	}
	applied, err := s.db.UpdateEntryState(id, store.StateAny, store.StateOutgoingErrorUnread, 0, errText)
	if err != nil {
		s.log.Error("error bounce update failed", errField(err))
		return
	}
	if !applied {
		return
	}
	s.chats.Touch(account, jid, 0, "", true)
	s.emitUpdated(id)
}

// AppendRequest is a direct insert bypassing transport-derived
// classification, used for attachments, previews and outbound optimistic
// entries.
type AppendRequest struct {
	Entry            store.Entry
	GeneratePreviews bool
	OnStored         func(id int64)
}

// AppendItem inserts a pre-classified entry.
func (s *Store) AppendItem(req AppendRequest) {
	s.enqueue(func() {
		entry := req.Entry
		s.storeEntry(&entry, req.GeneratePreviews && s.linkPreviews)
		if req.OnStored != nil && entry.ID != 0 {
			req.OnStored(entry.ID)
		}
	})
}

// Correction describes an edit of a previously sent or received message.
type Correction struct {
	Account        string
	JID            string
	TargetStanzaID string
	AuthorNickname string
	ParticipantID  string
	Body           string
	CorrectionID   string
	Timestamp      int64
	State          store.State
}

// CorrectMessage applies a correction. onDone, when non-nil, is invoked with
// whether a target entry was found; a found target whose monotonic guard
// rejected the edit still counts as found.
func (s *Store) CorrectMessage(c Correction, onDone func(found bool)) {
	s.enqueue(func() {
		found := s.correctSync(c)
		if onDone != nil {
			onDone(found)
		}
	})
}

func (s *Store) correctSync(c Correction) bool {
	id, err := s.db.FindIDByOriginID(c.Account, c.JID, c.TargetStanzaID, c.AuthorNickname, c.ParticipantID)
	if err != nil {
		s.log.Error("correction lookup failed", errField(err))
		return false
	}
	if id == 0 {
		return false
	}
	applied, err := s.db.CorrectEntry(id, c.Body, c.CorrectionID, c.Timestamp, c.State)
	if err != nil {
		s.log.Error("correction failed", zap.Int64("id", id), errField(err))
		return true
	}
	if !applied {
		// Stale or replayed edit; the target exists, so the correction
		// is consumed either way.
		return true
	}
	entry, err := s.db.GetEntry(id)
	if err != nil || entry == nil {
		return true
	}
	s.chats.Touch(c.Account, c.JID, entry.Timestamp, entry.Data, false)
	s.publish(bus.KindMessageUpdated, entry)
	s.removePreviewsSync(id, c.Account, c.JID)
	if c.State != store.StateOutgoingUnsent && s.linkPreviews && entry.Type == store.TypeMessage {
		s.generatePreviews(id, c.Account, c.JID, entry.Data)
	}
	return true
}

// Retraction describes a delete-after-send of a previous message.
type Retraction struct {
	Account        string
	JID            string
	TargetStanzaID string
	AuthorNickname string
	ParticipantID  string
	RetractionID   string
	Timestamp      int64
}

// RetractMessage tombstones the referenced message and removes its derived
// previews.
func (s *Store) RetractMessage(r Retraction) {
	s.enqueue(func() { s.retractSync(r) })
}

func (s *Store) retractSync(r Retraction) {
	id, err := s.db.FindIDByOriginID(r.Account, r.JID, r.TargetStanzaID, r.AuthorNickname, r.ParticipantID)
	if err != nil {
		s.log.Error("retraction lookup failed", errField(err))
		return
	}
	if id == 0 {
		return
	}
	entry, err := s.db.GetEntry(id)
	if err != nil || entry == nil {
		return
	}
	newState := store.StateIncoming
	if !entry.State.Incoming() {
		newState = store.StateOutgoing
	}
	applied, err := s.db.RetractEntry(id, entry.Type.Retracted(), r.RetractionID, r.Timestamp, newState)
	if err != nil {
		s.log.Error("retraction failed", zap.Int64("id", id), errField(err))
		return
	}
	if !applied {
		return
	}
	if entry.State.IsUnread() {
		s.chats.MarkRead(r.Account, r.JID, 1)
	}
	s.emitUpdated(id)
	s.removePreviewsSync(id, r.Account, r.JID)
}

// UpdateState transitions an entry's delivery state. With a non-any
// oldState the update only applies while the entry still holds that state.
func (s *Store) UpdateState(account, jid string, ref EntryRef, oldState, newState store.State, timestamp int64) {
	s.enqueue(func() {
		id := s.resolveRef(account, jid, ref)
		if id == 0 {
			return
		}
		applied, err := s.db.UpdateEntryState(id, oldState, newState, timestamp, "")
		if err != nil {
			s.log.Error("state update failed", zap.Int64("id", id), errField(err))
			return
		}
		if !applied {
			return
		}
		entry := s.emitUpdated(id)
		if oldState == store.StateOutgoingUnsent && newState != store.StateOutgoingUnsent &&
			s.linkPreviews && entry != nil && entry.Type == store.TypeMessage {
			s.generatePreviews(id, account, jid, entry.Data)
		}
	})
}

// MarkOutgoingAsError flags a sent entry as failed with a human-readable
// reason.
func (s *Store) MarkOutgoingAsError(account, jid string, ref EntryRef, errorText string) {
	s.enqueue(func() {
		id := s.resolveRef(account, jid, ref)
		if id == 0 {
			return
		}
		applied, err := s.db.UpdateEntryState(id, store.StateAny, store.StateOutgoingErrorUnread, 0, errorText)
		if err != nil {
			s.log.Error("error mark failed", zap.Int64("id", id), errField(err))
			return
		}
		if applied {
			s.chats.Touch(account, jid, 0, "", true)
			s.emitUpdated(id)
		}
	})
}

// MarkAsRead clears the unread flag of every entry in the conversation not
// newer than before and announces how many changed.
func (s *Store) MarkAsRead(account, jid string, before int64) {
	s.enqueue(func() {
		count, err := s.db.MarkReadBefore(account, jid, before)
		if err != nil {
			s.log.Error("mark read failed", zap.String("jid", jid), errField(err))
			return
		}
		if count == 0 {
			return
		}
		s.chats.MarkRead(account, jid, count)
		s.publish(bus.KindMessagesMarkedRead, bus.MarkedRead{Account: account, JID: jid, Count: count})
	})
}

// Remove hard-deletes an entry and its derived previews.
func (s *Store) Remove(id int64) {
	s.enqueue(func() {
		entry, err := s.db.GetEntry(id)
		if err != nil || entry == nil {
			return
		}
		s.removePreviewsSync(id, entry.Account, entry.JID)
		if err := s.db.DeleteEntry(id); err != nil {
			s.log.Error("delete failed", zap.Int64("id", id), errField(err))
			return
		}
		s.publish(bus.KindMessageRemoved, bus.RemovedMessage{ID: id, Account: entry.Account, JID: entry.JID})
	})
}

// RemoveHistory purges a conversation's history, or the whole account's
// when jid is empty.
func (s *Store) RemoveHistory(account, jid string) {
	s.enqueue(func() {
		if err := s.db.DeleteHistory(account, jid); err != nil {
			s.log.Error("history purge failed", zap.String("jid", jid), errField(err))
		}
	})
}

func (s *Store) emitUpdated(id int64) *store.Entry {
	entry, err := s.db.GetEntry(id)
	if err != nil || entry == nil {
		return nil
	}
	s.publish(bus.KindMessageUpdated, entry)
	return entry
}

// History returns a page of entries, newest first. A non-zero beforeID
// anchors the page right after that entry.
func (s *Store) History(account, jid string, beforeID int64, limit int) ([]*store.Entry, error) {
	var entries []*store.Entry
	var err error
	s.call(func() {
		offset := 0
		if beforeID != 0 {
			var anchor *store.Entry
			anchor, err = s.db.GetEntry(beforeID)
			if err != nil {
				return
			}
			if anchor != nil {
				offset, err = s.db.PositionInChat(account, jid, anchor.Timestamp)
				if err != nil {
					return
				}
				offset++
			}
		}
		entries, err = s.db.History(account, jid, offset, limit, false)
	})
	return entries, err
}

// SearchHistory runs a prefix full-text search over message bodies. Empty
// account and jid search everything.
func (s *Store) SearchHistory(account, jid, query string, limit int) ([]store.SearchResult, error) {
	tokens := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return nil, nil
	}
	for i, tok := range tokens {
		tokens[i] = tok + "*"
	}
	ftsQuery := strings.Join(tokens, " ")

	var results []store.SearchResult
	var err error
	s.call(func() {
		results, err = s.db.Search(account, jid, ftsQuery, limit)
	})
	return results, err
}

// LoadUnsent returns the account's pending outgoing messages for replay.
func (s *Store) LoadUnsent(account string) ([]store.UnsentMessage, error) {
	var unsent []store.UnsentMessage
	var err error
	s.call(func() {
		unsent, err = s.db.UnsentEntries(account)
	})
	return unsent, err
}

// LastMessageTimestamp returns the newest acknowledged timestamp of the
// account.
func (s *Store) LastMessageTimestamp(account string) (int64, error) {
	var ts int64
	var err error
	s.call(func() {
		ts, err = s.db.LastMessageTimestamp(account)
	})
	return ts, err
}

// OriginID resolves the wire id a correction or retraction of the entry
// must reference.
func (s *Store) OriginID(id int64) (string, error) {
	var originID string
	var err error
	s.call(func() {
		originID, err = s.db.OriginID(id)
	})
	return originID, err
}

// Attachments lists a conversation's attachments, newest first.
func (s *Store) Attachments(account, jid string, limit int) ([]*store.Entry, error) {
	var entries []*store.Entry
	var err error
	s.call(func() {
		entries, err = s.db.Attachments(account, jid, limit)
	})
	return entries, err
}
