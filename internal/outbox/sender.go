// Package outbox is the outbound delivery pipeline: it persists an
// optimistic unsent entry, optionally encrypts, transmits, and reconciles
// the entry's state from the transport's outcome. Delivery is serialized
// per destination so ordering within a conversation is preserved.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mfonseca/warbler/internal/history"
	"github.com/mfonseca/warbler/internal/store"
)

// ErrDisconnected is returned by a Transport when there is no usable
// session. The entry stays unsent and is replayed on reconnect.
var ErrDisconnected = errors.New("transport disconnected")

// ErrNoSession is returned by a Cipher when no trusted device of the peer
// can receive the message.
var ErrNoSession = errors.New("no trusted session with recipient")

// Stanza is an outbound wire message handed to the transport.
type Stanza struct {
	Account      string
	To           string
	ID           string
	Body         string
	OOB          string
	CorrectionID string // origin id being corrected, "" for fresh sends
}

// Transport sends stanzas over the live session.
type Transport interface {
	Send(ctx context.Context, st Stanza) error
	Connected() bool
}

// Cipher turns a plaintext stanza into a transmittable encrypted one.
type Cipher interface {
	Encode(st Stanza) (Stanza, error)
}

const sendTimeout = 30 * time.Second

// Request is a user-initiated send.
type Request struct {
	Account     string
	JID         string
	Body        string
	URL         string // attachment URL, "" for plain text
	StanzaID    string // set only when replaying an already-persisted entry
	CorrectedID string // target origin id when this is a correction
}

// Sender runs one lazily-created delivery queue per destination.
type Sender struct {
	history   *history.Store
	transport Transport
	cipher    Cipher // nil sends plaintext
	log       *zap.Logger

	mu     sync.Mutex
	queues map[string]chan func()
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// New creates a sender. A nil cipher disables the encryption step.
func New(h *history.Store, transport Transport, cipher Cipher, log *zap.Logger) *Sender {
	return &Sender{
		history:   h,
		transport: transport,
		cipher:    cipher,
		log:       log.Named("outbox"),
		queues:    make(map[string]chan func()),
	}
}

// Stop drains every destination queue and waits for in-flight deliveries.
func (s *Sender) Stop() {
	s.closeMu.Lock()
	s.closed = true
	s.mu.Lock()
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()
	s.closeMu.Unlock()
	s.wg.Wait()
}

// enqueue hands the task to the destination's queue. The close guard is held
// across the channel send so Stop cannot close the queue underneath it.
func (s *Sender) enqueue(jid string, task func()) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	s.mu.Lock()
	q, ok := s.queues[jid]
	if !ok {
		q = make(chan func(), 32)
		s.queues[jid] = q
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for t := range q {
				t()
			}
		}()
	}
	s.mu.Unlock()
	q <- task
}

// Send persists and delivers a message. The entry becomes visible
// immediately, independent of network state; delivery outcome is reconciled
// into its state afterwards.
func (s *Sender) Send(req Request) {
	id := req.StanzaID
	resume := id != ""
	if id == "" {
		id = uuid.NewString()
	}

	entryType := store.TypeMessage
	data := req.Body
	if req.URL != "" && (req.Body == "" || req.Body == req.URL) {
		entryType = store.TypeAttachment
		data = req.URL
	}
	now := time.Now().UnixMilli()

	switch {
	case req.CorrectedID != "":
		s.history.CorrectMessage(history.Correction{
			Account:        req.Account,
			JID:            req.JID,
			TargetStanzaID: req.CorrectedID,
			Body:           data,
			CorrectionID:   id,
			Timestamp:      now,
			State:          store.StateOutgoingUnsent,
		}, nil)
	case !resume:
		s.history.AppendItem(history.AppendRequest{Entry: store.Entry{
			Account:   req.Account,
			JID:       req.JID,
			Timestamp: now,
			Type:      entryType,
			Data:      data,
			StanzaID:  id,
			State:     store.StateOutgoingUnsent,
		}})
	}

	st := Stanza{
		Account:      req.Account,
		To:           req.JID,
		ID:           id,
		Body:         req.Body,
		OOB:          req.URL,
		CorrectionID: req.CorrectedID,
	}
	if entryType == store.TypeAttachment {
		st.Body = req.URL
	}
	s.enqueue(req.JID, func() { s.deliver(st) })
}

func (s *Sender) deliver(st Stanza) {
	out := st
	if s.cipher != nil {
		encoded, err := s.cipher.Encode(st)
		if err != nil {
			s.markError(st, encryptionErrorText(err))
			return
		}
		out = encoded
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	err := s.transport.Send(ctx, out)
	if err == nil {
		timestamp := time.Now().UnixMilli()
		if st.CorrectionID != "" {
			// Corrections keep the original entry's timestamp.
			timestamp = 0
		}
		s.history.UpdateState(st.Account, st.To, history.EntryRef{StanzaID: st.ID},
			store.StateOutgoingUnsent, store.StateOutgoing, timestamp)
		return
	}

	if errors.Is(err, ErrDisconnected) || !s.transport.Connected() {
		// No session: the entry stays unsent and is replayed after
		// reconnect via ResumeUnsent.
		s.log.Info("delivery deferred, disconnected",
			zap.String("to", st.To), zap.String("stanza_id", st.ID))
		return
	}
	s.markError(st, err.Error())
}

func (s *Sender) markError(st Stanza, reason string) {
	s.log.Warn("delivery failed",
		zap.String("to", st.To), zap.String("stanza_id", st.ID), zap.String("reason", reason))
	s.history.MarkOutgoingAsError(st.Account, st.To, history.EntryRef{StanzaID: st.ID}, reason)
}

func encryptionErrorText(err error) string {
	if errors.Is(err, ErrNoSession) {
		return "There is no trusted device to send message to"
	}
	return "It was not possible to send encrypted message due to encryption error"
}

// ResumeUnsent replays every entry still waiting for delivery after a
// session was (re)established. Pending corrections are resent as
// corrections, reusing their correction id on the wire.
func (s *Sender) ResumeUnsent(account string) error {
	unsent, err := s.history.LoadUnsent(account)
	if err != nil {
		return err
	}
	for _, m := range unsent {
		req := Request{
			Account:  account,
			JID:      m.JID,
			Body:     m.Data,
			StanzaID: m.StanzaID,
		}
		if m.Type == store.TypeAttachment {
			req.Body = ""
			req.URL = m.Data
		}
		if m.CorrectionStanzaID != "" {
			req.StanzaID = m.CorrectionStanzaID
			req.CorrectedID = m.StanzaID
		}
		s.Send(req)
	}
	return nil
}
