// Package mamsync drives per-account archive catch-up: it computes a sync
// window on session start, persists resumable fetch periods, paginates the
// remote archive and retries failures with a bounded budget.
package mamsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mfonseca/warbler/internal/bus"
	"github.com/mfonseca/warbler/internal/history"
	"github.com/mfonseca/warbler/internal/store"
)

// ErrUnsupported is returned by an ArchiveClient when the remote archive
// does not offer history queries. Not retried.
var ErrUnsupported = errors.New("archive queries not supported")

const (
	pageSize    = 150
	pageDelay   = 100 * time.Millisecond
	retryBudget = 3
)

// QueryRequest asks the archive for one page of history.
type QueryRequest struct {
	Account   string
	Component string // secondary archive jid, "" for the account archive
	Start     int64  // unix milliseconds
	End       int64  // 0 = open-ended
	After     string // resumption cursor, "" = start of window
	QueryID   string
	Max       int
}

// QueryResult reports one fetched page. The archive appends the replayed
// messages itself through the history engine; the scheduler only sees the
// pagination outcome.
type QueryResult struct {
	Complete bool
	Last     string // cursor of the page's last item
	Count    int
}

// ArchiveClient paginates a remote message archive.
type ArchiveClient interface {
	Query(ctx context.Context, req QueryRequest) (QueryResult, error)
	Connected(account string) bool
}

// Options carries the scheduler's collaborators and settings.
type Options struct {
	DB          *store.DB
	History     *history.Store
	Bus         *bus.Bus
	Log         *zap.Logger
	Client      ArchiveClient
	Auto        bool
	WindowHours int
}

// Scheduler runs one pagination chain per (account, component) pair.
type Scheduler struct {
	db      *store.DB
	history *history.Store
	bus     *bus.Bus
	log     *zap.Logger
	client  ArchiveClient
	auto    bool
	window  time.Duration

	mu      sync.Mutex
	since   map[string]int64
	running map[string]bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	return &Scheduler{
		db:      opts.DB,
		history: opts.History,
		bus:     opts.Bus,
		log:     opts.Log.Named("mamsync"),
		client:  opts.Client,
		auto:    opts.Auto,
		window:  time.Duration(opts.WindowHours) * time.Hour,
		since:   make(map[string]int64),
		running: make(map[string]bool),
		quit:    make(chan struct{}),
	}
}

// Stop cancels pending page delays and waits for in-flight chains. Unfinished
// periods stay persisted and resume on the next session.
func (s *Scheduler) Stop() {
	close(s.quit)
	s.wg.Wait()
}

// Schedule computes the account's sync window after a successful session
// start and kicks off catch-up. With auto-sync disabled it clears any
// leftover periods instead.
func (s *Scheduler) Schedule(account string) error {
	if !s.auto {
		return s.db.DeleteSyncPeriods(account)
	}

	last, err := s.history.LastMessageTimestamp(account)
	if err != nil {
		return err
	}
	since := time.Now().Add(-s.window).UnixMilli()
	if last > since {
		since = last
	}
	s.mu.Lock()
	s.since[account] = since
	s.mu.Unlock()

	return s.SyncScheduled(account, "")
}

// SyncScheduled starts (or resumes) the pagination chain for an archive. A
// pending period from an earlier session resumes from its persisted cursor
// rather than restarting.
func (s *Scheduler) SyncScheduled(account, component string) error {
	key := account + "\x00" + component
	s.mu.Lock()
	if s.running[key] {
		s.mu.Unlock()
		return nil
	}
	s.running[key] = true
	since := s.since[account]
	s.mu.Unlock()

	periods, err := s.db.SyncPeriods(account, component)
	if err != nil {
		s.finish(key)
		return err
	}
	if len(periods) == 0 {
		p := store.SyncPeriod{
			ID:        uuid.NewString(),
			Account:   account,
			Component: component,
			From:      since,
		}
		if err := s.db.InsertSyncPeriod(&p); err != nil {
			s.finish(key)
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncNext(key, account, component)
	}()
	return nil
}

func (s *Scheduler) finish(key string) {
	s.mu.Lock()
	delete(s.running, key)
	s.mu.Unlock()
}

// syncNext fetches the oldest pending period, or ends the chain when none
// remain.
func (s *Scheduler) syncNext(key, account, component string) {
	periods, err := s.db.SyncPeriods(account, component)
	if err != nil {
		s.log.Error("period lookup failed", zap.String("account", account), errField(err))
		s.finish(key)
		return
	}
	if len(periods) == 0 {
		s.finish(key)
		s.publish(bus.KindSyncCompleted, account, component, 0)
		return
	}
	s.fetch(key, periods[0], retryBudget)
}

func (s *Scheduler) fetch(key string, p store.SyncPeriod, retriesLeft int) {
	if !s.client.Connected(p.Account) {
		s.abandon(key, p, "disconnected")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	res, err := s.client.Query(ctx, QueryRequest{
		Account:   p.Account,
		Component: p.Component,
		Start:     p.From,
		End:       p.To,
		After:     p.After,
		QueryID:   p.ID,
		Max:       pageSize,
	})
	cancel()

	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			s.abandon(key, p, "unsupported")
			return
		}
		if retriesLeft <= 1 {
			s.log.Warn("retry budget exhausted, leaving period for next session",
				zap.String("period", p.ID), errField(err))
			s.abandon(key, p, "retries exhausted")
			return
		}
		s.log.Info("page fetch failed, retrying",
			zap.String("period", p.ID), zap.Int("retries_left", retriesLeft-1), errField(err))
		s.after(func() { s.fetch(key, p, retriesLeft-1) })
		return
	}

	s.publish(bus.KindSyncPage, p.Account, p.Component, res.Count)

	if res.Complete || res.Last == "" {
		if err := s.db.DeleteSyncPeriod(p.ID); err != nil {
			s.log.Error("period delete failed", zap.String("period", p.ID), errField(err))
		}
		s.syncNext(key, p.Account, p.Component)
		return
	}

	// The in-flight chain always follows the page cursor; only a
	// well-formed one becomes the persisted resumption point.
	if wellFormedCursor(res.Last) {
		if err := s.db.UpdateSyncPeriodAfter(p.ID, res.Last); err != nil {
			s.log.Error("cursor update failed", zap.String("period", p.ID), errField(err))
		}
	} else {
		s.log.Warn("malformed page cursor not persisted",
			zap.String("period", p.ID), zap.String("cursor", res.Last))
	}
	p.After = res.Last

	// A successful page restores the full retry budget for the next one.
	s.after(func() { s.fetch(key, p, retryBudget) })
}

// abandon ends the chain for this pass. The period row stays so the next
// scheduled sync resumes it.
func (s *Scheduler) abandon(key string, p store.SyncPeriod, reason string) {
	s.log.Info("sync pass abandoned",
		zap.String("account", p.Account), zap.String("period", p.ID), zap.String("reason", reason))
	s.finish(key)
	s.publish(bus.KindSyncAbandoned, p.Account, p.Component, 0)
}

// after runs fn once the inter-page delay elapsed, cooperatively yielding
// instead of blocking the chain's goroutine pool.
func (s *Scheduler) after(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(pageDelay):
			fn()
		case <-s.quit:
		}
	}()
}

// wellFormedCursor rejects cursors that cannot round-trip through the
// archive protocol. Cursors are opaque otherwise.
func wellFormedCursor(cursor string) bool {
	if cursor == "" || len(cursor) > 256 {
		return false
	}
	for _, r := range cursor {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}

func (s *Scheduler) publish(kind, account, component string, count int) {
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   bus.SyncProgress{Account: account, Component: component, Count: count},
	})
}

func errField(err error) zap.Field { return zap.Error(err) }
