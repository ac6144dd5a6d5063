// Package registry tracks the open conversations of each account and their
// in-memory counters (unread count, last activity). It is the authoritative
// map used to decide whether an incoming message belongs to an existing
// conversation or needs one created.
package registry

import (
	"sync"

	"github.com/mfonseca/warbler/internal/store"
)

// Conversation is one open chat of an account.
type Conversation struct {
	Account string
	JID     string

	mu            sync.Mutex
	unread        int
	lastActivity  string
	lastTimestamp int64
}

// Unread returns the current unread counter.
func (c *Conversation) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// LastActivity returns the preview text of the newest entry along with its
// timestamp.
func (c *Conversation) LastActivity() (string, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity, c.lastTimestamp
}

// update records newer activity, ignoring out-of-order archive replays.
func (c *Conversation) update(timestamp int64, activity string, incUnread bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timestamp >= c.lastTimestamp {
		c.lastTimestamp = timestamp
		if activity != "" {
			c.lastActivity = activity
		}
	}
	if incUnread {
		c.unread++
	}
}

func (c *Conversation) markRead(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread -= count
	if c.unread < 0 {
		c.unread = 0
	}
}

// Registry holds the open conversations, keyed by account then bare JID.
type Registry struct {
	db *store.DB

	mu       sync.RWMutex
	accounts map[string]map[string]*Conversation
}

// New creates an empty registry backed by the given store.
func New(db *store.DB) *Registry {
	return &Registry{
		db:       db,
		accounts: make(map[string]map[string]*Conversation),
	}
}

// Load populates the registry with the account's persisted open
// conversations, called once at startup before any message flows.
func (r *Registry) Load(account string) error {
	chats, err := r.db.Chats(account)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	convs, ok := r.accounts[account]
	if !ok {
		convs = make(map[string]*Conversation)
		r.accounts[account] = convs
	}
	for _, c := range chats {
		if _, ok := convs[c.JID]; !ok {
			convs[c.JID] = &Conversation{Account: c.Account, JID: c.JID}
		}
	}
	return nil
}

// Open returns the conversation for the pair, creating and persisting it on
// first use. Reopening a closed conversation is handled by the store upsert.
func (r *Registry) Open(account, jid string, createdAt int64) (*Conversation, error) {
	r.mu.Lock()
	convs, ok := r.accounts[account]
	if !ok {
		convs = make(map[string]*Conversation)
		r.accounts[account] = convs
	}
	if c, ok := convs[jid]; ok {
		r.mu.Unlock()
		return c, nil
	}
	c := &Conversation{Account: account, JID: jid}
	convs[jid] = c
	r.mu.Unlock()

	if err := r.db.OpenChat(account, jid, createdAt); err != nil {
		r.mu.Lock()
		delete(convs, jid)
		r.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Close drops a conversation from the registry and marks it closed in the
// store. The history stays.
func (r *Registry) Close(account, jid string) error {
	r.mu.Lock()
	if convs, ok := r.accounts[account]; ok {
		delete(convs, jid)
	}
	r.mu.Unlock()
	return r.db.CloseChat(account, jid)
}

// Get returns the open conversation or nil.
func (r *Registry) Get(account, jid string) *Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accounts[account][jid]
}

// Items returns every open conversation of the account.
func (r *Registry) Items(account string) []*Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*Conversation, 0, len(r.accounts[account]))
	for _, c := range r.accounts[account] {
		items = append(items, c)
	}
	return items
}

// Count returns how many conversations the account has open.
func (r *Registry) Count(account string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts[account])
}

// LastMessageTimestamp returns the newest activity timestamp across all open
// conversations of the account, 0 when there are none.
func (r *Registry) LastMessageTimestamp(account string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max int64
	for _, c := range r.accounts[account] {
		if _, ts := c.LastActivity(); ts > max {
			max = ts
		}
	}
	return max
}

// Touch records activity on a conversation if it is open.
func (r *Registry) Touch(account, jid string, timestamp int64, activity string, incUnread bool) {
	if c := r.Get(account, jid); c != nil {
		c.update(timestamp, activity, incUnread)
	}
}

// MarkRead decrements a conversation's unread counter by count.
func (r *Registry) MarkRead(account, jid string, count int) {
	if c := r.Get(account, jid); c != nil {
		c.markRead(count)
	}
}
