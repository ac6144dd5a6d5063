package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the history store. The payload for the
// message.added and message.updated kinds is the affected *store.Entry.
const (
	KindMessageAdded       = "message.added"
	KindMessageUpdated     = "message.updated"
	KindMessageRemoved     = "message.removed"
	KindMessagesMarkedRead = "message.marked_read"
)

// Event kinds published by the archive sync scheduler.
const (
	KindSyncPage      = "sync.page"
	KindSyncCompleted = "sync.completed"
	KindSyncAbandoned = "sync.abandoned"
)

// RemovedMessage is the payload of message.removed events.
type RemovedMessage struct {
	ID      int64
	Account string
	JID     string
}

// MarkedRead is the payload of message.marked_read events.
type MarkedRead struct {
	Account string
	JID     string
	Count   int
}

// SyncProgress is the payload of sync.* events.
type SyncProgress struct {
	Account   string
	Component string
	Count     int
}
