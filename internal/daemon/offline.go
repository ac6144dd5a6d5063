package daemon

import (
	"context"

	"github.com/mfonseca/warbler/internal/mamsync"
	"github.com/mfonseca/warbler/internal/outbox"
)

// offlineTransport stands in when no protocol layer is wired. Every send
// defers, leaving entries unsent for replay once a real session exists.
type offlineTransport struct{}

func (offlineTransport) Send(context.Context, outbox.Stanza) error {
	return outbox.ErrDisconnected
}

func (offlineTransport) Connected() bool { return false }

// offlineArchive stands in for the archive client; sync passes abandon
// immediately and periods stay persisted.
type offlineArchive struct{}

func (offlineArchive) Query(context.Context, mamsync.QueryRequest) (mamsync.QueryResult, error) {
	return mamsync.QueryResult{}, mamsync.ErrUnsupported
}

func (offlineArchive) Connected(string) bool { return false }
