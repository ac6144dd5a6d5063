package history

import (
	"go.uber.org/zap"

	"github.com/mfonseca/warbler/internal/bus"
	"github.com/mfonseca/warbler/internal/preview"
	"github.com/mfonseca/warbler/internal/store"
)

// nextGeneration issues a fresh preview generation for the master entry,
// implicitly cancelling any in-flight scan. Counters only ever increase, so
// a stale goroutine can never match a later generation.
func (s *Store) nextGeneration(masterID int64) uint64 {
	s.previewMu.Lock()
	defer s.previewMu.Unlock()
	s.previewGen[masterID]++
	return s.previewGen[masterID]
}

func (s *Store) currentGeneration(masterID int64, gen uint64) bool {
	s.previewMu.Lock()
	defer s.previewMu.Unlock()
	return s.previewGen[masterID] == gen
}

// generatePreviews scans the body for links off the serialized context and
// re-enters it only to commit. The commit is dropped when a newer
// generation was issued in the meantime, so previews can never outlive a
// concurrent correction or retraction of their master.
func (s *Store) generatePreviews(masterID int64, account, jid, body string) {
	gen := s.nextGeneration(masterID)
	go func() {
		links := preview.Links(body)
		if len(links) == 0 {
			return
		}
		s.enqueue(func() {
			if !s.currentGeneration(masterID, gen) {
				return
			}
			master, err := s.db.GetEntry(masterID)
			if err != nil || master == nil || master.Type != store.TypeMessage {
				return
			}
			for _, link := range links {
				entry := &store.Entry{
					Account:   account,
					JID:       jid,
					Timestamp: master.Timestamp,
					Type:      store.TypeLinkPreview,
					Data:      link,
					State:     master.State.Read(),
					MasterID:  masterID,
				}
				if err := s.db.InsertEntry(entry); err != nil {
					s.log.Error("preview insert failed", zap.Int64("master_id", masterID), errField(err))
					continue
				}
				s.publish(bus.KindMessageAdded, entry)
			}
		})
	}()
}

// removePreviewsSync deletes the previews derived from an entry and bumps
// its generation so any scan still in flight discards its results. Runs on
// the serialized context.
func (s *Store) removePreviewsSync(masterID int64, account, jid string) {
	s.nextGeneration(masterID)
	previews, err := s.db.Previews(masterID)
	if err != nil {
		s.log.Error("preview lookup failed", zap.Int64("master_id", masterID), errField(err))
		return
	}
	for _, p := range previews {
		if err := s.db.DeleteEntry(p.ID); err != nil {
			s.log.Error("preview delete failed", zap.Int64("id", p.ID), errField(err))
			continue
		}
		s.publish(bus.KindMessageRemoved, bus.RemovedMessage{ID: p.ID, Account: account, JID: jid})
	}
}
