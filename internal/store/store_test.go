package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEntry(account, jid, body string, ts int64) *Entry {
	return &Entry{
		Account:   account,
		JID:       jid,
		Timestamp: ts,
		Type:      TypeMessage,
		Data:      body,
		State:     StateIncomingUnread,
	}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestInsertEntryAssignsID(t *testing.T) {
	db := testDB(t)

	e := testEntry("me@s", "alice@s", "hello", 1000)
	if err := db.InsertEntry(e); err != nil {
		t.Fatal(err)
	}
	if e.ID == 0 {
		t.Fatal("InsertEntry did not assign id")
	}

	got, err := db.GetEntry(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("GetEntry returned nil")
	}
	if got.Data != "hello" || got.State != StateIncomingUnread {
		t.Errorf("got %+v", got)
	}
	// Empty strings round-trip through NULL columns.
	if got.ServerMsgID != "" || got.CorrectionStanzaID != "" || got.MasterID != 0 {
		t.Errorf("nullable columns not empty: %+v", got)
	}
}

func TestServerMsgIDUnique(t *testing.T) {
	db := testDB(t)

	e1 := testEntry("me@s", "alice@s", "hello", 1000)
	e1.ServerMsgID = "srv1"
	if err := db.InsertEntry(e1); err != nil {
		t.Fatal(err)
	}

	e2 := testEntry("me@s", "alice@s", "hello again", 2000)
	e2.ServerMsgID = "srv1"
	if err := db.InsertEntry(e2); err == nil {
		t.Error("duplicate server_msg_id should fail")
	}

	// Same id under a different account is fine.
	e3 := testEntry("other@s", "alice@s", "hello", 1000)
	e3.ServerMsgID = "srv1"
	if err := db.InsertEntry(e3); err != nil {
		t.Errorf("same server_msg_id on another account: %v", err)
	}

	id, err := db.FindIDByServerMsgID("me@s", "srv1")
	if err != nil {
		t.Fatal(err)
	}
	if id != e1.ID {
		t.Errorf("FindIDByServerMsgID = %d, want %d", id, e1.ID)
	}
	id, err = db.FindIDByServerMsgID("me@s", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Errorf("missing server_msg_id = %d, want 0", id)
	}
}

func TestFindIDByOriginID(t *testing.T) {
	db := testDB(t)

	e1 := testEntry("me@s", "room@muc", "hi", 1000)
	e1.StanzaID = "origin1"
	e1.AuthorNickname = "alice"
	if err := db.InsertEntry(e1); err != nil {
		t.Fatal(err)
	}

	id, err := db.FindIDByOriginID("me@s", "room@muc", "origin1", "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if id != e1.ID {
		t.Errorf("got %d, want %d", id, e1.ID)
	}

	// Wrong author does not match.
	id, err = db.FindIDByOriginID("me@s", "room@muc", "origin1", "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Errorf("got %d, want 0 for wrong author", id)
	}

	// A matching correction id counts too.
	e2 := testEntry("me@s", "room@muc", "edited", 2000)
	e2.StanzaID = "origin2"
	e2.CorrectionStanzaID = "edit1"
	e2.CorrectionTimestamp = 2500
	if err := db.InsertEntry(e2); err != nil {
		t.Fatal(err)
	}
	id, err = db.FindIDByOriginID("me@s", "room@muc", "edit1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if id != e2.ID {
		t.Errorf("got %d, want %d via correction id", id, e2.ID)
	}
}

func TestBackfillServerMsgID(t *testing.T) {
	db := testDB(t)

	e := testEntry("me@s", "alice@s", "hi", 1000)
	e.StanzaID = "origin1"
	if err := db.InsertEntry(e); err != nil {
		t.Fatal(err)
	}

	if err := db.BackfillServerMsgID(e.ID, "srv1"); err != nil {
		t.Fatal(err)
	}
	// A second backfill must not overwrite.
	if err := db.BackfillServerMsgID(e.ID, "srv2"); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetEntry(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerMsgID != "srv1" {
		t.Errorf("server_msg_id = %q, want srv1", got.ServerMsgID)
	}
}

func TestCorrectEntryMonotonic(t *testing.T) {
	db := testDB(t)

	e := testEntry("me@s", "alice@s", "original", 1000)
	if err := db.InsertEntry(e); err != nil {
		t.Fatal(err)
	}

	ok, err := db.CorrectEntry(e.ID, "first edit", "edit1", 2000, StateIncomingUnread)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first correction should apply")
	}

	// Same correction id again: rejected.
	ok, err = db.CorrectEntry(e.ID, "replay", "edit1", 3000, StateIncomingUnread)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("replayed correction id should be rejected")
	}

	// Older correction: rejected.
	ok, err = db.CorrectEntry(e.ID, "stale edit", "edit0", 1500, StateIncomingUnread)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("stale correction should be rejected")
	}

	// Newer correction: applied.
	ok, err = db.CorrectEntry(e.ID, "second edit", "edit2", 4000, StateIncomingUnread)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("newer correction should apply")
	}

	got, err := db.GetEntry(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data != "second edit" || got.CorrectionStanzaID != "edit2" || got.CorrectionTimestamp != 4000 {
		t.Errorf("got %+v", got)
	}
}

func TestRetractEntry(t *testing.T) {
	db := testDB(t)

	e := testEntry("me@s", "alice@s", "regret", 1000)
	e.Error = "old error"
	if err := db.InsertEntry(e); err != nil {
		t.Fatal(err)
	}

	ok, err := db.RetractEntry(e.ID, TypeMessage.Retracted(), "ret1", 2000, StateIncoming)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("retraction should apply")
	}

	got, err := db.GetEntry(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeMessageRetracted {
		t.Errorf("item_type = %d, want retracted", got.Type)
	}
	if got.Data != "" || got.Error != "" {
		t.Errorf("body/error should be cleared: %+v", got)
	}

	// A correction older than the retraction can not resurrect the body.
	ok, err = db.CorrectEntry(e.ID, "resurrect", "edit1", 1500, StateIncoming)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("correction older than retraction should be rejected")
	}
}

func TestUpdateEntryStateCAS(t *testing.T) {
	db := testDB(t)

	e := testEntry("me@s", "alice@s", "out", 1000)
	e.State = StateOutgoingUnsent
	if err := db.InsertEntry(e); err != nil {
		t.Fatal(err)
	}

	// Wrong expected state: no-op.
	ok, err := db.UpdateEntryState(e.ID, StateOutgoing, StateOutgoingDelivered, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("transition from wrong state should be a no-op")
	}

	ok, err = db.UpdateEntryState(e.ID, StateOutgoingUnsent, StateOutgoing, 5000, "")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected transition to apply")
	}

	got, err := db.GetEntry(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateOutgoing || got.Timestamp != 5000 {
		t.Errorf("state=%d ts=%d, want outgoing/5000", got.State, got.Timestamp)
	}

	// StateAny applies unconditionally and a zero timestamp keeps the old one.
	ok, err = db.UpdateEntryState(e.ID, StateAny, StateOutgoingErrorUnread, 0, "boom")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("StateAny transition should apply")
	}
	got, err = db.GetEntry(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateOutgoingErrorUnread || got.Timestamp != 5000 || got.Error != "boom" {
		t.Errorf("got %+v", got)
	}
}

func TestMarkReadBefore(t *testing.T) {
	db := testDB(t)

	mk := func(ts int64, s State) {
		e := testEntry("me@s", "alice@s", "m", ts)
		e.State = s
		if err := db.InsertEntry(e); err != nil {
			t.Fatal(err)
		}
	}
	mk(1000, StateIncomingUnread)
	mk(2000, StateIncomingErrorUnread)
	mk(3000, StateOutgoingErrorUnread)
	mk(4000, StateIncomingUnread) // newer than cutoff, stays unread
	mk(2500, StateOutgoing)       // not unread, untouched

	n, err := db.MarkReadBefore("me@s", "alice@s", 3000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("marked %d, want 3", n)
	}

	var states []State
	rows, err := db.Query(`SELECT state FROM chat_history WHERE account = 'me@s' ORDER BY timestamp`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var s State
		if err := rows.Scan(&s); err != nil {
			t.Fatal(err)
		}
		states = append(states, s)
	}
	want := []State{StateIncoming, StateIncomingError, StateOutgoing, StateOutgoingError, StateIncomingUnread}
	for i, s := range states {
		if s != want[i] {
			t.Errorf("state[%d] = %d, want %d", i, s, want[i])
		}
	}
}

func TestHistoryFiltersPreviews(t *testing.T) {
	db := testDB(t)

	msg := testEntry("me@s", "alice@s", "check https://example.com", 1000)
	if err := db.InsertEntry(msg); err != nil {
		t.Fatal(err)
	}
	preview := testEntry("me@s", "alice@s", "https://example.com", 1000)
	preview.Type = TypeLinkPreview
	preview.MasterID = msg.ID
	if err := db.InsertEntry(preview); err != nil {
		t.Fatal(err)
	}

	entries, err := db.History("me@s", "alice@s", 0, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries without previews, want 1", len(entries))
	}

	entries, err = db.History("me@s", "alice@s", 0, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries with previews, want 2", len(entries))
	}

	previews, err := db.Previews(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(previews) != 1 || previews[0].ID != preview.ID {
		t.Errorf("Previews = %+v", previews)
	}
}

func TestPositionInChat(t *testing.T) {
	db := testDB(t)

	mk := func(body string, ts int64, typ EntryType) {
		e := testEntry("me@s", "alice@s", body, ts)
		e.Type = typ
		if err := db.InsertEntry(e); err != nil {
			t.Fatal(err)
		}
	}
	mk("old", 1000, TypeMessage)
	mk("anchor", 2000, TypeMessage)
	mk("twin", 2000, TypeMessage)
	mk("join us", 2500, TypeInvitation)
	mk("new", 3000, TypeMessage)

	// Strictly newer than the anchor: the invitation and the newest
	// message. The entry sharing the anchor's timestamp is not newer.
	n, err := db.PositionInChat("me@s", "alice@s", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("position = %d, want 2", n)
	}

	n, err = db.PositionInChat("me@s", "alice@s", 3000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("position = %d, want 0", n)
	}
}

func TestSearch(t *testing.T) {
	db := testDB(t)

	if err := db.OpenChat("me@s", "alice@s", 500); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertEntry(testEntry("me@s", "alice@s", "hello world", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertEntry(testEntry("me@s", "alice@s", "goodbye world", 2000)); err != nil {
		t.Fatal(err)
	}

	results, err := db.Search("", "", "hello*", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Entry.Data != "hello world" {
		t.Errorf("data = %q", results[0].Entry.Data)
	}

	// Group messages in rooms that were never opened are dropped.
	room := testEntry("me@s", "room@muc", "hello from room", 3000)
	room.AuthorNickname = "bob"
	if err := db.InsertEntry(room); err != nil {
		t.Fatal(err)
	}
	results, err = db.Search("", "", "hello*", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, unopened room should be excluded", len(results))
	}

	// An open room is searchable; closing it hides it again.
	if err := db.OpenChat("me@s", "room@muc", 2500); err != nil {
		t.Fatal(err)
	}
	results, err = db.Search("", "", "hello*", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results with the room open, want 2", len(results))
	}
	if err := db.CloseChat("me@s", "room@muc"); err != nil {
		t.Fatal(err)
	}
	results, err = db.Search("", "", "hello*", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, closed room should be excluded", len(results))
	}

	// Conversation filter.
	results, err = db.Search("me@s", "bob@s", "hello*", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for bob, want 0", len(results))
	}
}

func TestUnsentEntries(t *testing.T) {
	db := testDB(t)

	mk := func(jid, body, stanzaID string, ts int64, s State) {
		e := testEntry("me@s", jid, body, ts)
		e.State = s
		e.StanzaID = stanzaID
		if err := db.InsertEntry(e); err != nil {
			t.Fatal(err)
		}
	}
	mk("alice@s", "second", "s2", 2000, StateOutgoingUnsent)
	mk("alice@s", "first", "s1", 1000, StateOutgoingUnsent)
	mk("alice@s", "sent", "s0", 500, StateOutgoing)

	unsent, err := db.UnsentEntries("me@s")
	if err != nil {
		t.Fatal(err)
	}
	if len(unsent) != 2 {
		t.Fatalf("got %d unsent, want 2", len(unsent))
	}
	if unsent[0].Data != "first" || unsent[1].Data != "second" {
		t.Errorf("unsent not oldest-first: %+v", unsent)
	}
}

func TestLastMessageTimestampExcludesUnsent(t *testing.T) {
	db := testDB(t)

	ts, err := db.LastMessageTimestamp("me@s")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 0 {
		t.Errorf("empty history timestamp = %d, want 0", ts)
	}

	if err := db.InsertEntry(testEntry("me@s", "alice@s", "a", 1000)); err != nil {
		t.Fatal(err)
	}
	pending := testEntry("me@s", "alice@s", "b", 9000)
	pending.State = StateOutgoingUnsent
	if err := db.InsertEntry(pending); err != nil {
		t.Fatal(err)
	}

	ts, err = db.LastMessageTimestamp("me@s")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 1000 {
		t.Errorf("timestamp = %d, want 1000 (unsent excluded)", ts)
	}
}

func TestSyncPeriods(t *testing.T) {
	db := testDB(t)

	p := &SyncPeriod{ID: "p1", Account: "me@s", From: 1000, To: 5000}
	if err := db.InsertSyncPeriod(p); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertSyncPeriod(&SyncPeriod{ID: "p2", Account: "me@s", Component: "muc.s", From: 2000}); err != nil {
		t.Fatal(err)
	}

	periods, err := db.SyncPeriods("me@s", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(periods) != 1 || periods[0].ID != "p1" || periods[0].To != 5000 {
		t.Fatalf("got %+v", periods)
	}

	if err := db.UpdateSyncPeriodAfter("p1", "cursor1"); err != nil {
		t.Fatal(err)
	}
	periods, err = db.SyncPeriods("me@s", "")
	if err != nil {
		t.Fatal(err)
	}
	if periods[0].After != "cursor1" {
		t.Errorf("after = %q, want cursor1", periods[0].After)
	}

	if err := db.DeleteSyncPeriod("p1"); err != nil {
		t.Fatal(err)
	}
	periods, err = db.SyncPeriods("me@s", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(periods) != 0 {
		t.Errorf("got %d periods after delete, want 0", len(periods))
	}

	// Component periods are still there until the account-wide wipe.
	if err := db.DeleteSyncPeriods("me@s"); err != nil {
		t.Fatal(err)
	}
	periods, err = db.SyncPeriods("me@s", "muc.s")
	if err != nil {
		t.Fatal(err)
	}
	if len(periods) != 0 {
		t.Errorf("got %d component periods after wipe, want 0", len(periods))
	}
}

func TestOpenCloseChat(t *testing.T) {
	db := testDB(t)

	if err := db.OpenChat("me@s", "alice@s", 1000); err != nil {
		t.Fatal(err)
	}
	// Reopening is idempotent.
	if err := db.OpenChat("me@s", "alice@s", 2000); err != nil {
		t.Fatal(err)
	}

	chats, err := db.Chats("me@s")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats, want 1", len(chats))
	}

	if err := db.CloseChat("me@s", "alice@s"); err != nil {
		t.Fatal(err)
	}
	chats, err = db.Chats("me@s")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 0 {
		t.Errorf("got %d chats after close, want 0", len(chats))
	}

	// Reopen resurrects the row.
	if err := db.OpenChat("me@s", "alice@s", 3000); err != nil {
		t.Fatal(err)
	}
	chats, err = db.Chats("me@s")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Errorf("got %d chats after reopen, want 1", len(chats))
	}
}

func TestDeleteHistory(t *testing.T) {
	db := testDB(t)

	if err := db.InsertEntry(testEntry("me@s", "alice@s", "a", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertEntry(testEntry("me@s", "bob@s", "b", 2000)); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteHistory("me@s", "alice@s"); err != nil {
		t.Fatal(err)
	}
	entries, err := db.History("me@s", "alice@s", 0, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("alice history not deleted")
	}
	entries, err = db.History("me@s", "bob@s", 0, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("bob history should survive")
	}

	if err := db.DeleteHistory("me@s", ""); err != nil {
		t.Fatal(err)
	}
	entries, err = db.History("me@s", "bob@s", 0, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("account-wide delete left entries")
	}
}
