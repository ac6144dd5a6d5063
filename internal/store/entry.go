package store

import (
	"database/sql"
	"fmt"
)

const entryColumns = `id, account, jid, timestamp, item_type, COALESCE(data, ''), COALESCE(stanza_id, ''), state,
	COALESCE(author_nickname, ''), COALESCE(author_jid, ''), COALESCE(recipient_nickname, ''), COALESCE(participant_id, ''),
	COALESCE(error, ''), encryption, COALESCE(fingerprint, ''), COALESCE(appendix, ''),
	COALESCE(server_msg_id, ''), COALESCE(remote_msg_id, ''), COALESCE(master_id, 0),
	COALESCE(correction_stanza_id, ''), COALESCE(correction_timestamp, 0)`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Account, &e.JID, &e.Timestamp, &e.Type, &e.Data, &e.StanzaID, &e.State,
		&e.AuthorNickname, &e.AuthorJID, &e.RecipientNickname, &e.ParticipantID,
		&e.Error, &e.Encryption, &e.Fingerprint, &e.Appendix,
		&e.ServerMsgID, &e.RemoteMsgID, &e.MasterID,
		&e.CorrectionStanzaID, &e.CorrectionTimestamp)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertEntry persists a new entry and fills in its assigned id. Empty
// string fields and a zero MasterID are stored as NULL.
func (db *DB) InsertEntry(e *Entry) error {
	res, err := db.Exec(`INSERT INTO chat_history (
			account, jid, timestamp, item_type, data, stanza_id, state,
			author_nickname, author_jid, recipient_nickname, participant_id,
			error, encryption, fingerprint, appendix,
			server_msg_id, remote_msg_id, master_id,
			correction_stanza_id, correction_timestamp)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?,
			NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''),
			NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''),
			NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, 0),
			NULLIF(?, ''), NULLIF(?, 0))`,
		e.Account, e.JID, e.Timestamp, e.Type, e.Data, e.StanzaID, e.State,
		e.AuthorNickname, e.AuthorJID, e.RecipientNickname, e.ParticipantID,
		e.Error, e.Encryption, e.Fingerprint, e.Appendix,
		e.ServerMsgID, e.RemoteMsgID, e.MasterID,
		e.CorrectionStanzaID, e.CorrectionTimestamp)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert entry id: %w", err)
	}
	return nil
}

// GetEntry loads a single entry by id. Returns nil when it does not exist.
func (db *DB) GetEntry(id int64) (*Entry, error) {
	e, err := scanEntry(db.QueryRow(`SELECT `+entryColumns+` FROM chat_history WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// FindIDByServerMsgID returns the id of the entry the account's archive
// already assigned this id to, or 0 when unseen.
func (db *DB) FindIDByServerMsgID(account, serverMsgID string) (int64, error) {
	var id int64
	err := db.QueryRow(`SELECT id FROM chat_history WHERE account = ? AND server_msg_id = ?`,
		account, serverMsgID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find by server msg id: %w", err)
	}
	return id, nil
}

// FindIDByOriginID returns the newest entry in a conversation whose origin id
// or correction id matches, optionally narrowed by author nickname or
// occupant id. Origin ids are client-chosen, so an older unrelated entry may
// match; taking the newest keeps duplicate suppression stable for resends.
func (db *DB) FindIDByOriginID(account, jid, originID, authorNickname, participantID string) (int64, error) {
	var id int64
	err := db.QueryRow(`SELECT id FROM chat_history
			WHERE account = ? AND jid = ?
			AND (stanza_id = ? OR correction_stanza_id = ?)
			AND (? = '' OR author_nickname = ?)
			AND (? = '' OR participant_id = ?)
			ORDER BY timestamp DESC LIMIT 1`,
		account, jid, originID, originID,
		authorNickname, authorNickname,
		participantID, participantID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find by origin id: %w", err)
	}
	return id, nil
}

// BackfillServerMsgID records the archive id for an entry that was first seen
// over a live transport. A value already present is never overwritten.
func (db *DB) BackfillServerMsgID(id int64, serverMsgID string) error {
	_, err := db.Exec(`UPDATE chat_history SET server_msg_id = ? WHERE id = ? AND server_msg_id IS NULL`,
		serverMsgID, id)
	if err != nil {
		return fmt.Errorf("backfill server msg id: %w", err)
	}
	return nil
}

// CorrectEntry replaces the body of an entry with a newer version. The
// correction is applied only when it is strictly newer than any already
// applied one and carries a different correction id; the returned flag
// reports whether the row changed.
func (db *DB) CorrectEntry(id int64, body string, correctionID string, timestamp int64, state State) (bool, error) {
	res, err := db.Exec(`UPDATE chat_history
			SET data = NULLIF(?, ''), state = ?, correction_stanza_id = ?, correction_timestamp = ?
			WHERE id = ?
			AND (correction_stanza_id IS NULL OR correction_stanza_id <> ?)
			AND (correction_timestamp IS NULL OR correction_timestamp < ?)`,
		body, state, correctionID, timestamp, id, correctionID, timestamp)
	if err != nil {
		return false, fmt.Errorf("correct entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("correct entry rows: %w", err)
	}
	return n > 0, nil
}

// RetractEntry tombstones an entry. The same monotonic guard as for
// corrections applies, so a late correction can not resurrect the body.
func (db *DB) RetractEntry(id int64, itemType EntryType, retractionID string, timestamp int64, state State) (bool, error) {
	res, err := db.Exec(`UPDATE chat_history
			SET item_type = ?, data = NULL, error = NULL, state = ?, correction_stanza_id = ?, correction_timestamp = ?
			WHERE id = ?
			AND (correction_stanza_id IS NULL OR correction_stanza_id <> ?)
			AND (correction_timestamp IS NULL OR correction_timestamp < ?)`,
		itemType, state, retractionID, timestamp, id, retractionID, timestamp)
	if err != nil {
		return false, fmt.Errorf("retract entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retract entry rows: %w", err)
	}
	return n > 0, nil
}

// UpdateEntryState transitions an entry's state. When oldState is StateAny
// the transition is unconditional, otherwise it only applies while the entry
// is still in oldState. A non-zero timestamp replaces the stored one and a
// non-empty errorText is recorded alongside.
func (db *DB) UpdateEntryState(id int64, oldState, newState State, timestamp int64, errorText string) (bool, error) {
	res, err := db.Exec(`UPDATE chat_history
			SET state = ?,
			    timestamp = COALESCE(NULLIF(?, 0), timestamp),
			    error = COALESCE(NULLIF(?, ''), error)
			WHERE id = ? AND (? < 0 OR state = ?)`,
		newState, timestamp, errorText, id, oldState, oldState)
	if err != nil {
		return false, fmt.Errorf("update entry state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update entry state rows: %w", err)
	}
	return n > 0, nil
}

// MarkReadBefore clears the unread flag of every unread entry in the
// conversation not newer than the given timestamp and returns how many
// entries changed.
func (db *DB) MarkReadBefore(account, jid string, before int64) (int, error) {
	res, err := db.Exec(`UPDATE chat_history
			SET state = CASE state WHEN ? THEN ? WHEN ? THEN ? ELSE ? END
			WHERE account = ? AND jid = ? AND state IN (?, ?, ?) AND timestamp <= ?`,
		StateIncomingErrorUnread, StateIncomingError,
		StateOutgoingErrorUnread, StateOutgoingError,
		StateIncoming,
		account, jid,
		StateIncomingUnread, StateIncomingErrorUnread, StateOutgoingErrorUnread,
		before)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark read rows: %w", err)
	}
	return int(n), nil
}

// DeleteEntry removes a single entry.
func (db *DB) DeleteEntry(id int64) error {
	if _, err := db.Exec(`DELETE FROM chat_history WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Previews returns the link preview entries derived from a message.
func (db *DB) Previews(masterID int64) ([]*Entry, error) {
	rows, err := db.Query(`SELECT `+entryColumns+` FROM chat_history WHERE master_id = ? AND item_type = ?`,
		masterID, TypeLinkPreview)
	if err != nil {
		return nil, fmt.Errorf("previews: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// History loads a page of a conversation, newest first. Link previews are
// skipped unless requested; retracted attachments stay visible as tombstones.
func (db *DB) History(account, jid string, offset, limit int, withPreviews bool) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM chat_history WHERE account = ? AND jid = ?`
	if !withPreviews {
		query += fmt.Sprintf(` AND item_type IN (%d, %d, %d, %d, %d)`,
			TypeMessage, TypeAttachment, TypeInvitation, TypeMessageRetracted, TypeAttachmentRetracted)
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	rows, err := db.Query(query, account, jid, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// PositionInChat returns how many displayable entries in the conversation
// are strictly newer than the given timestamp, which is the anchor's offset
// in a newest-first view. The type set matches the History page filter so
// the computed offset and the page rows agree.
func (db *DB) PositionInChat(account, jid string, timestamp int64) (int, error) {
	var n int
	err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(id) FROM chat_history
			WHERE account = ? AND jid = ? AND timestamp > ? AND item_type IN (%d, %d, %d, %d, %d)`,
		TypeMessage, TypeAttachment, TypeInvitation, TypeMessageRetracted, TypeAttachmentRetracted),
		account, jid, timestamp).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("position in chat: %w", err)
	}
	return n, nil
}

// Search runs a full-text query, optionally narrowed to one account or one
// conversation. Matches in conversations that are not currently open locally
// are dropped unless they are plain direct messages.
func (db *DB) Search(account, jid, ftsQuery string, limit int) ([]SearchResult, error) {
	rows, err := db.Query(`SELECT `+prefixedEntryColumns("h")+`, snippet(chat_history_fts, '', '', '…', 0, 32)
			FROM chat_history_fts fts
			JOIN chat_history h ON h.id = fts.docid
			LEFT JOIN chats c ON c.account = h.account AND c.jid = h.jid
			WHERE chat_history_fts MATCH ?
			AND h.item_type = ?
			AND (? = '' OR h.account = ?)
			AND (? = '' OR h.jid = ?)
			AND ((c.jid IS NOT NULL AND c.closed = 0) OR h.author_nickname IS NULL)
			ORDER BY h.timestamp DESC LIMIT ?`,
		ftsQuery, TypeMessage, account, account, jid, jid, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		err := rows.Scan(&r.Entry.ID, &r.Entry.Account, &r.Entry.JID, &r.Entry.Timestamp, &r.Entry.Type,
			&r.Entry.Data, &r.Entry.StanzaID, &r.Entry.State,
			&r.Entry.AuthorNickname, &r.Entry.AuthorJID, &r.Entry.RecipientNickname, &r.Entry.ParticipantID,
			&r.Entry.Error, &r.Entry.Encryption, &r.Entry.Fingerprint, &r.Entry.Appendix,
			&r.Entry.ServerMsgID, &r.Entry.RemoteMsgID, &r.Entry.MasterID,
			&r.Entry.CorrectionStanzaID, &r.Entry.CorrectionTimestamp, &r.Snippet)
		if err != nil {
			return nil, fmt.Errorf("search scan: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// UnsentEntries returns every outgoing entry of the account still waiting for
// delivery, oldest first so replay preserves the original ordering.
func (db *DB) UnsentEntries(account string) ([]UnsentMessage, error) {
	rows, err := db.Query(`SELECT jid, item_type, COALESCE(data, ''), COALESCE(stanza_id, ''), encryption, COALESCE(correction_stanza_id, '')
			FROM chat_history WHERE account = ? AND state = ? ORDER BY timestamp ASC`,
		account, StateOutgoingUnsent)
	if err != nil {
		return nil, fmt.Errorf("unsent entries: %w", err)
	}
	defer rows.Close()

	var unsent []UnsentMessage
	for rows.Next() {
		var m UnsentMessage
		if err := rows.Scan(&m.JID, &m.Type, &m.Data, &m.StanzaID, &m.Encryption, &m.CorrectionStanzaID); err != nil {
			return nil, fmt.Errorf("unsent scan: %w", err)
		}
		unsent = append(unsent, m)
	}
	return unsent, rows.Err()
}

// LastMessageTimestamp returns the newest acknowledged timestamp for the
// account, or 0 when its history is empty. Unsent entries carry local clocks
// and are excluded.
func (db *DB) LastMessageTimestamp(account string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`SELECT MAX(timestamp) FROM chat_history WHERE account = ? AND state <> ?`,
		account, StateOutgoingUnsent).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("last message timestamp: %w", err)
	}
	return ts.Int64, nil
}

// DeleteHistory removes every entry of a conversation, or of the whole
// account when jid is empty.
func (db *DB) DeleteHistory(account, jid string) error {
	var err error
	if jid == "" {
		_, err = db.Exec(`DELETE FROM chat_history WHERE account = ?`, account)
	} else {
		_, err = db.Exec(`DELETE FROM chat_history WHERE account = ? AND jid = ?`, account, jid)
	}
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// Attachments lists the attachment entries of a conversation, newest first.
func (db *DB) Attachments(account, jid string, limit int) ([]*Entry, error) {
	rows, err := db.Query(`SELECT `+entryColumns+` FROM chat_history
			WHERE account = ? AND jid = ? AND item_type = ? ORDER BY timestamp DESC LIMIT ?`,
		account, jid, TypeAttachment, limit)
	if err != nil {
		return nil, fmt.Errorf("attachments: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// OriginID returns the client-chosen id of an entry, preferring the id of
// the latest correction since that is what the peer matches against.
func (db *DB) OriginID(id int64) (string, error) {
	var originID string
	err := db.QueryRow(`SELECT COALESCE(correction_stanza_id, stanza_id, '') FROM chat_history WHERE id = ?`,
		id).Scan(&originID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("origin id: %w", err)
	}
	return originID, nil
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func prefixedEntryColumns(alias string) string {
	return alias + `.id, ` + alias + `.account, ` + alias + `.jid, ` + alias + `.timestamp, ` + alias + `.item_type,
		COALESCE(` + alias + `.data, ''), COALESCE(` + alias + `.stanza_id, ''), ` + alias + `.state,
		COALESCE(` + alias + `.author_nickname, ''), COALESCE(` + alias + `.author_jid, ''),
		COALESCE(` + alias + `.recipient_nickname, ''), COALESCE(` + alias + `.participant_id, ''),
		COALESCE(` + alias + `.error, ''), ` + alias + `.encryption, COALESCE(` + alias + `.fingerprint, ''),
		COALESCE(` + alias + `.appendix, ''), COALESCE(` + alias + `.server_msg_id, ''),
		COALESCE(` + alias + `.remote_msg_id, ''), COALESCE(` + alias + `.master_id, 0),
		COALESCE(` + alias + `.correction_stanza_id, ''), COALESCE(` + alias + `.correction_timestamp, 0)`
}
